// Package worker spawns and supervises the goroutine workers that managers
// talk to over a channel trio.
//
// # Overview
//
// A Supervisor owns every worker it spawns. Each worker runs a caller
// supplied entry function on its own goroutine, wrapped so that output
// capture is connected and released around the run and any escaped failure
// is rendered to the worker's error stream before the wrapper lets go.
//
//	mux := stream.NewMultiplexer(stream.MuxConfig{})
//	sup := worker.NewSupervisor(mux)
//	defer sup.Shutdown(2 * time.Second)
//
//	w, err := sup.Spawn(worker.SpawnSpec{
//	    Name:          "measure",
//	    Entry:         worker.Loop(handler, worker.Resume),
//	    Channels:      wire.NewChannels(0),
//	    CaptureOutput: true,
//	})
//
// # The Serving Loop
//
// Loop builds the canonical entry: receive a query, answer it with exactly
// one response (or none, when the handler returns NoReply), exit on the
// reserved stop query, a closed request channel, or context cancellation.
// A handler failure puts an ErrorRecord on the error channel and the error
// sentinel on the response channel; the FailurePolicy then decides whether
// the worker exits (FailFast) or keeps serving (Resume).
//
// # Lifecycle
//
// Worker handles expose Alive, Join with a bounded wait, and Terminate.
// Terminate cancels the worker's context; a goroutine cannot be killed, so
// an entry that ignores its context keeps running detached until its
// channels are closed. The supervisor tracks every worker it still owns:
// Alive lists them and Shutdown terminates them all, waits out a bound,
// and refuses further spawns. Hosts defer Shutdown so no worker outlives
// them, rather than relying on the runtime tearing goroutines down.
//
// # Thread Safety
//
// Supervisor and Worker are safe for concurrent use. The entry function
// owns its channels exclusively on the worker side; one worker serves one
// channel trio.
package worker
