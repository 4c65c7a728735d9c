package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/stream"
	"github.com/zhubert/relay-core/wire"
)

// ErrSupervisorClosed is returned by Spawn after Shutdown has run.
var ErrSupervisorClosed = errors.New("supervisor is shut down")

// Options is the opaque configuration mapping handed through to a worker
// entry untouched.
type Options map[string]any

// Env is everything a worker entry receives besides its context.
type Env struct {
	// Name is the worker's spawn name, which doubles as its participant
	// name when output capture is on.
	Name string

	// Channels is the request/response/error trio the worker serves. Nil
	// for workers that only produce output.
	Channels *wire.Channels

	// Options carries caller-defined configuration.
	Options Options

	// Out and Err are where the worker writes: the redirect's writers when
	// captured, the host's own stdout and stderr otherwise.
	Out io.Writer
	Err io.Writer
}

// EntryFunc is a worker body. It runs on its own goroutine and should honor
// ctx, which is cancelled by Terminate and Shutdown.
type EntryFunc func(ctx context.Context, env Env) error

// SpawnSpec describes one worker to spawn.
type SpawnSpec struct {
	// Name is the human-meaningful worker name.
	Name string

	// Entry is the worker body. Required.
	Entry EntryFunc

	// Channels is the trio the worker serves.
	Channels *wire.Channels

	// Options is passed through to the entry.
	Options Options

	// CaptureOutput routes the worker's Out and Err through the
	// supervisor's multiplexer for the duration of the run.
	CaptureOutput bool
}

// Supervisor spawns workers and keeps a registry of every one it still
// owns, so a host can terminate them on the way out instead of leaking
// them. Construct one per host with NewSupervisor and defer Shutdown.
type Supervisor struct {
	mux *stream.Multiplexer
	log *slog.Logger

	mu      sync.Mutex
	workers map[*Worker]struct{}
	closed  bool

	// wg tracks run wrappers so Shutdown can wait for stragglers.
	wg sync.WaitGroup
}

// NewSupervisor builds a supervisor whose captured workers route output
// through mux. A nil mux disables capture; spawns requesting it run with
// the host's own streams.
func NewSupervisor(mux *stream.Multiplexer) *Supervisor {
	return &Supervisor{
		mux:     mux,
		log:     logger.WithComponent("worker"),
		workers: make(map[*Worker]struct{}),
	}
}

// Spawn starts a worker for spec and returns its handle. When the spec
// requests output capture, the multiplexer connection is made here, before
// the worker runs, so claiming an already-claimed redirection fails at the
// call site rather than inside the new goroutine.
func (s *Supervisor) Spawn(spec SpawnSpec) (*Worker, error) {
	if spec.Entry == nil {
		return nil, errors.New("spawn: entry function is required")
	}
	name := spec.Name
	if name == "" {
		name = "worker"
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}

	env := Env{
		Name:     name,
		Channels: spec.Channels,
		Options:  spec.Options,
		Out:      os.Stdout,
		Err:      os.Stderr,
	}

	var redirect *stream.Redirect
	if spec.CaptureOutput && s.mux != nil {
		r, err := s.mux.Connect(name)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("spawning %q: %w", name, err)
		}
		redirect = r
		env.Out = r.Out
		env.Err = r.Err
	} else if spec.CaptureOutput {
		s.log.Debug("no multiplexer, output not captured", "worker", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{name: name, cancel: cancel, done: make(chan struct{})}
	s.workers[w] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("worker spawned", "worker", name, "captured", redirect != nil)
	go s.run(ctx, w, env, spec.Entry, redirect)
	return w, nil
}

// run executes one worker entry inside the supervision wrapper. The defers
// unwind in a fixed order: a panic is rendered to the worker's error stream
// first, while the redirect is still claimed; then the redirect is
// released; then the worker is forgotten and its done channel closed. Join
// therefore implies the redirection is free again.
func (s *Supervisor) run(ctx context.Context, w *Worker, env Env, entry EntryFunc, redirect *stream.Redirect) {
	defer s.wg.Done()
	defer close(w.done)
	defer s.forget(w)
	if redirect != nil {
		defer func() {
			if err := s.mux.Disconnect(); err != nil {
				s.log.Warn("releasing output capture failed", "worker", w.name, "error", err)
			}
		}()
	}
	defer func() {
		if v := recover(); v != nil {
			fmt.Fprintln(env.Err, wire.NewPanicRecord(v, debug.Stack()).Trace)
			s.log.Error("worker panicked", "worker", w.name, "panic", fmt.Sprint(v))
		}
	}()

	s.log.Debug("worker running", "worker", w.name)
	if err := entry(ctx, env); err != nil {
		// Render the failure to the worker's own error stream before the
		// redirect is released, so it lands wherever the worker's output
		// is being watched.
		renderError(env.Err, err)
		s.log.Error("worker failed", "worker", w.name, "error", err)
		return
	}
	s.log.Debug("worker finished", "worker", w.name)
}

// forget removes a finished worker from the registry.
func (s *Supervisor) forget(w *Worker) {
	s.mu.Lock()
	delete(s.workers, w)
	s.mu.Unlock()
}

// Alive lists the names of the workers the supervisor still owns, sorted.
func (s *Supervisor) Alive() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for w := range s.workers {
		names = append(names, w.name)
	}
	slices.Sort(names)
	return names
}

// Shutdown terminates every owned worker, waits up to timeout for them all
// to finish, and reports whether they did. A non-positive timeout waits
// indefinitely. The supervisor refuses spawns afterwards.
func (s *Supervisor) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	workers := make([]*Worker, 0, len(s.workers))
	for w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	s.log.Info("supervisor shutting down", "workers", len(workers))
	for _, w := range workers {
		w.Terminate()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	if timeout <= 0 {
		<-finished
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		s.log.Warn("shutdown timed out with workers still running", "stuck", s.Alive())
		return false
	}
}

// renderError writes err's full diagnostic to w, including the stack when
// the error came from a recovered handler panic.
func renderError(w io.Writer, err error) {
	var pe *panicError
	if errors.As(err, &pe) {
		fmt.Fprintln(w, pe.rec.Trace)
		return
	}
	fmt.Fprintln(w, wire.NewRecord(err).Trace)
}
