package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/paths"
	"github.com/zhubert/relay-core/stream"
	"github.com/zhubert/relay-core/wire"
)

// setupTestHome points the logger at a throwaway home directory.
func setupTestHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	logger.Reset()
	t.Cleanup(func() {
		logger.Reset()
		paths.Reset()
	})
}

// newTestMux returns a multiplexer that never mirrors to a console.
func newTestMux() *stream.Multiplexer {
	return stream.NewMultiplexer(stream.MuxConfig{
		Console:     &strings.Builder{},
		MirrorAfter: time.Hour,
	})
}

// blockUntilCancelled is an entry that exits only on terminate/shutdown.
func blockUntilCancelled(ctx context.Context, env Env) error {
	<-ctx.Done()
	return nil
}

func TestSpawnRunsEntry(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	ran := make(chan string, 1)
	w, err := sup.Spawn(SpawnSpec{
		Name: "probe",
		Entry: func(ctx context.Context, env Env) error {
			ran <- env.Name
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case name := <-ran:
		if name != "probe" {
			t.Errorf("entry saw name %q, want %q", name, "probe")
		}
	case <-time.After(time.Second):
		t.Fatal("entry never ran")
	}
	if !w.Join(time.Second) {
		t.Fatal("worker did not finish")
	}
	if w.Alive() {
		t.Error("worker still alive after Join")
	}
}

func TestSpawnRequiresEntry(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	if _, err := sup.Spawn(SpawnSpec{Name: "empty"}); err == nil {
		t.Error("Spawn without an entry should fail")
	}
}

func TestSpawnDefaultName(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	w, err := sup.Spawn(SpawnSpec{Entry: blockUntilCancelled})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer w.Terminate()

	if w.Name() != "worker" {
		t.Errorf("Name() = %q, want %q", w.Name(), "worker")
	}
}

func TestJoinTimeout(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	w, err := sup.Spawn(SpawnSpec{Name: "stuck", Entry: blockUntilCancelled})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if w.Join(20 * time.Millisecond) {
		t.Error("Join should time out while the worker blocks")
	}
	if !w.Alive() {
		t.Error("worker should still be alive")
	}

	w.Terminate()
	if !w.Join(time.Second) {
		t.Error("worker did not exit after Terminate")
	}
}

func TestCaptureOutput(t *testing.T) {
	setupTestHome(t)
	mux := newTestMux()
	sup := NewSupervisor(mux)

	w, err := sup.Spawn(SpawnSpec{
		Name: "m",
		Entry: func(ctx context.Context, env Env) error {
			fmt.Fprintf(env.Out, "hello\n")
			fmt.Fprintf(env.Err, "oops\n")
			return nil
		},
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !w.Join(time.Second) {
		t.Fatal("worker did not finish")
	}

	got := mux.Get()
	if !strings.Contains(got, " m] hello") {
		t.Errorf("primary output missing attribution: %q", got)
	}
	if !strings.Contains(got, " m ERR] oops") {
		t.Errorf("error output missing attribution: %q", got)
	}
}

func TestCaptureReleasedAfterExit(t *testing.T) {
	setupTestHome(t)
	mux := newTestMux()
	sup := NewSupervisor(mux)

	w, err := sup.Spawn(SpawnSpec{
		Name:          "first",
		Entry:         func(ctx context.Context, env Env) error { return nil },
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !w.Join(time.Second) {
		t.Fatal("worker did not finish")
	}

	// Join implies the redirection is free for the next claimant
	if _, err := mux.Connect("second"); err != nil {
		t.Errorf("Connect after worker exit: %v", err)
	}
}

func TestSpawnCaptureBusy(t *testing.T) {
	setupTestHome(t)
	mux := newTestMux()
	sup := NewSupervisor(mux)

	if _, err := mux.Connect("holder"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := sup.Spawn(SpawnSpec{
		Name:          "late",
		Entry:         blockUntilCancelled,
		CaptureOutput: true,
	})
	if !errors.Is(err, stream.ErrConnected) {
		t.Fatalf("Spawn error = %v, want ErrConnected", err)
	}
	if alive := sup.Alive(); len(alive) != 0 {
		t.Errorf("failed spawn left a registered worker: %v", alive)
	}
}

func TestEntryErrorRendered(t *testing.T) {
	setupTestHome(t)
	mux := newTestMux()
	sup := NewSupervisor(mux)

	w, err := sup.Spawn(SpawnSpec{
		Name: "m",
		Entry: func(ctx context.Context, env Env) error {
			return wire.Faultf(wire.KindValue, "bad input")
		},
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !w.Join(time.Second) {
		t.Fatal("worker did not finish")
	}

	got := mux.Get()
	if !strings.Contains(got, " m ERR] ValueError: bad input") {
		t.Errorf("failure not rendered to the error stream: %q", got)
	}
}

func TestPanicRendered(t *testing.T) {
	setupTestHome(t)
	mux := newTestMux()
	sup := NewSupervisor(mux)

	w, err := sup.Spawn(SpawnSpec{
		Name: "m",
		Entry: func(ctx context.Context, env Env) error {
			panic("kaboom")
		},
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !w.Join(time.Second) {
		t.Fatal("worker did not finish")
	}

	got := mux.Get()
	if !strings.Contains(got, "panic: kaboom") {
		t.Errorf("panic not rendered: %q", got)
	}
	if !strings.Contains(got, "RuntimeError: kaboom") {
		t.Errorf("panic classification missing: %q", got)
	}

	// The panic must not leave the redirection claimed
	if _, err := mux.Connect("next"); err != nil {
		t.Errorf("Connect after panic: %v", err)
	}
}

func TestAliveRegistry(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	a, err := sup.Spawn(SpawnSpec{Name: "a", Entry: blockUntilCancelled})
	if err != nil {
		t.Fatalf("Spawn a: %v", err)
	}
	b, err := sup.Spawn(SpawnSpec{Name: "b", Entry: blockUntilCancelled})
	if err != nil {
		t.Fatalf("Spawn b: %v", err)
	}
	defer b.Terminate()

	if got := sup.Alive(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Alive() = %v, want [a b]", got)
	}

	a.Terminate()
	if !a.Join(time.Second) {
		t.Fatal("worker a did not exit")
	}
	if got := sup.Alive(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Alive() after one exit = %v, want [b]", got)
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	var workers []*Worker
	for _, name := range []string{"a", "b", "c"} {
		w, err := sup.Spawn(SpawnSpec{Name: name, Entry: blockUntilCancelled})
		if err != nil {
			t.Fatalf("Spawn %s: %v", name, err)
		}
		workers = append(workers, w)
	}

	if !sup.Shutdown(time.Second) {
		t.Error("Shutdown should finish within the bound")
	}
	for _, w := range workers {
		if w.Alive() {
			t.Errorf("worker %s survived Shutdown", w.Name())
		}
	}
	if alive := sup.Alive(); len(alive) != 0 {
		t.Errorf("registry not empty after Shutdown: %v", alive)
	}

	if _, err := sup.Spawn(SpawnSpec{Name: "late", Entry: blockUntilCancelled}); !errors.Is(err, ErrSupervisorClosed) {
		t.Errorf("Spawn after Shutdown = %v, want ErrSupervisorClosed", err)
	}
}

func TestShutdownTimeout(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	release := make(chan struct{})
	_, err := sup.Spawn(SpawnSpec{
		Name: "deaf",
		Entry: func(ctx context.Context, env Env) error {
			// Ignores its context entirely
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if sup.Shutdown(30 * time.Millisecond) {
		t.Error("Shutdown should report workers still running")
	}

	// A later Shutdown waits again and sees the released worker finish
	close(release)
	if !sup.Shutdown(time.Second) {
		t.Error("worker should finish once released")
	}
}

func TestShutdownNoWorkers(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)
	if !sup.Shutdown(time.Second) {
		t.Error("Shutdown with nothing to stop should succeed")
	}
}

func TestNilMuxCaptureFallsBack(t *testing.T) {
	setupTestHome(t)
	sup := NewSupervisor(nil)

	streams := make(chan bool, 1)
	w, err := sup.Spawn(SpawnSpec{
		Name: "bare",
		Entry: func(ctx context.Context, env Env) error {
			streams <- env.Out == os.Stdout && env.Err == os.Stderr
			return nil
		},
		CaptureOutput: true,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !w.Join(time.Second) {
		t.Fatal("worker did not finish")
	}
	if !<-streams {
		t.Error("worker should fall back to the host's own streams")
	}
}
