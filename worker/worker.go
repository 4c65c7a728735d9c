package worker

import (
	"context"
	"time"
)

// Worker is the handle for one supervised goroutine.
type Worker struct {
	name   string
	cancel context.CancelFunc

	// done is closed by the run wrapper after the entry has returned and
	// its output capture, if any, has been released.
	done chan struct{}
}

// Name returns the name the worker was spawned under.
func (w *Worker) Name() string {
	return w.name
}

// Alive reports whether the worker is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Join waits up to timeout for the worker to finish and reports whether it
// did. A non-positive timeout waits indefinitely.
func (w *Worker) Join(timeout time.Duration) bool {
	if timeout <= 0 {
		<-w.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate cancels the worker's context. An entry that honors its context
// exits promptly; one that ignores it keeps running detached until its
// channels are closed, since a goroutine cannot be killed from outside.
func (w *Worker) Terminate() {
	w.cancel()
}
