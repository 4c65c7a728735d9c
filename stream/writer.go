package stream

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Redirect is the handle Connect returns: one Writer per logical stream,
// both feeding the same Multiplexer under the connected participant's name.
// Code that wants its output captured writes to these instead of swapping
// any process-wide destination.
type Redirect struct {
	// Out carries the participant's primary output.
	Out *Writer

	// Err carries the participant's error output.
	Err *Writer

	// broken flips once a chunk could not be queued. Both writers then
	// bypass the queue and write straight to the console.
	broken atomic.Bool
}

// Writer forwards chunks from one participant into the multiplexer queue,
// stamping each with the write time. Safe for concurrent use.
type Writer struct {
	mux         *Multiplexer
	participant string
	broken      *atomic.Bool
}

// Write queues p under the writer's participant name. Empty chunks are
// dropped. When the queue has not been drained for the multiplexer's mirror
// threshold, the formatted line is also written directly to the console so
// output stays visible even with nobody watching the queue; a bare newline
// is never mirrored. If the queue cannot accept the chunk, the console is
// put back in charge first (this chunk and all later ones bypass the queue)
// and the failure is reported wrapping ErrQueueFull.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.broken.Load() {
		return w.mux.console.Write(p)
	}

	text := string(p)
	msg := Message{
		Stamp:       time.Now().Format(stampLayout),
		Participant: w.participant,
		Text:        text,
	}

	select {
	case w.mux.queue <- msg:
	default:
		w.broken.Store(true)
		w.mux.console.Write(p)
		return len(p), fmt.Errorf("routing %q output: %w", w.participant, ErrQueueFull)
	}

	if w.mux.sinceDrain() > w.mux.mirrorAfter && text != "\n" {
		line := "[" + msg.Stamp + " " + msg.Participant + "] " + strings.TrimSuffix(text, "\n")
		fmt.Fprintln(w.mux.console, line)
	}
	return len(p), nil
}

// Flush is a no-op; chunks are visible to Get as soon as Write returns.
func (w *Writer) Flush() error {
	return nil
}

// Ensure Writer satisfies io.Writer at compile time.
var _ io.Writer = (*Writer)(nil)
