// Package stream serializes interleaved console output from multiple
// participants into one queue, formatted so a reader can always tell who
// wrote what. A host constructs a single Multiplexer, workers connect to it
// around their run, and the host drains it with Get whenever it wants to
// show accumulated output.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// stampLayout renders message timestamps down to the millisecond.
const stampLayout = "15:04:05.000"

const (
	// DefaultDepth is the queue capacity when the config does not choose one.
	DefaultDepth = 1024

	// DefaultMirrorAfter is how long the queue may sit undrained before
	// writers start mirroring to the console as a safety net.
	DefaultMirrorAfter = 3 * time.Second
)

var (
	// ErrConnected is returned by Connect while a redirection is active.
	ErrConnected = errors.New("output already connected")

	// ErrNotConnected is returned by Disconnect with no active redirection.
	ErrNotConnected = errors.New("output not connected")

	// ErrQueueFull is reported by a Writer whose chunk could not be queued.
	ErrQueueFull = errors.New("output queue full")
)

// Message is one chunk of output as carried by the queue.
type Message struct {
	// Stamp is the write time in stampLayout form.
	Stamp string

	// Participant names who wrote the chunk.
	Participant string

	// Text is the chunk itself, never empty.
	Text string
}

// MuxConfig configures a Multiplexer. The zero value selects stdout,
// DefaultMirrorAfter, and DefaultDepth.
type MuxConfig struct {
	// Console is where mirrored and fallback output goes.
	Console io.Writer

	// MirrorAfter is the undrained-queue age beyond which writers mirror
	// each chunk to the console.
	MirrorAfter time.Duration

	// Depth is the queue capacity.
	Depth int
}

// Multiplexer collects output from connected participants into one queue.
// Construct exactly one per host and share it by reference.
//
// Get assumes a single consumer: the line-continuation state it keeps
// between calls is not guarded. Writers may be concurrent.
type Multiplexer struct {
	queue       chan Message
	console     io.Writer
	mirrorAfter time.Duration

	// lastDrain is the wall time of the last Get, in nanoseconds. Updated
	// and read without a lock: it only feeds the mirror heuristic, so a
	// stale read costs at most one mirrored or unmirrored line.
	lastDrain atomic.Int64

	// mu guards the connection toggle.
	mu        sync.Mutex
	connected bool

	// Consumer-local formatting state, touched only inside Get.
	lastParticipant string
	atLineStart     bool
}

// NewMultiplexer builds a Multiplexer from cfg, applying defaults for zero
// fields.
func NewMultiplexer(cfg MuxConfig) *Multiplexer {
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	if cfg.MirrorAfter <= 0 {
		cfg.MirrorAfter = DefaultMirrorAfter
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	m := &Multiplexer{
		queue:       make(chan Message, cfg.Depth),
		console:     cfg.Console,
		mirrorAfter: cfg.MirrorAfter,
		atLineStart: true,
	}
	m.lastDrain.Store(time.Now().UnixNano())
	return m
}

// Connect claims the single active redirection for participant and returns
// the handle carrying its writers: Out under the participant's own name and
// Err under the name with an " ERR" suffix. Connecting while a redirection
// is active fails with ErrConnected.
func (m *Multiplexer) Connect(participant string) (*Redirect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil, fmt.Errorf("connecting %q: %w", participant, ErrConnected)
	}
	m.connected = true

	r := &Redirect{}
	r.Out = &Writer{mux: m, participant: participant, broken: &r.broken}
	r.Err = &Writer{mux: m, participant: participant + " ERR", broken: &r.broken}
	return r, nil
}

// Disconnect releases the active redirection. A handle kept past this point
// still writes into the queue; the claim only enforces that one participant
// is redirected at a time. Disconnecting with no active redirection fails
// with ErrNotConnected.
func (m *Multiplexer) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.connected = false
	return nil
}

// Get drains everything currently queued and returns it formatted. A
// bracketed "[stamp participant] " header starts every new line and marks
// every mid-line change of participant; continuation chunks from the same
// participant run on without one, and each line of a multi-line chunk is
// re-prefixed. Get never blocks; an empty queue yields "". The last-drain
// timestamp is refreshed on every call.
func (m *Multiplexer) Get() string {
	var out strings.Builder
	for {
		select {
		case msg := <-m.queue:
			head := "[" + msg.Stamp + " " + msg.Participant + "] "
			if m.atLineStart {
				out.WriteString(head)
			} else if msg.Participant != m.lastParticipant {
				out.WriteString("\n")
				out.WriteString(head)
			}

			// Reattach the final byte untouched so a trailing newline is
			// not re-prefixed. Only '\n' bytes are rewritten, so slicing
			// at the byte level cannot split a multi-byte rune.
			last := msg.Text[len(msg.Text)-1]
			out.WriteString(strings.ReplaceAll(msg.Text[:len(msg.Text)-1], "\n", "\n"+head))
			out.WriteByte(last)

			m.atLineStart = last == '\n'
			m.lastParticipant = msg.Participant
		default:
			m.lastDrain.Store(time.Now().UnixNano())
			return out.String()
		}
	}
}

// sinceDrain reports how long the queue has gone without a Get.
func (m *Multiplexer) sinceDrain() time.Duration {
	return time.Since(time.Unix(0, m.lastDrain.Load()))
}
