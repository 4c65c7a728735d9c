// Package manager pairs a controller with a single supervised worker and
// gives the controller a synchronous query interface over the worker's
// channel set.
//
// A Manager owns one worker spawned from a Supervisor. Queries flow through
// Ask (paired with a response) or Write (fire and forget). Failures the
// worker reports out of band surface on the next exchange as a *RemoteError.
// Halt, Restart and Close manage the worker's lifetime; Close is final,
// Restart reuses the same channel set so a replacement worker picks up
// exactly where the old one left off.
//
// A Manager is safe for concurrent use. Ask exchanges are serialized so
// that concurrent callers cannot steal each other's responses.
package manager

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/wire"
	"github.com/zhubert/relay-core/worker"
)

const (
	// DefaultAskTimeout bounds how long Ask waits for a response.
	DefaultAskTimeout = 2 * time.Second

	// DefaultHaltTimeout bounds how long Halt waits for a worker to stop
	// before terminating it.
	DefaultHaltTimeout = 2 * time.Second
)

// Config describes the worker a Manager should run.
type Config struct {
	// Name labels the worker in logs, stream output and error banners.
	// A "%s" verb is replaced with the manager's token, so concurrent
	// managers spawned from the same template stay distinguishable.
	// Empty means "worker-%s".
	Name string

	// Entry is the worker body. Required.
	Entry worker.EntryFunc

	// Supervisor runs the worker. Required.
	Supervisor *worker.Supervisor

	// Options is handed to the entry function unchanged.
	Options worker.Options

	// CaptureOutput redirects the worker's output through the
	// supervisor's stream multiplexer.
	CaptureOutput bool

	// AskTimeout bounds Ask. Zero means DefaultAskTimeout.
	AskTimeout time.Duration

	// HaltTimeout bounds Halt. Zero means DefaultHaltTimeout.
	HaltTimeout time.Duration

	// QueueDepth sizes the worker's channels. Zero picks the wire
	// package default.
	QueueDepth int
}

// Manager runs one worker and serializes the controller's exchanges with it.
type Manager struct {
	name        string
	token       string
	askTimeout  time.Duration
	haltTimeout time.Duration
	log         *slog.Logger

	sup     *worker.Supervisor
	entry   worker.EntryFunc
	opts    worker.Options
	capture bool

	// queryMu serializes paired exchanges. A query that expects no
	// response only needs mu.
	queryMu sync.Mutex

	mu     sync.Mutex
	ch     *wire.Channels
	w      *worker.Worker
	closed bool
}

// New spawns the configured worker and returns its manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Entry == nil {
		return nil, fmt.Errorf("manager config: entry function is required")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("manager config: supervisor is required")
	}

	token := uuid.New().String()
	name := cfg.Name
	if name == "" {
		name = "worker-%s"
	}
	if strings.Contains(name, "%s") {
		name = fmt.Sprintf(name, token)
	}

	m := &Manager{
		name:        name,
		token:       token,
		askTimeout:  cfg.AskTimeout,
		haltTimeout: cfg.HaltTimeout,
		log:         logger.WithWorker(name),
		sup:         cfg.Supervisor,
		entry:       cfg.Entry,
		opts:        cfg.Options,
		capture:     cfg.CaptureOutput,
		ch:          wire.NewChannels(cfg.QueueDepth),
	}
	if m.askTimeout <= 0 {
		m.askTimeout = DefaultAskTimeout
	}
	if m.haltTimeout <= 0 {
		m.haltTimeout = DefaultHaltTimeout
	}

	if err := m.spawn(); err != nil {
		return nil, err
	}
	return m, nil
}

// spawn starts a worker on the manager's channel set. Callers either hold
// mu or have not yet shared the manager.
func (m *Manager) spawn() error {
	w, err := m.sup.Spawn(worker.SpawnSpec{
		Name:          m.name,
		Entry:         m.entry,
		Channels:      m.ch,
		Options:       m.opts,
		CaptureOutput: m.capture,
	})
	if err != nil {
		return fmt.Errorf("starting worker %q: %w", m.name, err)
	}
	m.w = w
	m.log.Info("worker started")
	return nil
}

// Name returns the worker's resolved name, token already substituted.
func (m *Manager) Name() string { return m.name }

// Token returns the identity token generated for this manager.
func (m *Manager) Token() string { return m.token }

// Alive reports whether the managed worker is still running.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w != nil && m.w.Alive()
}

// Write sends a query that expects no response. Before returning it picks
// up any failure the worker has already reported, so a crashed background
// query surfaces here instead of silently vanishing.
func (m *Manager) Write(query ...any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.ch
	select {
	case ch.Requests <- wire.Query(query):
	default:
		m.mu.Unlock()
		return fmt.Errorf("worker %q is not consuming requests", m.name)
	}
	m.mu.Unlock()

	return m.checkForErrors(ch, false)
}

// Ask sends a query and waits for its response using the configured timeout.
func (m *Manager) Ask(query ...any) (any, error) {
	return m.AskTimeout(0, query...)
}

// AskTimeout sends a query and waits up to timeout for its response. A
// non-positive timeout uses the configured default. The timeout covers the
// whole exchange, enqueue included.
//
// A failure the worker reported, even one left over from an earlier
// exchange, takes precedence over this exchange's own response and is
// returned as a *RemoteError.
func (m *Manager) AskTimeout(timeout time.Duration, query ...any) (any, error) {
	if timeout <= 0 {
		timeout = m.askTimeout
	}

	m.queryMu.Lock()
	defer m.queryMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	ch := m.ch
	m.mu.Unlock()

	// Leftovers from an exchange that timed out before its response
	// arrived. Discard them so this exchange pairs with its own reply,
	// but remember a discarded error sentinel.
	_, _, sawSentinel, open := drainResponses(ch)
	if !open {
		return nil, ErrClosed
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case ch.Requests <- wire.Query(query):
	case <-deadline.C:
		return nil, m.timeoutError(ch, timeout)
	}

	var res any
	select {
	case v, ok := <-ch.Responses:
		if !ok {
			return nil, ErrClosed
		}
		res = v
		if wire.IsSentinel(v) {
			sawSentinel = true
		}
	case <-deadline.C:
		return nil, m.timeoutError(ch, timeout)
	}

	// The worker may have produced more than one response for the query.
	// Keep the latest.
	last, n, stale, open := drainResponses(ch)
	if !open {
		return nil, ErrClosed
	}
	if n > 0 {
		res = last
	}
	if stale {
		sawSentinel = true
	}

	if err := m.checkForErrors(ch, sawSentinel); err != nil {
		return nil, err
	}
	return res, nil
}

// timeoutError reports an expired exchange. A failure the worker managed
// to report explains the silence better than the deadline does, so it wins.
func (m *Manager) timeoutError(ch *wire.Channels, timeout time.Duration) error {
	if len(ch.Errors) > 0 {
		return m.checkForErrors(ch, true)
	}
	return fmt.Errorf("worker %q: %w after %s", m.name, ErrTimeout, timeout)
}

// checkForErrors turns a pending worker failure into a *RemoteError. With
// expect set, a record is awaited even if it has not landed yet; otherwise
// only an already-reported failure is picked up. Responses still queued are
// discarded first, since they belong to the failed exchange.
func (m *Manager) checkForErrors(ch *wire.Channels, expect bool) error {
	if !expect && len(ch.Errors) == 0 {
		return nil
	}

	drainResponses(ch)

	select {
	case rec, ok := <-ch.Errors:
		if !ok {
			return ErrClosed
		}
		remote := newRemoteError(m.name, rec)
		m.log.Error("worker reported a failure", "kind", remote.Kind.String(), "header", rec.Header)
		return remote
	case <-time.After(m.askTimeout):
		m.log.Error("error sentinel arrived without a record")
		return newRemoteError(m.name, wire.ErrorRecord{
			Header: "error sentinel arrived without a record",
			Trace:  "error sentinel arrived without a record",
		})
	}
}

// Halt asks the worker to stop and waits up to timeout for it to finish.
// A worker still running after the wait is terminated and Halt reports
// forced true; a forced stop is an outcome, not an error. Halting a worker
// that already stopped is a no-op. A non-positive timeout uses the
// configured default.
func (m *Manager) Halt(timeout time.Duration) (forced bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.haltLocked(timeout), nil
}

// haltLocked implements Halt. Callers hold mu.
func (m *Manager) haltLocked(timeout time.Duration) (forced bool) {
	if timeout <= 0 {
		timeout = m.haltTimeout
	}
	w := m.w
	if w == nil || !w.Alive() {
		return false
	}

	// Best effort. A worker that stopped consuming requests is
	// terminated below anyway.
	select {
	case m.ch.Requests <- wire.Stop():
	default:
	}

	if w.Join(timeout) {
		m.log.Info("worker halted")
		return false
	}
	w.Terminate()
	m.log.Warn("worker ignored the stop request and was terminated", "timeout", timeout)
	return true
}

// Restart halts the worker and spawns a replacement on the same channel
// set, so queries produced before the restart stay readable after it.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.haltLocked(m.haltTimeout)
	return m.spawn()
}

// Close halts the worker and closes the channel set for good. The closed
// channels also reap a worker that survived the halt, since its next
// channel operation stops it. Every call on a closed manager, Close
// included, returns ErrClosed.
func (m *Manager) Close() error {
	m.queryMu.Lock()
	defer m.queryMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.haltLocked(m.haltTimeout)
	m.closed = true
	m.ch.Close()
	m.log.Info("manager closed")
	return nil
}

// drainResponses empties everything immediately available on the response
// channel. It reports the last value drained, how many went by, whether one
// of them was the error sentinel, and whether the channel is still open.
func drainResponses(ch *wire.Channels) (last any, n int, sawSentinel, open bool) {
	for {
		select {
		case v, ok := <-ch.Responses:
			if !ok {
				return last, n, sawSentinel, false
			}
			last = v
			n++
			if wire.IsSentinel(v) {
				sawSentinel = true
			}
		default:
			return last, n, sawSentinel, true
		}
	}
}
