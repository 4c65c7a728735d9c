// Package wire defines the in-memory vocabulary shared by workers and the
// managers that drive them: the query tuple, the control values recognized
// on the channels, the structured failure record, and the channel trio a
// worker is serviced through.
//
// A worker owns three channels. Requests carries query tuples in, Responses
// carries results out, and Errors carries failure records. Two values are
// reserved: the stop request that asks a worker loop to exit, and the error
// sentinel a loop places on Responses to signal that a failure record is
// waiting on Errors.
package wire

import "sync"

const (
	// StopRequest is the payload of the one-element query that asks a worker
	// loop to exit.
	StopRequest = "halt"

	// ErrorSentinel is placed on the response channel when a failure record
	// has been written to the error channel. Readers that receive it collect
	// the record instead of treating the next value as a result.
	ErrorSentinel = "~~ERR~~"

	// DefaultDepth is the buffer size for each channel when the caller does
	// not choose one. Deep enough for a worker to run ahead of a slow reader.
	DefaultDepth = 64
)

// Query is one request tuple sent to a worker: an operation name followed by
// its arguments, in the order the worker's handler expects them. Pairing with
// responses is positional, there is no explicit id.
type Query []any

// Stop returns the reserved query that asks a worker loop to exit.
func Stop() Query {
	return Query{StopRequest}
}

// IsStop reports whether q is a stop request: a one-element query holding
// exactly the stop payload. Longer queries that merely begin with the payload
// are ordinary requests.
func (q Query) IsStop() bool {
	if len(q) != 1 {
		return false
	}
	s, ok := q[0].(string)
	return ok && s == StopRequest
}

// IsSentinel reports whether a response value is the error sentinel.
func IsSentinel(v any) bool {
	s, ok := v.(string)
	return ok && s == ErrorSentinel
}

// Channels is the trio a single worker is serviced through. The same value
// survives worker restarts, so a respawned worker picks up exactly where its
// predecessor's queues left off. All three channels are buffered.
type Channels struct {
	// Requests carries query tuples from the manager to the worker.
	Requests chan Query

	// Responses carries results back. One query normally yields one
	// response; readers tolerate over-production by keeping the latest.
	Responses chan any

	// Errors carries failure records, each paired with a sentinel on
	// Responses.
	Errors chan ErrorRecord

	// closeOnce makes Close idempotent. The channel fields are never
	// nilled after construction, so a detached worker still holding the
	// struct cannot race a concurrent Close.
	closeOnce sync.Once
}

// NewChannels builds a channel trio with the given buffer depth, or
// DefaultDepth when depth is not positive.
func NewChannels(depth int) *Channels {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Channels{
		Requests:  make(chan Query, depth),
		Responses: make(chan any, depth),
		Errors:    make(chan ErrorRecord, depth),
	}
}

// Close closes all three channels. Receivers drain any buffered values and
// then observe closure, which is how a detached worker blocked on Requests
// gets reaped. Safe to call multiple times and on a nil receiver.
func (c *Channels) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		if c.Requests != nil {
			close(c.Requests)
		}
		if c.Responses != nil {
			close(c.Responses)
		}
		if c.Errors != nil {
			close(c.Errors)
		}
	})
}
