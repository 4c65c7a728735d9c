package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/zhubert/relay-core/wire"
)

// Handler services one query and returns its response value.
type Handler func(ctx context.Context, env Env, q wire.Query) (any, error)

// NoReply is returned by handlers for queries that expect no response.
// The loop publishes nothing for them, so fire-and-forget queries do not
// leave stale values on the response channel.
var NoReply any = noReply{}

type noReply struct{}

// FailurePolicy selects what a Loop worker does after a handler failure.
type FailurePolicy int

const (
	// Resume keeps the worker serving after reporting a failure.
	Resume FailurePolicy = iota

	// FailFast exits the worker after reporting the first failure.
	FailFast
)

// String returns the policy's configuration spelling.
func (p FailurePolicy) String() string {
	switch p {
	case Resume:
		return "resume"
	case FailFast:
		return "fail_fast"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps the configuration strings "resume" and "fail_fast".
func ParsePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "resume":
		return Resume, nil
	case "fail_fast":
		return FailFast, nil
	default:
		return Resume, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Loop builds the canonical serving entry: receive a query, answer it with
// exactly one response value unless the handler returned NoReply, exit
// cleanly on the reserved stop query, a closed request channel, or context
// cancellation. A handler failure puts an ErrorRecord on the error channel
// followed by the error sentinel on the response channel; policy then
// decides whether the worker exits with the failure or keeps serving.
func Loop(handler Handler, policy FailurePolicy) EntryFunc {
	return func(ctx context.Context, env Env) error {
		if env.Channels == nil {
			return errors.New("loop worker spawned without channels")
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case q, ok := <-env.Channels.Requests:
				if !ok || q.IsStop() {
					return nil
				}
				resp, err := serve(ctx, env, handler, q)
				if err != nil {
					if !send(ctx, env.Channels.Errors, recordFor(err)) {
						return nil
					}
					if !send(ctx, env.Channels.Responses, any(wire.ErrorSentinel)) {
						return nil
					}
					if policy == FailFast {
						return err
					}
					continue
				}
				if resp == NoReply {
					continue
				}
				if !send(ctx, env.Channels.Responses, resp) {
					return nil
				}
			}
		}
	}
}

// serve runs the handler for one query, converting a panic into an error
// that carries the record built at the recovery site.
func serve(ctx context.Context, env Env, handler Handler, q wire.Query) (resp any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{rec: wire.NewPanicRecord(v, debug.Stack())}
		}
	}()
	return handler(ctx, env, q)
}

// send delivers v unless the context is cancelled first.
func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// panicError wraps the record of a recovered handler panic so the captured
// stack survives into both the error channel and the loop's own failure.
type panicError struct {
	rec wire.ErrorRecord
}

func (e *panicError) Error() string {
	return e.rec.Header
}

// recordFor returns the record to publish for a handler failure.
func recordFor(err error) wire.ErrorRecord {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.rec
	}
	return wire.NewRecord(err)
}
