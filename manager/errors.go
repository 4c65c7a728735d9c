package manager

import (
	"errors"
	"fmt"

	"github.com/zhubert/relay-core/wire"
)

// ErrTimeout is returned by Ask when no response arrived in time and the
// worker has reported no failure. Matched with errors.Is.
var ErrTimeout = errors.New("timed out waiting for a response")

// ErrClosed is returned by every operation on a closed manager.
var ErrClosed = errors.New("manager is closed")

// RemoteError is a worker failure rebuilt on the controller side from the
// record the worker sent. Matched with errors.As.
type RemoteError struct {
	// Kind is the closest registered classification of the failure.
	Kind wire.Kind

	// Worker names the worker the failure came from.
	Worker string

	// Trace is the full diagnostic text the worker captured.
	Trace string
}

// Error renders a banner naming the worker followed by the full diagnostic.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("*** error on %s ***\n\n%s", e.Worker, e.Trace)
}

// newRemoteError rebuilds a worker failure from its record.
func newRemoteError(name string, rec wire.ErrorRecord) *RemoteError {
	return &RemoteError{Kind: rec.Kind(), Worker: name, Trace: rec.Trace}
}
