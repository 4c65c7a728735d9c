package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure coarsely enough to survive the trip across the
// error channel as text and be rebuilt on the far side. The set is fixed;
// traces naming anything outside it classify as KindUnknown.
type Kind int

const (
	// KindUnknown is the fallback for traces whose final line does not name
	// a registered kind.
	KindUnknown Kind = iota

	// KindType marks an operation applied to a value of the wrong type.
	KindType

	// KindValue marks an argument of the right type but an unusable value.
	KindValue

	// KindState marks an operation that is invalid in the current state.
	KindState

	// KindRuntime marks a failure with no more specific classification.
	KindRuntime

	// KindTimeout marks a deadline expiry.
	KindTimeout
)

// kindNames holds the name embedded in rendered traces for each kind. Every
// name ends in "Error" so the last line of a trace parses back into a kind
// without ambiguity.
var kindNames = map[Kind]string{
	KindType:    "TypeError",
	KindValue:   "ValueError",
	KindState:   "StateError",
	KindRuntime: "RuntimeError",
	KindTimeout: "TimeoutError",
}

// namedKinds is the reverse of kindNames.
var namedKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the registered trace name for the kind, or "UnknownError"
// for kinds without one.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UnknownError"
}

// KindForName returns the kind registered under name. Only names ending in
// "Error" are eligible; everything else maps to KindUnknown.
func KindForName(name string) Kind {
	if !strings.HasSuffix(name, "Error") {
		return KindUnknown
	}
	if k, ok := namedKinds[name]; ok {
		return k
	}
	return KindUnknown
}

// KindForTrace extracts a kind from a rendered trace: the token before the
// first colon on the trace's last non-blank line, the shape Fault.Error and
// the panic renderer both produce.
func KindForTrace(trace string) Kind {
	trimmed := strings.TrimRight(trace, " \t\r\n")
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	name, _, _ := strings.Cut(trimmed, ":")
	return KindForName(strings.TrimSpace(name))
}

// Fault is a classified failure. Workers return or panic with Faults so the
// manager can rebuild the failure under the closest matching kind.
type Fault struct {
	Kind Kind
	Msg  string
}

// Faultf builds a classified failure from a format string.
func Faultf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Error renders the fault as "<KindName>: <msg>", the line KindForTrace
// reads the kind back from.
func (f *Fault) Error() string {
	return f.Kind.String() + ": " + f.Msg
}

// ErrorRecord is the structured failure report a worker sends on the error
// channel: a one-line header plus the full diagnostic trace.
type ErrorRecord struct {
	// Header is the failure in one line.
	Header string

	// Trace is the full diagnostic text. Its last non-blank line carries
	// the kind when the failure was classified.
	Trace string
}

// Kind classifies the record from its trace.
func (r ErrorRecord) Kind() Kind {
	return KindForTrace(r.Trace)
}

// NewRecord builds a record from an error a worker's handler returned. When
// the error carries a Fault but its own text would not classify to the
// fault's kind, the fault line is appended so the kind survives the trip.
func NewRecord(err error) ErrorRecord {
	text := err.Error()
	trace := text
	var fault *Fault
	if errors.As(err, &fault) && KindForTrace(trace) != fault.Kind {
		trace += "\n" + fault.Error()
	}
	return ErrorRecord{Header: firstLine(text), Trace: trace}
}

// NewPanicRecord builds a record from a recovered panic value and the stack
// captured at the recovery site. The trace always ends with a classifying
// line: the fault's own when the value carries one, RuntimeError otherwise.
func NewPanicRecord(v any, stack []byte) ErrorRecord {
	header := fmt.Sprintf("panic: %v", v)
	trace := header
	if s := strings.TrimRight(string(stack), "\n"); s != "" {
		trace += "\n\n" + s
	}
	trace += "\n" + classifyLine(v)
	return ErrorRecord{Header: header, Trace: trace}
}

// classifyLine renders the line KindForTrace reads the kind from.
func classifyLine(v any) string {
	if fault, ok := v.(*Fault); ok {
		return fault.Error()
	}
	if err, ok := v.(error); ok {
		var fault *Fault
		if errors.As(err, &fault) {
			return fault.Error()
		}
		return Faultf(KindRuntime, "%v", err).Error()
	}
	return Faultf(KindRuntime, "%v", v).Error()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Ensure Fault satisfies the error interface at compile time.
var _ error = (*Fault)(nil)
