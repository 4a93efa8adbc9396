package tlsduplex

import (
	"fmt"
	"sync"
)

// Reason tags the kind of failure a TLSError reports.
type Reason int

const (
	// ReasonHandshake covers engine-thrown protocol/handshake errors and
	// the encrypted-input-buffer-exhausted underflow case.
	ReasonHandshake Reason = iota
	// ReasonRenegotiationDenied: a mid-stream renegotiation was observed
	// but policy forbids it.
	ReasonRenegotiationDenied
	// ReasonBrokenPipe: the raw endpoint failed or closed unexpectedly
	// outside of an orderly half-close.
	ReasonBrokenPipe
	// ReasonTruncated: inbound end without close-notify after a completed
	// handshake, with require_close_message set.
	ReasonTruncated
	// ReasonTransport: the raw endpoint's Fill/Flush/Write/FillInterest
	// itself failed.
	ReasonTransport
)

func (r Reason) String() string {
	switch r {
	case ReasonHandshake:
		return "handshake"
	case ReasonRenegotiationDenied:
		return "renegotiation_denied"
	case ReasonBrokenPipe:
		return "broken_pipe"
	case ReasonTruncated:
		return "truncated"
	case ReasonTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// TLSError is the adapter's structured error type: a reason tag, a short
// operation message, and the originating cause.
type TLSError struct {
	Reason Reason
	Msg    string
	Cause  error
}

func (e *TLSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tlsduplex: %s: %s: %v", e.Reason, e.Msg, e.Cause)
	}

	return fmt.Sprintf("tlsduplex: %s: %s", e.Reason, e.Msg)
}

func (e *TLSError) Unwrap() error { return e.Cause }

func newTLSError(reason Reason, msg string, cause error) *TLSError {
	return &TLSError{Reason: reason, Msg: msg, Cause: cause}
}

// errEncryptedBufferMaxLengthExceeded is raised when BUFFER_UNDERFLOW
// recurs against an already-full encrypted-input buffer that the engine
// has not grown past.
var errEncryptedBufferMaxLengthExceeded = fmt.Errorf("encrypted buffer max length exceeded")

// FailureChain stores the first failure observed by a session plus every
// later cause as a suppressed entry. First failure wins: it is what every
// subsequent caller is handed back.
type FailureChain struct {
	mu         sync.Mutex
	first      error
	suppressed []error
}

// Record stores err as the first failure if none is stored yet, otherwise
// appends it as suppressed. Returns the chain's first error either way.
func (c *FailureChain) Record(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.first == nil {
		c.first = err

		return err
	}
	c.suppressed = append(c.suppressed, err)

	return c.first
}

// First returns the first recorded failure, or nil if none has occurred.
func (c *FailureChain) First() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.first
}

// Suppressed returns a copy of every cause recorded after the first.
func (c *FailureChain) Suppressed() []error {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]error, len(c.suppressed))
	copy(out, c.suppressed)

	return out
}
