package tlsduplex

import (
	"sync/atomic"
)

// HandshakeState is the adapter's monotonic handshake progress:
// INITIAL -> HANDSHAKING -> {SUCCEEDED, FAILED}.
// SUCCEEDED may transiently re-enter handshaking semantics for a
// renegotiation, but the state label itself never regresses.
type HandshakeState int32

const (
	StateInitial HandshakeState = iota
	StateHandshaking
	StateSucceeded
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// handshakeWord is the CAS-guarded atomic backing HandshakeState.
type handshakeWord struct {
	v int32
}

func (w *handshakeWord) load() HandshakeState {
	return HandshakeState(atomic.LoadInt32(&w.v))
}

func (w *handshakeWord) store(s HandshakeState) {
	atomic.StoreInt32(&w.v, int32(s))
}

// transitionToHandshaking moves INITIAL -> HANDSHAKING exactly once.
func (w *handshakeWord) transitionToHandshaking() bool {
	return atomic.CompareAndSwapInt32(&w.v, int32(StateInitial), int32(StateHandshaking))
}

// transitionToSucceeded moves HANDSHAKING -> SUCCEEDED exactly once. It
// returns false when the state is anything other than HANDSHAKING
// (including an already SUCCEEDED state after a renegotiation); callers
// use the returned bool to decide whether to fire the "first success"
// notification.
func (w *handshakeWord) transitionToSucceeded() bool {
	return atomic.CompareAndSwapInt32(&w.v, int32(StateHandshaking), int32(StateSucceeded))
}

// transitionToFailed moves any state other than FAILED (INITIAL,
// HANDSHAKING or SUCCEEDED) -> FAILED exactly once.
func (w *handshakeWord) transitionToFailed() bool {
	for {
		cur := atomic.LoadInt32(&w.v)
		if HandshakeState(cur) == StateFailed {
			return false
		}
		if atomic.CompareAndSwapInt32(&w.v, cur, int32(StateFailed)) {
			return true
		}
	}
}

// RenegotiationPolicy controls whether a mid-stream renegotiation is
// permitted.
type RenegotiationPolicy struct {
	// Allowed gates renegotiation independent of the remaining limit.
	Allowed bool
	// Limit is the remaining number of renegotiations permitted; 0 means
	// none remain (or none were ever configured).
	Limit int
	// RequireCloseMessage makes an abrupt inbound end after handshake
	// completion (no close_notify seen) a truncation error rather than a
	// silent end of stream. Clients consuming connection-delimited bodies
	// need it to detect truncation attacks.
	RequireCloseMessage bool
}

// renegotiationDenialReason names why a renegotiation was refused; it is
// logged, never returned, so callers see a uniform end-of-stream.
type renegotiationDenialReason string

const (
	denyNotAllowed     renegotiationDenialReason = "not_allowed"
	denyTLS13          renegotiationDenialReason = "tls13"
	denyLimitExhausted renegotiationDenialReason = "limit_exhausted"
)

// renegotiationAllowed permits a mid-stream handshake only when the
// initial handshake already succeeded, the negotiated protocol is not
// TLS 1.3, the policy flag is set, and the remaining limit is nonzero.
func renegotiationAllowed(
	state HandshakeState,
	protocol string,
	policy RenegotiationPolicy,
) (bool, renegotiationDenialReason) {
	if !policy.Allowed {
		return false, denyNotAllowed
	}
	if protocol == "TLS1.3" {
		return false, denyTLS13
	}
	if policy.Limit == 0 {
		return false, denyLimitExhausted
	}
	if state != StateSucceeded {
		return false, denyNotAllowed
	}

	return true, ""
}
