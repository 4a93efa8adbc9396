// Package tlsengine defines the TLS record-transformation contract that
// pkg/tlsduplex drives, plus two implementations of it: PipeEngine, which
// bridges to the standard library's crypto/tls over an in-memory pipe, and
// FakeEngine, a scriptable double used to exercise handshake edge cases
// (buffer growth, renegotiation, delegated tasks) that a real TLS peer
// can't be coaxed into producing on demand.
package tlsengine

import "fmt"

// Status is the coarse result code an engine reports after a wrap or
// unwrap call.
type Status int

const (
	OK Status = iota
	Closed
	BufferUnderflow
	BufferOverflow
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Closed:
		return "CLOSED"
	case BufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case BufferOverflow:
		return "BUFFER_OVERFLOW"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// HandshakeStatus reports what the engine needs next to make progress.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	NeedUnwrap
	NeedWrap
	NeedTask
	Finished
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return fmt.Sprintf("HandshakeStatus(%d)", int(h))
	}
}

// Result is returned by Wrap and Unwrap.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	Consumed        int
	Produced        int
}

// DelegatedTask is a unit of handshake work the engine asks its caller to
// run, typically off the session's own goroutine, before calling back
// into Wrap/Unwrap. Real crypto/tls never delegates tasks (certificate
// verification and key exchange happen synchronously inside Read/Write),
// so PipeEngine.DelegatedTask always returns nil. FakeEngine can be
// scripted to return one, which is how pkg/tlsduplex's NEED_TASK path
// gets exercised.
type DelegatedTask interface {
	Run()
}

// SessionInfo exposes the sizing and identity facts the adapter needs in
// order to size its scratch buffers.
type SessionInfo struct {
	ApplicationBufferSize int
	PacketBufferSize      int
	Protocol              string
}

// Engine is the TLS record codec the adapter treats as an external
// collaborator (see the raw endpoint in pkg/rawconn for its sibling
// contract).
type Engine interface {
	Wrap(inputs [][]byte, output []byte) (Result, error)
	Unwrap(input []byte, output []byte) (Result, error)
	HandshakeStatus() HandshakeStatus
	DelegatedTask() DelegatedTask
	CloseInbound() error
	CloseOutbound()
	IsInboundDone() bool
	IsOutboundDone() bool
	Session() SessionInfo
	UseClientMode(client bool)
	// IsClientMode reports whether this engine is negotiating as a TLS
	// client, mirroring javax.net.ssl.SSLEngine's paired getter/setter.
	// The adapter consults it after an abrupt post-handshake EOF: only a
	// client with the close_notify requirement raises a truncation error;
	// everyone else sees -1.
	IsClientMode() bool
}

// ProtocolError reports a record-layer or handshake failure raised by an
// Engine implementation. It is the "engine-thrown" error kind referenced
// throughout pkg/tlsduplex's error taxonomy.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tlsengine: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
