package tlsduplex

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/andrei-cloud/duplextls/internal/executor"
	"github.com/andrei-cloud/duplextls/pkg/bufpool"
	"github.com/andrei-cloud/duplextls/pkg/rawconn"
	"github.com/andrei-cloud/duplextls/pkg/tlsengine"
)

// Session is the adapter's per-connection owned state: the engine and raw
// endpoint handles, the scratch buffers, the handshake word, and the two
// suspension sub-states. Session.ID tags every structured log line for
// the connection.
type Session struct {
	ID string

	engine tlsengine.Engine
	raw    rawconn.Endpoint
	pool   *bufpool.Pool
	exec   *executor.Executor
	domain bufpool.Domain

	// mu guards every field below for the duration of a Fill, Flush,
	// FillInterest or Write call, and is released before any callback
	// dispatch. Fill and Flush call into each other within a single stack
	// frame, so the public entry points lock once and the *Locked
	// implementations call each other directly without re-acquiring.
	mu sync.Mutex

	handshake  handshakeWord
	fillState  FillState
	flushState FlushState

	encIn  *bufpool.Buffer
	encOut *bufpool.Buffer
	decIn  *bufpool.Buffer

	underflown     bool
	closedOutbound bool
	closed         bool

	failure FailureChain

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	renego RenegotiationPolicy

	listener HandshakeListener

	// sawHandshakeSuccessOnce tracks whether any handshake (initial or a
	// later renegotiation) has ever completed, for the require-close-
	// message truncation check.
	sawHandshakeSuccessOnce bool

	// fillWaiter/writeWaiter are the callbacks parked by an active
	// FillInterest / Write call, resumed by the raw write completion
	// callback or by a re-armed fill-interest. At most one of each is
	// outstanding at a time.
	fillWaiter  rawconn.FillCallback
	writeWaiter rawconn.WriteCallback
	// pendingWrite is the not-yet-fully-flushed logical byte vector behind
	// writeWaiter, advanced each time flushLocked makes progress against it.
	pendingWrite *byteVector
}

// NewSession constructs a Session. id, if empty, is generated with
// google/uuid.
func NewSession(
	id string,
	engine tlsengine.Engine,
	raw rawconn.Endpoint,
	pool *bufpool.Pool,
	exec *executor.Executor,
	domain bufpool.Domain,
	renego RenegotiationPolicy,
	listener HandshakeListener,
) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	return &Session{
		ID:       id,
		engine:   engine,
		raw:      raw,
		pool:     pool,
		exec:     exec,
		domain:   domain,
		renego:   renego,
		listener: listener,
	}
}

// State returns the current handshake state.
func (s *Session) State() HandshakeState { return s.handshake.load() }

// BytesIn is the cumulative ciphertext consumed by unwrap; BytesOut is the
// cumulative plaintext consumed by wrap.
func (s *Session) BytesIn() int64  { return s.bytesIn.Load() }
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// FirstFailure returns the session's stored first failure, if any.
func (s *Session) FirstFailure() error { return s.failure.First() }

// Protocol returns the engine's currently negotiated protocol string, or
// empty before a handshake has produced one.
func (s *Session) Protocol() string { return s.engine.Session().Protocol }
