package tlsengine

import "sync"

// Step is one scripted response for a FakeEngine's Wrap or Unwrap call.
type Step struct {
	Result Result
	Err    error
	// Fill, if non-zero, is the byte the engine writes into the first
	// Result.Produced bytes of the caller's output buffer, just enough to
	// let tests assert that bytes actually moved, without modeling a real
	// record format.
	Fill byte
	// GrowAppTo/GrowPktTo, if non-zero, grow the corresponding negotiated
	// buffer size as a side effect of this step, before the result is
	// returned. Used to exercise the caller's re-acquire-and-retry paths.
	GrowAppTo int
	GrowPktTo int
}

// FakeEngine is a scriptable Engine double used by pkg/tlsduplex's
// scenario tests to deterministically drive handshake, renegotiation,
// buffer-growth and error sequences that a real crypto/tls peer can't be
// coaxed into producing on demand.
type FakeEngine struct {
	mu sync.Mutex

	client bool

	wrapScript   []Step
	unwrapScript []Step
	wrapIdx      int
	unwrapIdx    int

	handshakeStatus HandshakeStatus
	task            DelegatedTask

	appBufSize int
	pktBufSize int
	protocol   string

	inboundDone  bool
	outboundDone bool
}

// NewFakeEngine constructs a FakeEngine with the given initial session
// sizing. Scripts are populated afterward via WithWrapScript/
// WithUnwrapScript before the engine is handed to an adapter.
func NewFakeEngine(appBufSize, pktBufSize int) *FakeEngine {
	return &FakeEngine{
		appBufSize:      appBufSize,
		pktBufSize:      pktBufSize,
		protocol:        "fake/1",
		handshakeStatus: NeedUnwrap,
	}
}

// WithWrapScript installs the sequence of responses successive Wrap calls
// will return, in order. The last entry repeats once exhausted.
func (e *FakeEngine) WithWrapScript(steps ...Step) *FakeEngine {
	e.wrapScript = steps

	return e
}

// WithUnwrapScript installs the sequence of responses successive Unwrap
// calls will return, in order. The last entry repeats once exhausted.
func (e *FakeEngine) WithUnwrapScript(steps ...Step) *FakeEngine {
	e.unwrapScript = steps

	return e
}

// SetDelegatedTask arranges for the next DelegatedTask call to return
// task; it is consumed (reset to nil) on read.
func (e *FakeEngine) SetDelegatedTask(task DelegatedTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.task = task
}

// GrowAppBufferSize simulates the engine growing its negotiated
// application buffer size mid-handshake, so the next Session() call
// reports the new size.
func (e *FakeEngine) GrowAppBufferSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appBufSize = n
}

// GrowPacketBufferSize simulates the engine growing its negotiated packet
// buffer size.
func (e *FakeEngine) GrowPacketBufferSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pktBufSize = n
}

func (e *FakeEngine) stepAt(script []Step, idx int) Step {
	if len(script) == 0 {
		return Step{Result: Result{Status: OK, HandshakeStatus: NotHandshaking}}
	}
	if idx >= len(script) {
		return script[len(script)-1]
	}

	return script[idx]
}

// SetHandshakeStatus overrides the engine's current handshake status, for
// scripting transitions (e.g. a delegated task completing) that happen
// outside of a Wrap/Unwrap call.
func (e *FakeEngine) SetHandshakeStatus(hs HandshakeStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handshakeStatus = hs
}

// setStatusFromStep records the step's handshake status as the engine's
// current one, except FINISHED: real engines report FINISHED exactly once
// (in the wrap/unwrap result that completed the handshake) and
// NOT_HANDSHAKING from then on, so a Finished step must not leave a
// sticky Finished behind for the next HandshakeStatus() poll.
func (e *FakeEngine) setStatusFromStep(step Step) {
	e.handshakeStatus = step.Result.HandshakeStatus
	if step.Result.HandshakeStatus == Finished {
		e.handshakeStatus = NotHandshaking
	}
}

func (e *FakeEngine) applyGrowth(step Step) {
	if step.GrowAppTo > 0 {
		e.appBufSize = step.GrowAppTo
	}
	if step.GrowPktTo > 0 {
		e.pktBufSize = step.GrowPktTo
	}
}

func (e *FakeEngine) Wrap(_ [][]byte, output []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	step := e.stepAt(e.wrapScript, e.wrapIdx)
	if e.wrapIdx < len(e.wrapScript) {
		e.wrapIdx++
	}
	e.applyGrowth(step)
	e.setStatusFromStep(step)
	if step.Result.Status == Closed {
		e.outboundDone = true
	}
	if step.Fill != 0 && step.Result.Produced > 0 && len(output) >= step.Result.Produced {
		for i := range step.Result.Produced {
			output[i] = step.Fill
		}
	}

	return step.Result, step.Err
}

func (e *FakeEngine) Unwrap(_ []byte, output []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	step := e.stepAt(e.unwrapScript, e.unwrapIdx)
	if e.unwrapIdx < len(e.unwrapScript) {
		e.unwrapIdx++
	}
	e.applyGrowth(step)
	e.setStatusFromStep(step)
	if step.Result.Status == Closed {
		e.inboundDone = true
	}
	if step.Fill != 0 && step.Result.Produced > 0 && len(output) >= step.Result.Produced {
		for i := range step.Result.Produced {
			output[i] = step.Fill
		}
	}

	return step.Result, step.Err
}

func (e *FakeEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.handshakeStatus
}

func (e *FakeEngine) DelegatedTask() DelegatedTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.task
	e.task = nil

	return task
}

func (e *FakeEngine) CloseInbound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inboundDone = true

	return nil
}

func (e *FakeEngine) CloseOutbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outboundDone = true
}

func (e *FakeEngine) IsInboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.inboundDone
}

func (e *FakeEngine) IsOutboundDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.outboundDone
}

func (e *FakeEngine) Session() SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	return SessionInfo{
		ApplicationBufferSize: e.appBufSize,
		PacketBufferSize:      e.pktBufSize,
		Protocol:              e.protocol,
	}
}

func (e *FakeEngine) UseClientMode(client bool) { e.client = client }

func (e *FakeEngine) IsClientMode() bool { return e.client }
