package tlsduplex

import (
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/duplextls/pkg/bufpool"
	"github.com/andrei-cloud/duplextls/pkg/rawconn"
	"github.com/andrei-cloud/duplextls/pkg/tlsengine"
)

// Adapter is the public TLS duplex operation set driving one Session.
// Every exported method locks the session and either returns
// synchronously or parks a callback; no method blocks on I/O.
type Adapter struct {
	s *Session
}

// NewAdapter wraps session for driving.
func NewAdapter(s *Session) *Adapter { return &Adapter{s: s} }

// Session exposes the underlying session for inspection (stats, logging).
func (a *Adapter) Session() *Session { return a.s }

// byteVector is a logical concatenation of caller buffers that shrinks in
// place as engine.Wrap consumes bytes from it, across however many
// non-blocking flush attempts that takes. Mirrors the in-place cursor
// advance pkg/bufpool.Buffer gives the raw-endpoint side of the pipe.
type byteVector struct {
	bufs [][]byte
}

func (v *byteVector) slices() [][]byte {
	if v == nil {
		return nil
	}

	return v.bufs
}

func (v *byteVector) empty() bool {
	return v == nil || len(v.bufs) == 0
}

func (v *byteVector) consume(n int) {
	if v == nil {
		return
	}
	for n > 0 && len(v.bufs) > 0 {
		head := v.bufs[0]
		if n < len(head) {
			v.bufs[0] = head[n:]
			n = 0

			continue
		}
		n -= len(head)
		v.bufs = v.bufs[1:]
	}
}

// fail records err as (or after) the session's first failure, transitions
// the handshake state to FAILED exactly once, and notifies the listener
// on that first transition. The first stored cause is what every later
// caller sees; everything after it rides along as suppressed.
func (a *Adapter) fail(err error) error {
	s := a.s
	stored := s.failure.Record(err)
	if s.handshake.transitionToFailed() {
		dispatchFailed(s.exec, s.listener, s, stored)
	}

	return stored
}

// observeHandshakeStatus advances the monotonic HandshakeState in response
// to an engine-reported HandshakeStatus, fires the succeeded listener on
// the first FINISHED, decrements the renegotiation budget on a later one,
// and reports whether an in-progress renegotiation should be denied.
func (a *Adapter) observeHandshakeStatus(hs tlsengine.HandshakeStatus) bool {
	s := a.s
	cur := s.handshake.load()
	if cur == StateInitial && hs != tlsengine.NotHandshaking {
		s.handshake.transitionToHandshaking()
		cur = StateHandshaking
	}

	if hs == tlsengine.Finished {
		switch cur {
		case StateHandshaking:
			if s.handshake.transitionToSucceeded() {
				s.sawHandshakeSuccessOnce = true
				dispatchSucceeded(s.exec, s.listener, s)
			}
		case StateSucceeded:
			s.sawHandshakeSuccessOnce = true
			if s.renego.Limit > 0 {
				s.renego.Limit--
			}
		}

		return false
	}

	if cur == StateSucceeded && hs != tlsengine.NotHandshaking {
		allowed, reason := renegotiationAllowed(cur, s.Protocol(), s.renego)
		if !allowed {
			log.Debug().
				Str("session_id", s.ID).
				Str("reason", string(reason)).
				Msg("renegotiation denied")
			_ = s.engine.CloseInbound()

			return true
		}
	}

	return false
}

func (a *Adapter) ensureEncIn() error {
	s := a.s
	if s.encIn != nil {
		return nil
	}
	buf, err := s.pool.Acquire(s.engine.Session().PacketBufferSize, s.domain)
	if err != nil {
		return a.fail(newTLSError(ReasonTransport, "acquire encrypted-input buffer", err))
	}
	s.encIn = buf

	return nil
}

func (a *Adapter) ensureEncOut() error {
	s := a.s
	if s.encOut != nil {
		return nil
	}
	buf, err := s.pool.Acquire(s.engine.Session().PacketBufferSize, s.domain)
	if err != nil {
		return a.fail(newTLSError(ReasonTransport, "acquire encrypted-output buffer", err))
	}
	s.encOut = buf

	return nil
}

func (a *Adapter) ensureDecIn(minSize int) error {
	s := a.s
	if s.decIn != nil {
		return nil
	}
	buf, err := s.pool.Acquire(minSize, s.domain)
	if err != nil {
		return a.fail(newTLSError(ReasonTransport, "acquire decrypted-input buffer", err))
	}
	s.decIn = buf

	return nil
}

// growBuffer re-acquires old at newSize, carrying any pending bytes over,
// and releases the old buffer. Used when the engine grows its negotiated
// packet size mid-stream; pending ciphertext must survive the swap.
func (a *Adapter) growBuffer(old *bufpool.Buffer, newSize int) (*bufpool.Buffer, error) {
	s := a.s
	grown, err := s.pool.Acquire(newSize, s.domain)
	if err != nil {
		return nil, a.fail(newTLSError(ReasonTransport, "acquire grown buffer", err))
	}
	n := copy(grown.Remaining(), old.Pending())
	grown.Advance(n)
	old.Release()

	return grown, nil
}

func (a *Adapter) discardEncOut() {
	s := a.s
	if s.encOut != nil {
		s.encOut.Release()
		s.encOut = nil
	}
}

func (a *Adapter) discardInputBuffersLocked() {
	s := a.s
	if s.encIn != nil {
		s.encIn.Release()
		s.encIn = nil
	}
	if s.decIn != nil {
		s.decIn.Release()
		s.decIn = nil
	}
	s.underflown = false
}

// Fill decrypts as much as fits into out and returns the plaintext byte
// count, 0 for "no progress right now", or -1 at end of stream. It never
// blocks; a 0 return is resumed later via FillInterest.
func (a *Adapter) Fill(out []byte) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	return a.fillLocked(out)
}

func (a *Adapter) fillLocked(out []byte) (n int, err error) {
	s := a.s
	defer a.finishFillLocked()

	// Step 1: hand back already-decrypted bytes before anything else.
	if s.decIn != nil && s.decIn.HasRemaining() {
		if len(out) > 0 {
			c := copy(out, s.decIn.Pending())
			s.decIn.Consume(c)

			return c, nil
		}

		return 0, nil
	}

	for {
		hs := s.engine.HandshakeStatus()
		if a.observeHandshakeStatus(hs) {
			return -1, nil
		}

		switch hs {
		case tlsengine.NeedTask:
			t := s.engine.DelegatedTask()
			if t == nil {
				return 0, nil
			}
			t.Run()

			continue
		case tlsengine.NeedWrap:
			if s.flushState == FlushIdle {
				ok, ferr := a.flushLocked(nil)
				if ferr != nil {
					return 0, ferr
				}
				if !ok {
					return 0, nil
				}

				continue
			}

			return 0, nil
		case tlsengine.NeedUnwrap, tlsengine.NotHandshaking, tlsengine.Finished:
			// fall through to the read/unwrap step below.
		}

		if err := a.ensureEncIn(); err != nil {
			return 0, err
		}

		netRead, rerr := s.raw.Fill(s.encIn.Remaining())
		if rerr != nil {
			return 0, a.fail(newTLSError(ReasonTransport, "raw fill", rerr))
		}
		if netRead > 0 {
			s.encIn.Advance(netRead)
			s.underflown = false
		}
		if netRead < 0 && s.handshake.load() == StateInitial && !s.encIn.HasRemaining() {
			// EOF before the peer sent a single byte of TLS: let the engine
			// observe the close so the unwrap below reports CLOSED.
			_ = s.engine.CloseInbound()
		}

		usingCaller := len(out) >= s.engine.Session().ApplicationBufferSize
		dst := out
		if !usingCaller {
			if err := a.ensureDecIn(s.engine.Session().ApplicationBufferSize); err != nil {
				return 0, err
			}
			dst = s.decIn.Remaining()
		}

		res, uerr := s.engine.Unwrap(s.encIn.Pending(), dst)
		if uerr != nil {
			a.discardInputBuffersLocked()

			return 0, a.fail(newTLSError(ReasonHandshake, "unwrap", uerr))
		}
		s.encIn.Consume(res.Consumed)
		s.bytesIn.Add(int64(res.Consumed))
		a.observeHandshakeStatus(res.HandshakeStatus)

		status := res.Status
		if status == tlsengine.OK && res.Consumed == 0 && res.Produced == 0 {
			// Some engines report OK for an empty zero-byte record instead
			// of underflow; normalize so the compact-and-retry path runs.
			status = tlsengine.BufferUnderflow
		}

		switch status {
		case tlsengine.Closed:
			s.raw.ShutdownOutput() //nolint:errcheck // best-effort half-close on peer EOF

			if f := s.failure.First(); f != nil {
				return 0, f
			}

			return -1, nil

		case tlsengine.BufferUnderflow:
			s.encIn.Compact()
			if len(s.encIn.Remaining()) == 0 {
				newPktSize := s.engine.Session().PacketBufferSize
				if newPktSize > s.encIn.Cap() {
					grown, gerr := a.growBuffer(s.encIn, newPktSize)
					if gerr != nil {
						s.encIn = nil

						return 0, gerr
					}
					s.encIn = grown

					continue
				}

				return 0, a.fail(newTLSError(ReasonHandshake, "encrypted buffer max length exceeded", errEncryptedBufferMaxLengthExceeded))
			}
			if netRead > 0 {
				continue
			}

			s.underflown = true
			if netRead < 0 {
				// EOF in the middle of a record. During a handshake that is
				// always fatal; afterward, a client required to see
				// close_notify treats it as a truncation attack. Servers
				// (and clients without the requirement) see plain end of
				// stream.
				if s.handshake.load() == StateHandshaking {
					return 0, a.fail(newTLSError(ReasonHandshake, "abruptly closed by peer", nil))
				}
				if s.engine.IsClientMode() && s.sawHandshakeSuccessOnce &&
					s.renego.RequireCloseMessage && !s.engine.IsInboundDone() {
					return 0, a.fail(newTLSError(ReasonTruncated, "inbound closed without close_notify", nil))
				}
				_ = s.engine.CloseInbound()

				return -1, nil
			}

			return netRead, nil

		case tlsengine.BufferOverflow:
			newAppSize := s.engine.Session().ApplicationBufferSize
			if !usingCaller && newAppSize > s.decIn.Cap() {
				s.decIn.Release()
				s.decIn = nil

				continue
			}

			return 0, a.fail(newTLSError(ReasonHandshake, "unwrap buffer overflow", nil))

		case tlsengine.OK:
			if res.Produced == 0 {
				if netRead == 0 {
					return 0, nil
				}

				continue
			}
			if usingCaller {
				return res.Produced, nil
			}
			s.decIn.Advance(res.Produced)
			c := copy(out, s.decIn.Pending())
			s.decIn.Consume(c)

			return c, nil
		}
	}
}

// finishFillLocked is the Fill algorithm's "finally" clause: release
// drained scratch buffers and resume a flush parked waiting for fill
// progress.
func (a *Adapter) finishFillLocked() {
	s := a.s
	if s.encIn != nil && !s.encIn.HasRemaining() && !s.underflown {
		s.encIn.Release()
		s.encIn = nil
	}
	if s.decIn != nil && !s.decIn.HasRemaining() {
		s.decIn.Release()
		s.decIn = nil
	}

	if s.flushState == FlushWaitForFill {
		s.flushState = FlushIdle
		a.completeWriteWaiterLocked()
	}
}

// Flush encrypts as much of bufs as the engine will accept this call and
// drains it to the raw endpoint, returning true iff every input byte was
// consumed and the encrypted output was fully written. It never blocks.
func (a *Adapter) Flush(bufs ...[]byte) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	return a.flushLocked(&byteVector{bufs: bufs})
}

func (a *Adapter) flushLocked(vec *byteVector) (bool, error) {
	s := a.s

	if s.encOut != nil && s.encOut.HasRemaining() {
		ok, rerr := s.raw.Flush(s.encOut)
		if rerr != nil {
			return false, a.fail(newTLSError(ReasonTransport, "raw flush", rerr))
		}
		if !ok {
			return false, nil
		}
	}

	for {
		hs := s.engine.HandshakeStatus()
		if a.observeHandshakeStatus(hs) {
			return false, a.fail(newTLSError(ReasonRenegotiationDenied, "renegotiation denied", nil))
		}

		switch hs {
		case tlsengine.NeedTask:
			t := s.engine.DelegatedTask()
			if t == nil {
				return vec.empty() && (s.encOut == nil || !s.encOut.HasRemaining()), nil
			}
			t.Run()

			continue

		case tlsengine.NeedUnwrap:
			if s.fillState == FillIdle {
				before := hs
				fn, ferr := a.fillLocked(nil)
				if ferr != nil {
					return false, ferr
				}
				after := s.engine.HandshakeStatus()
				if after == before && fn < 0 {
					return false, a.fail(newTLSError(ReasonBrokenPipe, "broken pipe", nil))
				}
			}

			return vec.empty(), nil

		case tlsengine.NeedWrap, tlsengine.NotHandshaking, tlsengine.Finished:
			// fall through to the wrap step below.
		}

		if err := a.ensureEncOut(); err != nil {
			return false, err
		}

		res, werr := s.engine.Wrap(vec.slices(), s.encOut.Remaining())
		if werr != nil {
			a.discardEncOut()

			return false, a.fail(newTLSError(ReasonHandshake, "wrap", werr))
		}
		s.encOut.Advance(res.Produced)
		vec.consume(res.Consumed)
		s.bytesOut.Add(int64(res.Consumed))
		a.observeHandshakeStatus(res.HandshakeStatus)

		ok, rerr := s.raw.Flush(s.encOut)
		if rerr != nil {
			return false, a.fail(newTLSError(ReasonTransport, "raw flush", rerr))
		}

		switch res.Status {
		case tlsengine.Closed:
			if !ok {
				return false, nil
			}
			if err := s.raw.ShutdownOutput(); err != nil {
				return false, a.fail(newTLSError(ReasonTransport, "shutdown output", err))
			}
			if vec.empty() {
				return true, nil
			}

			return false, a.fail(newTLSError(ReasonBrokenPipe, "flush after outbound close", nil))

		case tlsengine.BufferOverflow:
			newPktSize := s.engine.Session().PacketBufferSize
			if newPktSize > s.encOut.Cap() {
				grown, gerr := a.growBuffer(s.encOut, newPktSize)
				if gerr != nil {
					s.encOut = nil

					return false, gerr
				}
				s.encOut = grown

				continue
			}

			return false, a.fail(newTLSError(ReasonHandshake, "wrap buffer overflow", nil))

		case tlsengine.OK, tlsengine.BufferUnderflow:
			if !ok {
				return false, nil
			}
			if vec.empty() && res.HandshakeStatus != tlsengine.NeedWrap {
				return true, nil
			}

			continue
		}
	}
}

// FillInterest arms a single notification for when a subsequent Fill call
// is likely to make progress. At most one fill-interest and one raw write
// are outstanding at any time.
func (a *Adapter) FillInterest(cb rawconn.FillCallback) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	hs := s.engine.HandshakeStatus()
	fillable := (s.decIn != nil && s.decIn.HasRemaining()) ||
		(s.encIn != nil && s.encIn.HasRemaining() && !s.underflown) ||
		hs == tlsengine.NeedTask
	if fillable {
		s.exec.Submit(cb.Succeeded)

		return
	}

	switch hs {
	case tlsengine.NeedWrap:
		s.fillState = FillWaitForFlush
		if s.flushState == FlushIdle {
			a.startRawWriteLocked()
		}
	default: // NEED_UNWRAP / NOT_HANDSHAKING / FINISHED
		s.fillState = FillInterested
		if s.flushState == FlushIdle {
			if s.encOut != nil && s.encOut.HasRemaining() {
				a.startRawWriteLocked()
			} else {
				s.raw.FillInterest(&rawFillCallback{a: a})
			}
		}
	}
	s.fillWaiter = cb
}

// Write asynchronously drains bufs, invoking cb exactly once on
// completion or failure, parking the write behind a fill or raw-write
// notification when it can't complete in one pass.
func (a *Adapter) Write(cb rawconn.WriteCallback, bufs ...[]byte) {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	vec := &byteVector{bufs: bufs}
	ok, err := a.flushLocked(vec)
	if err != nil {
		s.exec.Submit(func() { cb.Failed(err) })

		return
	}
	if ok {
		s.exec.Submit(cb.Completed)

		return
	}

	s.writeWaiter = cb
	s.pendingWrite = vec
	a.onIncompleteFlushLocked()
}

// onIncompleteFlushLocked routes a flush that couldn't finish in one pass
// to whichever suspension condition will let it make progress next: a raw
// write of pending ciphertext, a wait on an outstanding fill, or an armed
// fill-interest.
func (a *Adapter) onIncompleteFlushLocked() {
	s := a.s
	hs := s.engine.HandshakeStatus()

	switch hs {
	case tlsengine.NeedUnwrap:
		if s.encOut != nil && s.encOut.HasRemaining() {
			a.startRawWriteLocked()

			return
		}
		if s.fillState != FillIdle {
			s.flushState = FlushWaitForFill

			return
		}

		before := hs
		n, err := a.fillLocked(nil)
		if err != nil {
			a.failWriteWaiterLocked(err)

			return
		}
		after := s.engine.HandshakeStatus()
		if after != before {
			a.completeWriteWaiterLocked()

			return
		}
		if n < 0 {
			a.failWriteWaiterLocked(newTLSError(ReasonBrokenPipe, "broken pipe", nil))

			return
		}

		s.fillState = FillInterested
		s.flushState = FlushWaitForFill
		s.raw.FillInterest(&rawFillCallback{a: a})

	default: // NEED_TASK, NEED_WRAP, NOT_HANDSHAKING, FINISHED
		a.startRawWriteLocked()
	}
}

// startRawWriteLocked arms exactly one raw write of the pending encrypted-
// output bytes (an empty write if none, which reschedules the state
// machine once its completion callback runs).
func (a *Adapter) startRawWriteLocked() {
	s := a.s

	var data []byte
	if s.encOut != nil {
		data = append([]byte(nil), s.encOut.Pending()...)
		s.encOut.Consume(len(data))
	}
	s.flushState = FlushWriting
	s.raw.Write(&rawWriteCallback{a: a}, data)
}

func (a *Adapter) completeWriteWaiterLocked() {
	s := a.s
	if s.writeWaiter == nil {
		return
	}

	ok, err := a.flushLocked(s.pendingWrite)
	if err != nil {
		a.failWriteWaiterLocked(err)

		return
	}
	if ok {
		cb := s.writeWaiter
		s.writeWaiter = nil
		s.pendingWrite = nil
		s.exec.Submit(cb.Completed)

		return
	}

	a.onIncompleteFlushLocked()
}

func (a *Adapter) failWriteWaiterLocked(err error) {
	s := a.s
	if s.writeWaiter == nil {
		return
	}
	cb := s.writeWaiter
	s.writeWaiter = nil
	s.pendingWrite = nil
	s.exec.Submit(func() { cb.Failed(err) })
}

func (a *Adapter) completeFillWaiterLocked() {
	s := a.s
	if s.fillWaiter == nil {
		return
	}
	cb := s.fillWaiter
	s.fillWaiter = nil
	s.exec.Submit(cb.Succeeded)
}

func (a *Adapter) failFillWaiterLocked(err error) {
	s := a.s
	if s.fillWaiter == nil {
		return
	}
	cb := s.fillWaiter
	s.fillWaiter = nil
	s.exec.Submit(func() { cb.Failed(err) })
}

// rawFillCallback re-enters the adapter under lock when the raw endpoint
// reports that a Fill is newly likely to make progress.
type rawFillCallback struct{ a *Adapter }

func (r *rawFillCallback) Succeeded() {
	s := r.a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fillState = FillIdle
	r.a.completeFillWaiterLocked()
}

func (r *rawFillCallback) Failed(err error) {
	a := r.a
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fillState = FillIdle
	stored := a.fail(newTLSError(ReasonTransport, "raw fill_interest failed", err))
	a.failFillWaiterLocked(stored)
}

// rawWriteCallback re-enters the adapter under lock when an armed raw
// write completes or fails, re-arming whatever fill or write waiter is
// parked behind it.
type rawWriteCallback struct{ a *Adapter }

func (r *rawWriteCallback) Completed() {
	a := r.a
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encOut != nil && !s.encOut.HasRemaining() {
		s.encOut.Release()
		s.encOut = nil
	}
	s.flushState = FlushIdle

	switch s.fillState {
	case FillInterested:
		s.raw.FillInterest(&rawFillCallback{a: a})
	case FillWaitForFlush:
		s.fillState = FillIdle
		a.completeFillWaiterLocked()
	}

	a.completeWriteWaiterLocked()
}

func (r *rawWriteCallback) Failed(err error) {
	a := r.a
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a.discardEncOut()
	s.flushState = FlushIdle
	s.fillState = FillIdle
	stored := a.fail(newTLSError(ReasonTransport, "raw write failed", err))
	a.failFillWaiterLocked(stored)
	a.failWriteWaiterLocked(stored)
}

// noopWriteCallback discards the outcome of a background drain write, e.g.
// the one ShutdownOutput kicks off when the close_notify record doesn't
// fit in a single non-blocking flush.
type noopWriteCallback struct{ sessionID string }

func (noopWriteCallback) Completed() {}
func (cb noopWriteCallback) Failed(err error) {
	log.Debug().Str("session_id", cb.sessionID).Err(err).Msg("background shutdown flush failed")
}

// ShutdownOutput sends a close_notify (or equivalent engine close) and
// flushes it, continuing in the background if it doesn't fit in one
// non-blocking pass. Idempotent.
func (a *Adapter) ShutdownOutput() error {
	s := a.s
	s.mu.Lock()

	if s.closedOutbound {
		s.mu.Unlock()

		return nil
	}
	s.closedOutbound = true
	s.engine.CloseOutbound()

	ok, err := a.flushLocked(nil)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		a.Write(noopWriteCallback{sessionID: s.ID}, nil)
	}

	return nil
}

// Close shuts down both directions and releases the raw endpoint.
// Idempotent.
func (a *Adapter) Close() error {
	s := a.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true
	a.discardInputBuffersLocked()
	s.mu.Unlock()

	_ = a.ShutdownOutput()

	return s.raw.Close()
}
