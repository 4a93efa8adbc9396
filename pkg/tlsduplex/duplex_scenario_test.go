package tlsduplex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/duplextls/pkg/tlsengine"
)

// TestScenario_HandshakeHappyPath drives a scripted client handshake to
// completion: the peer's flight arrives via the raw endpoint, the success
// listener fires exactly once, and application bytes follow.
func TestScenario_HandshakeHappyPath(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.UseClientMode(true)
	engine.WithUnwrapScript(
		// Final peer flight consumed; handshake completes.
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        16,
			},
		},
		// First application record.
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NotHandshaking,
				Consumed:        9,
				Produced:        5,
			},
			Fill: 'a',
		},
	)

	raw := newScriptedRaw([]byte("0123456789abcdef"), []byte("ciphered!"))
	fx := newFixture(t, engine, raw, RenegotiationPolicy{})

	out := make([]byte, 2048)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("aaaaa"), out[:n])

	assert.Equal(t, StateSucceeded, fx.session.State())
	select {
	case <-fx.listener.succeeded:
	case <-time.After(waitTimeout):
		t.Fatal("success listener never fired")
	}
	select {
	case <-fx.listener.succeeded:
		t.Fatal("success listener fired twice")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, int64(25), fx.session.BytesIn())
}

// TestScenario_RenegotiationDenied: after a completed handshake with
// renegotiation disallowed, inbound bytes that re-enter handshaking cause
// end-of-stream and a terminated engine inbound, with the limit untouched.
func TestScenario_RenegotiationDenied(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        8,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NotHandshaking,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NeedUnwrap,
				Consumed:        8,
			},
		},
	)

	raw := newScriptedRaw([]byte("hsflight"))
	policy := RenegotiationPolicy{Allowed: false, Limit: 0}
	fx := newFixture(t, engine, raw, policy)

	out := make([]byte, 2048)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, StateSucceeded, fx.session.State())

	raw.addReadable([]byte("renegot!"))
	n, err = fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	assert.True(t, engine.IsInboundDone())
	assert.Equal(t, 0, fx.session.renego.Limit)
}

// TestScenario_RenegotiationAllowedDecrementsLimit: with renegotiation
// permitted, a second Finished decrements the remaining budget.
func TestScenario_RenegotiationAllowedDecrementsLimit(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        8,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        8,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NotHandshaking,
				Consumed:        4,
				Produced:        4,
			},
			Fill: 'r',
		},
	)

	raw := newScriptedRaw([]byte("hsflight"), []byte("renegoOK"), []byte("data"))
	policy := RenegotiationPolicy{Allowed: true, Limit: 2}
	fx := newFixture(t, engine, raw, policy)

	out := make([]byte, 2048)
	_, err := fx.adapter.Fill(out)
	require.NoError(t, err)

	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, StateSucceeded, fx.session.State())
	assert.Equal(t, 1, fx.session.renego.Limit)
}

// TestScenario_AppBufferGrowth: the engine grows its application buffer
// size from 512 to 2048 while reporting BUFFER_OVERFLOW; the scratch buffer is re-acquired
// at the new size and no data is lost.
func TestScenario_AppBufferGrowth(t *testing.T) {
	engine := tlsengine.NewFakeEngine(512, 1024)
	engine.SetHandshakeStatus(tlsengine.NotHandshaking)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.BufferOverflow,
				HandshakeStatus: tlsengine.NotHandshaking,
			},
			GrowAppTo: 2048,
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NotHandshaking,
				Consumed:        12,
				Produced:        12,
			},
			Fill: 'g',
		},
	)

	raw := newScriptedRaw([]byte("twelve bytes"))
	fx := newFixture(t, engine, raw, RenegotiationPolicy{})

	// Caller buffer below the app buffer size forces the scratch path.
	out := make([]byte, 64)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, []byte("gggggggggggg"), out[:n])
	// The re-acquired scratch was drained in full, so it was released on
	// the way out.
	assert.Nil(t, fx.session.decIn)
}

// TestScenario_PacketBufferGrowthOnUnderflow: a BUFFER_UNDERFLOW against a
// full encrypted-input buffer is not fatal when the engine has grown its
// packet size; the input buffer is re-acquired at the new size first.
func TestScenario_PacketBufferGrowthOnUnderflow(t *testing.T) {
	engine := tlsengine.NewFakeEngine(4096, 1024)
	engine.SetHandshakeStatus(tlsengine.NotHandshaking)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.BufferUnderflow,
				HandshakeStatus: tlsengine.NotHandshaking,
			},
			GrowPktTo: 2048,
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NotHandshaking,
				Consumed:        1024,
				Produced:        8,
			},
			Fill: 'k',
		},
	)

	// Exactly fill the initial 1024-byte packet buffer.
	record := make([]byte, 1024)
	raw := newScriptedRaw(record)
	fx := newFixture(t, engine, raw, RenegotiationPolicy{})

	out := make([]byte, 8192)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

// TestScenario_TruncationWithRequireCloseMessage: the peer drops the
// connection after handshake completion without close_notify; a client
// that requires the close message treats that as a truncation attack.
func TestScenario_TruncationWithRequireCloseMessage(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.UseClientMode(true)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        8,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.BufferUnderflow,
				HandshakeStatus: tlsengine.NotHandshaking,
			},
		},
	)

	raw := newScriptedRaw([]byte("hsflight"))
	policy := RenegotiationPolicy{RequireCloseMessage: true}
	fx := newFixture(t, engine, raw, policy)

	out := make([]byte, 2048)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, StateSucceeded, fx.session.State())

	raw.setEOF()
	_, err = fx.adapter.Fill(out)
	require.Error(t, err)

	var tlsErr *TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, ReasonTruncated, tlsErr.Reason)
	assert.Equal(t, StateFailed, fx.session.State())
}

// TestScenario_ServerSeesAbruptCloseAsEOF: the same abrupt post-handshake
// EOF on a server-mode engine is plain end of stream, not a truncation
// error, even with the close message required by policy.
func TestScenario_ServerSeesAbruptCloseAsEOF(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        8,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.BufferUnderflow,
				HandshakeStatus: tlsengine.NotHandshaking,
			},
		},
	)

	raw := newScriptedRaw([]byte("hsflight"))
	policy := RenegotiationPolicy{RequireCloseMessage: true}
	fx := newFixture(t, engine, raw, policy)

	out := make([]byte, 2048)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, StateSucceeded, fx.session.State())

	raw.setEOF()
	n, err = fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	assert.True(t, engine.IsInboundDone())
}

// TestScenario_OrderlyCloseNotify: an unwrap reporting CLOSED (close_notify
// processed) ends the stream without error, even with the close message
// required.
func TestScenario_OrderlyCloseNotify(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.Finished,
				Consumed:        8,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.OK,
				HandshakeStatus: tlsengine.NotHandshaking,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.Closed,
				HandshakeStatus: tlsengine.NotHandshaking,
				Consumed:        2,
			},
		},
	)

	raw := newScriptedRaw([]byte("hsflight"))
	policy := RenegotiationPolicy{RequireCloseMessage: true}
	fx := newFixture(t, engine, raw, policy)

	out := make([]byte, 2048)
	n, err := fx.adapter.Fill(out)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	raw.addReadable([]byte("cn"))
	n, err = fx.adapter.Fill(out)
	require.NoError(t, err)
	assert.Equal(t, -1, n)
	assert.True(t, raw.IsOutputShutdown())
}

// TestScenario_AbruptCloseDuringHandshake: EOF mid-handshake is fatal.
func TestScenario_AbruptCloseDuringHandshake(t *testing.T) {
	engine := tlsengine.NewFakeEngine(1024, 1024)
	engine.WithUnwrapScript(
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.BufferUnderflow,
				HandshakeStatus: tlsengine.NeedUnwrap,
				Consumed:        4,
			},
		},
		tlsengine.Step{
			Result: tlsengine.Result{
				Status:          tlsengine.BufferUnderflow,
				HandshakeStatus: tlsengine.NeedUnwrap,
			},
		},
	)

	raw := newScriptedRaw([]byte("half"))
	raw.eof = true
	fx := newFixture(t, engine, raw, RenegotiationPolicy{})

	out := make([]byte, 2048)
	_, err := fx.adapter.Fill(out)
	require.Error(t, err)

	var tlsErr *TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, ReasonHandshake, tlsErr.Reason)
	assert.Equal(t, StateFailed, fx.session.State())

	select {
	case <-fx.listener.failed:
	case <-time.After(waitTimeout):
		t.Fatal("failure listener never fired")
	}
}
