package tlsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeEngine_ScriptProgressionAndRepeat(t *testing.T) {
	e := NewFakeEngine(1024, 1024)
	e.WithUnwrapScript(
		Step{Result: Result{Status: OK, HandshakeStatus: NeedUnwrap, Consumed: 4}},
		Step{Result: Result{Status: OK, HandshakeStatus: NotHandshaking, Produced: 2}, Fill: 'z'},
	)

	out := make([]byte, 16)

	res, err := e.Unwrap(nil, out)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Consumed)

	res, err = e.Unwrap(nil, out)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Produced)
	assert.Equal(t, []byte("zz"), out[:2])

	// The last step repeats once the script is exhausted.
	res, err = e.Unwrap(nil, out)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Produced)
}

func TestFakeEngine_FinishedIsNotSticky(t *testing.T) {
	e := NewFakeEngine(1024, 1024)
	e.WithUnwrapScript(
		Step{Result: Result{Status: OK, HandshakeStatus: Finished, Consumed: 8}},
	)

	res, err := e.Unwrap(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Finished, res.HandshakeStatus)

	// Polling after the completing step must not re-report FINISHED.
	assert.Equal(t, NotHandshaking, e.HandshakeStatus())
}

func TestFakeEngine_Growth(t *testing.T) {
	e := NewFakeEngine(512, 1024)
	e.WithUnwrapScript(
		Step{Result: Result{Status: BufferOverflow}, GrowAppTo: 2048, GrowPktTo: 4096},
	)

	_, err := e.Unwrap(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2048, e.Session().ApplicationBufferSize)
	assert.Equal(t, 4096, e.Session().PacketBufferSize)
}

func TestFakeEngine_CloseTracking(t *testing.T) {
	e := NewFakeEngine(1024, 1024)

	assert.False(t, e.IsInboundDone())
	require.NoError(t, e.CloseInbound())
	assert.True(t, e.IsInboundDone())

	assert.False(t, e.IsOutboundDone())
	e.CloseOutbound()
	assert.True(t, e.IsOutboundDone())
}
