package tlsengine

import (
	"crypto/tls"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shuttleDirection carries not-yet-consumed ciphertext from one engine
// toward the other, mirroring what the duplex adapter's encrypted-input
// buffer does.
type shuttleDirection struct {
	pending []byte
}

// shuttle performs one cooperative pump step: collect whatever src has
// wrapped (optionally encrypting appIn), feed it to dst, and return any
// plaintext dst produced.
func shuttle(
	t *testing.T,
	src, dst *PipeEngine,
	d *shuttleDirection,
	appIn [][]byte,
) []byte {
	t.Helper()

	buf := make([]byte, 64*1024)
	out := make([]byte, 64*1024)

	res, err := src.Wrap(appIn, buf)
	require.NoError(t, err)
	if res.Produced > 0 {
		d.pending = append(d.pending, buf[:res.Produced]...)
	}

	ures, err := dst.Unwrap(d.pending, out)
	require.NoError(t, err)
	d.pending = d.pending[ures.Consumed:]

	if ures.Produced > 0 {
		return append([]byte(nil), out[:ures.Produced]...)
	}

	return nil
}

func handshaken(e *PipeEngine) bool {
	return strings.HasPrefix(e.Session().Protocol, "TLS1.")
}

func TestPipeEngine_HandshakeAndEcho(t *testing.T) {
	cert, err := GenerateSelfSignedCertificate("localhost")
	require.NoError(t, err)

	server := New(&tls.Config{Certificates: []tls.Certificate{cert}})
	client := New(&tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // test against our own self-signed cert.
		ServerName:         "localhost",
	})
	client.UseClientMode(true)
	require.True(t, client.IsClientMode())
	require.False(t, server.IsClientMode())

	c2s := &shuttleDirection{}
	s2c := &shuttleDirection{}

	deadline := time.Now().Add(10 * time.Second)
	for !handshaken(client) || !handshaken(server) {
		require.True(t, time.Now().Before(deadline), "handshake timed out")
		shuttle(t, client, server, c2s, nil)
		shuttle(t, server, client, s2c, nil)
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, client.Session().Protocol, server.Session().Protocol)

	// Client sends application data; the server decrypts it.
	var received []byte
	sent := false
	for len(received) < len("hello over tls") {
		require.True(t, time.Now().Before(deadline), "application data timed out")

		var in [][]byte
		if !sent {
			in = [][]byte{[]byte("hello over tls")}
			sent = true
		}
		received = append(received, shuttle(t, client, server, c2s, in)...)
		shuttle(t, server, client, s2c, nil)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "hello over tls", string(received))

	// And back the other way.
	received = received[:0]
	sent = false
	for len(received) < len("pong") {
		require.True(t, time.Now().Before(deadline), "reply timed out")

		var in [][]byte
		if !sent {
			in = [][]byte{[]byte("pong")}
			sent = true
		}
		received = append(received, shuttle(t, server, client, s2c, in)...)
		shuttle(t, client, server, c2s, nil)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "pong", string(received))
}

func TestPipeEngine_SessionSizing(t *testing.T) {
	e := New(&tls.Config{})

	info := e.Session()
	assert.Equal(t, defaultApplicationBufferSize, info.ApplicationBufferSize)
	assert.Equal(t, defaultPacketBufferSize, info.PacketBufferSize)
	assert.Equal(t, "tls", info.Protocol)
}

func TestGenerateSelfSignedCertificate(t *testing.T) {
	cert, err := GenerateSelfSignedCertificate("example.test", "localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotNil(t, cert.PrivateKey)
}
