package server_test

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/duplextls/internal/executor"
	"github.com/andrei-cloud/duplextls/internal/server"
	"github.com/andrei-cloud/duplextls/pkg/bufpool"
	"github.com/andrei-cloud/duplextls/pkg/tlsduplex"
	"github.com/andrei-cloud/duplextls/pkg/tlsengine"
)

// startTestServer brings up the echo server on an ephemeral port with a
// self-signed certificate.
func startTestServer(t *testing.T) *server.Server {
	t.Helper()

	cert, err := tlsengine.GenerateSelfSignedCertificate("localhost")
	require.NoError(t, err)

	pool := bufpool.NewPool(
		bufpool.WithIndexFunc(bufpool.LinearIndex(1024)),
		bufpool.WithCapacityRange(1, 64*1024),
	)
	exec := executor.New(4, 64)

	srv := server.NewServer(
		"127.0.0.1:0",
		&tls.Config{Certificates: []tls.Certificate{cert}},
		pool,
		exec,
		tlsduplex.RenegotiationPolicy{},
	)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func dialTLS(t *testing.T, addr string) *tls.Conn {
	t.Helper()

	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: 5 * time.Second},
		"tcp",
		addr,
		&tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // test against our own self-signed cert.
			ServerName:         "localhost",
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestServer_EchoesDecryptedBytes(t *testing.T) {
	srv := startTestServer(t)
	conn := dialTLS(t, srv.Addr())

	payload := []byte("intercept me")
	_, err := conn.Write(payload)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	echo := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, payload, echo)
}

func TestServer_MultipleSequentialClients(t *testing.T) {
	srv := startTestServer(t)

	for i := 0; i < 3; i++ {
		conn := dialTLS(t, srv.Addr())

		msg := []byte("round trip")
		_, err := conn.Write(msg)
		require.NoError(t, err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		echo := make([]byte, len(msg))
		_, err = io.ReadFull(conn, echo)
		require.NoError(t, err)
		assert.Equal(t, msg, echo)

		require.NoError(t, conn.Close())
	}
}
