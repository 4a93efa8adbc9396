// Package server accepts raw TCP connections and drives each one through
// pkg/tlsduplex's TLS-interception adapter, echoing decrypted application
// bytes back to the peer once the handshake completes. It exists to give
// the adapter a runnable end-to-end harness; a real interception
// deployment would replace the echo step with whatever the intercepted
// application protocol requires.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/duplextls/internal/executor"
	"github.com/andrei-cloud/duplextls/internal/logging"
	"github.com/andrei-cloud/duplextls/pkg/bufpool"
	"github.com/andrei-cloud/duplextls/pkg/rawconn"
	"github.com/andrei-cloud/duplextls/pkg/tlsduplex"
	"github.com/andrei-cloud/duplextls/pkg/tlsengine"
)

// Server listens on a single TCP address and spawns one adapter-driven
// session per accepted connection.
type Server struct {
	address   string
	tlsConfig *tls.Config
	pool      *bufpool.Pool
	exec      *executor.Executor
	renego    tlsduplex.RenegotiationPolicy

	ln             net.Listener
	activeSessions int32
}

// NewServer configures a Server. tlsConfig supplies the certificate the
// adapter's tlsengine.PipeEngine presents to connecting peers.
func NewServer(
	address string,
	tlsConfig *tls.Config,
	pool *bufpool.Pool,
	exec *executor.Executor,
	renego tlsduplex.RenegotiationPolicy,
) *Server {
	return &Server{
		address:   address,
		tlsConfig: tlsConfig,
		pool:      pool,
		exec:      exec,
		renego:    renego,
	}
}

// Start opens the listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	s.ln = ln

	log.Info().Str("address", s.address).Msg("server started")

	go s.acceptLoop()

	return nil
}

// Addr returns the listener's bound address, useful when the configured
// address requested an ephemeral port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.address
	}

	return s.ln.Addr().String()
}

// Stop closes the listener, causing acceptLoop to return.
func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}

	return s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("accept failed")

			return
		}
		go s.handleConn(conn)
	}
}

// sessionListener adapts tlsduplex.HandshakeListener onto the package's
// structured session-lifecycle logging.
type sessionListener struct {
	clientIP string
}

func (l sessionListener) OnHandshakeSucceeded(sess *tlsduplex.Session) {
	logging.LogHandshakeSucceeded(sess.ID, l.clientIP, sess.Protocol())
}

func (l sessionListener) OnHandshakeFailed(sess *tlsduplex.Session, cause error) {
	logging.LogHandshakeFailed(sess.ID, l.clientIP, cause)
}

// fillWait turns the adapter's single-shot FillInterest callback into a
// channel a pump goroutine can block on, bridging the adapter's
// non-blocking contract back to a one-goroutine-per-connection loop.
type fillWait struct {
	done chan error
}

func (w fillWait) Succeeded()       { w.done <- nil }
func (w fillWait) Failed(err error) { w.done <- err }

// writeWait is Write's equivalent of fillWait.
type writeWait struct {
	done chan error
}

func (w writeWait) Completed()       { w.done <- nil }
func (w writeWait) Failed(err error) { w.done <- err }

func (s *Server) handleConn(conn net.Conn) {
	client := conn.RemoteAddr().String()
	active := atomic.AddInt32(&s.activeSessions, 1)
	defer atomic.AddInt32(&s.activeSessions, -1)

	raw := rawconn.New(conn, s.exec, client)
	engine := tlsengine.New(s.tlsConfig)
	sess := tlsduplex.NewSession("", engine, raw, s.pool, s.exec, bufpool.Heap, s.renego, sessionListener{clientIP: client})
	adapter := tlsduplex.NewAdapter(sess)

	logging.LogSessionAccepted(sess.ID, client, active)

	s.pump(adapter, sess)

	logging.LogSessionClosed(sess.ID, sess.BytesIn(), sess.BytesOut(), atomic.LoadInt32(&s.activeSessions)-1)
}

// pump drives Fill/FillInterest/Write until the peer closes the
// connection or the session fails, echoing decrypted bytes straight back.
func (s *Server) pump(adapter *tlsduplex.Adapter, sess *tlsduplex.Session) {
	buf := make([]byte, 16*1024)
	defer func() { _ = adapter.Close() }()

	for {
		n, err := adapter.Fill(buf)
		if err != nil {
			log.Debug().Str("session_id", sess.ID).Err(err).Msg("session fill failed")

			return
		}
		if n < 0 {
			return
		}
		if n == 0 {
			wait := fillWait{done: make(chan error, 1)}
			adapter.FillInterest(wait)
			if werr := <-wait.done; werr != nil {
				log.Debug().Str("session_id", sess.ID).Err(werr).Msg("session fill_interest failed")

				return
			}

			continue
		}

		if !s.echo(adapter, sess, buf[:n]) {
			return
		}
	}
}

func (s *Server) echo(adapter *tlsduplex.Adapter, sess *tlsduplex.Session, data []byte) bool {
	wait := writeWait{done: make(chan error, 1)}
	payload := append([]byte(nil), data...)
	adapter.Write(wait, payload)
	if err := <-wait.done; err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug().Str("session_id", sess.ID).Err(err).Msg("session write failed")
		}

		return false
	}

	return true
}
