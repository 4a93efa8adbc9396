package tlsengine

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Record sizing constants. TLS 1.2/1.3 cap plaintext records at 16 KiB;
// the packet buffer needs headroom for record header, MAC/tag and any
// padding. These are generous reference values, not negotiated from the
// live connection, since crypto/tls does not expose per-record overhead.
const (
	defaultApplicationBufferSize = 16 * 1024
	defaultPacketBufferSize      = 18 * 1024
)

// handshakePumpTimeout bounds how long Unwrap will block feeding
// ciphertext into the underlying pipe before giving up and reporting
// BUFFER_UNDERFLOW (try again later). net.Pipe is fully synchronous, so
// without a deadline a Write could block until a background reader goes
// around again; the deadline keeps the external contract "effectively
// non-blocking" for callers driving the engine from a cooperative loop.
const handshakePumpTimeout = 20 * time.Millisecond

// PipeEngine implements Engine over the standard library's crypto/tls by
// running a real tls.Conn against one half of an in-memory net.Pipe and
// pumping ciphertext in and out of the other half on demand. crypto/tls
// exposes no public record-layer API, so this is the only way to drive an
// unmodified standard-library TLS stack from a non-blocking wrap/unwrap
// loop. The surrounding raw endpoint (pkg/rawconn), not this engine, owns
// the real network socket.
type PipeEngine struct {
	config *tls.Config

	startOnce sync.Once
	conn      *tls.Conn
	netSide   net.Conn

	mu      sync.Mutex
	outBuf  bytes.Buffer
	inBuf   bytes.Buffer
	readErr error

	handshakeDone chan struct{}
	handshakeErr  error

	clientMode   atomic.Bool
	finished     atomic.Bool
	inboundDone  atomic.Bool
	outboundDone atomic.Bool
}

// New constructs a PipeEngine around config. UseClientMode must be called
// (if a client engine is wanted) before the first Wrap or Unwrap, exactly
// as javax.net.ssl.SSLEngine requires setUseClientMode before handshaking
// begins; by default the engine runs in server mode.
func New(config *tls.Config) *PipeEngine {
	return &PipeEngine{
		config:        config,
		handshakeDone: make(chan struct{}),
	}
}

func (e *PipeEngine) UseClientMode(client bool) { e.clientMode.Store(client) }

// IsClientMode reports the mode set by UseClientMode (server by default).
func (e *PipeEngine) IsClientMode() bool { return e.clientMode.Load() }

func (e *PipeEngine) start() {
	e.startOnce.Do(func() {
		tlsSide, netSide := net.Pipe()
		e.netSide = netSide

		if e.clientMode.Load() {
			e.conn = tls.Client(tlsSide, e.config)
		} else {
			e.conn = tls.Server(tlsSide, e.config)
		}

		go e.pumpCiphertextOut()
		go e.runHandshake()
	})
}

// pumpCiphertextOut continuously drains whatever the tls.Conn writes to
// its side of the pipe (handshake flight or encrypted records) into
// outBuf, where Wrap later collects it.
func (e *PipeEngine) pumpCiphertextOut() {
	buf := make([]byte, defaultPacketBufferSize)
	for {
		n, err := e.netSide.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.outBuf.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			e.outboundDone.Store(true)
			return
		}
	}
}

// pumpPlaintextIn continuously drains decrypted application data from the
// tls.Conn into inBuf, where Unwrap later collects it. It only starts
// once the handshake goroutine has finished, so the two never race over
// the same Conn.Read path.
func (e *PipeEngine) pumpPlaintextIn() {
	buf := make([]byte, defaultApplicationBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.inBuf.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			e.mu.Lock()
			e.readErr = err
			e.mu.Unlock()
			e.inboundDone.Store(true)
			return
		}
	}
}

func (e *PipeEngine) runHandshake() {
	err := e.conn.Handshake()
	e.mu.Lock()
	e.handshakeErr = err
	e.mu.Unlock()
	close(e.handshakeDone)
	if err == nil {
		go e.pumpPlaintextIn()
	} else {
		e.inboundDone.Store(true)
		e.outboundDone.Store(true)
	}
}

func (e *PipeEngine) Wrap(inputs [][]byte, output []byte) (Result, error) {
	e.start()

	if e.outboundDone.Load() {
		e.mu.Lock()
		herr := e.handshakeErr
		e.mu.Unlock()
		if herr != nil {
			return Result{}, &ProtocolError{Op: "wrap", Err: herr}
		}
		return Result{Status: Closed, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	consumed := 0
	for _, in := range inputs {
		if len(in) == 0 {
			continue
		}
		n, err := e.conn.Write(in)
		consumed += n
		if err != nil {
			return Result{}, &ProtocolError{Op: "wrap", Err: err}
		}
	}

	e.mu.Lock()
	produced := 0
	if e.outBuf.Len() > 0 && len(output) > 0 {
		produced, _ = e.outBuf.Read(output)
	}
	pending := e.outBuf.Len()
	e.mu.Unlock()

	status := OK
	if produced == 0 && len(output) == 0 && pending > 0 {
		status = BufferOverflow
	}

	return Result{
		Status:          status,
		HandshakeStatus: e.HandshakeStatus(),
		Consumed:        consumed,
		Produced:        produced,
	}, nil
}

func (e *PipeEngine) Unwrap(input []byte, output []byte) (Result, error) {
	e.start()

	if e.inboundDone.Load() {
		e.mu.Lock()
		herr := e.handshakeErr
		e.mu.Unlock()
		if herr != nil && !errors.Is(herr, io.EOF) {
			return Result{}, &ProtocolError{Op: "unwrap", Err: herr}
		}
		return Result{Status: Closed, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	consumed := 0
	if len(input) > 0 {
		_ = e.netSide.SetWriteDeadline(time.Now().Add(handshakePumpTimeout))
		n, err := e.netSide.Write(input)
		consumed = n
		_ = e.netSide.SetWriteDeadline(time.Time{})
		if err != nil && !isTimeout(err) {
			return Result{}, &ProtocolError{Op: "unwrap", Err: err}
		}
	}

	e.mu.Lock()
	produced := 0
	if e.inBuf.Len() > 0 && len(output) > 0 {
		produced, _ = e.inBuf.Read(output)
	}
	readErr := e.readErr
	e.mu.Unlock()

	status := OK
	switch {
	case readErr != nil && errors.Is(readErr, io.EOF):
		status = Closed
	case produced == 0 && len(output) == 0:
		status = BufferOverflow
	case produced == 0 && consumed < len(input):
		status = BufferUnderflow
	}

	return Result{
		Status:          status,
		HandshakeStatus: e.HandshakeStatus(),
		Consumed:        consumed,
		Produced:        produced,
	}, nil
}

// HandshakeStatus reports FINISHED exactly once, the same contract
// javax.net.ssl.SSLEngine documents for getHandshakeStatus(): callers
// that poll repeatedly after the handshake has completed see
// NOT_HANDSHAKING rather than a sticky FINISHED.
func (e *PipeEngine) HandshakeStatus() HandshakeStatus {
	select {
	case <-e.handshakeDone:
		e.mu.Lock()
		err := e.handshakeErr
		e.mu.Unlock()
		if err != nil {
			return NotHandshaking
		}
		if e.finished.CompareAndSwap(false, true) {
			return Finished
		}
		return NotHandshaking
	default:
	}

	e.mu.Lock()
	pending := e.outBuf.Len()
	e.mu.Unlock()
	if pending > 0 {
		return NeedWrap
	}
	return NeedUnwrap
}

// DelegatedTask always returns nil: crypto/tls performs certificate
// verification and key scheduling synchronously inside Handshake, so
// this engine never produces NEED_TASK.
func (e *PipeEngine) DelegatedTask() DelegatedTask { return nil }

func (e *PipeEngine) CloseInbound() error {
	e.inboundDone.Store(true)
	return nil
}

func (e *PipeEngine) CloseOutbound() {
	e.start()
	if e.outboundDone.CompareAndSwap(false, true) {
		_ = e.conn.CloseWrite()
	}
}

func (e *PipeEngine) IsInboundDone() bool  { return e.inboundDone.Load() }
func (e *PipeEngine) IsOutboundDone() bool { return e.outboundDone.Load() }

func (e *PipeEngine) Session() SessionInfo {
	protocol := "tls"
	select {
	case <-e.handshakeDone:
		if e.conn != nil {
			state := e.conn.ConnectionState()
			protocol = tlsVersionName(state.Version)
		}
	default:
	}
	return SessionInfo{
		ApplicationBufferSize: defaultApplicationBufferSize,
		PacketBufferSize:      defaultPacketBufferSize,
		Protocol:              protocol,
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("TLS(0x%04x)", v)
	}
}

// GenerateSelfSignedCertificate creates an in-memory ECDSA P-256
// self-signed certificate covering the given hostnames, for use in
// tests and local (non-production) server configurations.
func GenerateSelfSignedCertificate(hosts ...string) (tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"duplextls"},
			CommonName:   hosts[0],
		},
		DNSNames:    hosts,
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}
