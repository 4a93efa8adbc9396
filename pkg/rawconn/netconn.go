package rawconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrei-cloud/duplextls/internal/executor"
	"github.com/andrei-cloud/duplextls/pkg/bufpool"
	"github.com/rs/zerolog/log"
)

// readAheadSize is how much a FillInterest's background reader pulls in
// one blocking Read. It only needs to detect "some bytes are now
// available"; Fill later drains whatever was captured.
const readAheadSize = 16 * 1024

// pollDeadline is the near-zero deadline used to make a normally-blocking
// net.Conn.Read/Write behave as a non-blocking poll: a deadline already in
// the past returns immediately with a timeout error if nothing was ready.
var pollDeadline = time.Now

// NetConn is a net.Conn-backed Endpoint. Fill/Flush poll the connection
// non-blockingly via an immediate deadline; FillInterest and Write each
// arm at most one background goroutine at a time, and dispatch their
// callbacks through an executor so they never run on the caller's
// goroutine.
type NetConn struct {
	conn  net.Conn
	exec  *executor.Executor
	label string

	readMu     sync.Mutex
	pending    []byte
	pendingErr error

	fillArmed  int32
	writeArmed int32

	inputShutdown  atomic.Bool
	outputShutdown atomic.Bool
	closed         atomic.Bool
}

// New wraps conn as an Endpoint. label is attached to log fields,
// typically the remote address.
func New(conn net.Conn, exec *executor.Executor, label string) *NetConn {
	return &NetConn{conn: conn, exec: exec, label: label}
}

func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// Fill implements Endpoint.
func (c *NetConn) Fill(buf []byte) (int, error) {
	c.readMu.Lock()
	if len(c.pending) > 0 {
		n := copy(buf, c.pending)
		c.pending = c.pending[n:]
		c.readMu.Unlock()

		return n, nil
	}
	if err := c.pendingErr; err != nil {
		c.readMu.Unlock()
		if errors.Is(err, io.EOF) {
			c.inputShutdown.Store(true)

			return -1, nil
		}

		return 0, err
	}
	c.readMu.Unlock()

	if len(buf) == 0 {
		return 0, nil
	}

	if err := c.conn.SetReadDeadline(pollDeadline()); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(buf)
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		if errors.Is(err, io.EOF) {
			c.inputShutdown.Store(true)

			return -1, nil
		}

		return 0, err
	}

	return n, nil
}

// Flush implements Endpoint. It attempts a single non-blocking write of
// buf.Pending(), advancing buf's read cursor by exactly what was written
// so a partial write's progress is never lost or duplicated across calls.
func (c *NetConn) Flush(buf *bufpool.Buffer) (bool, error) {
	pending := buf.Pending()
	if len(pending) == 0 {
		return true, nil
	}

	if err := c.conn.SetWriteDeadline(pollDeadline()); err != nil {
		return false, err
	}
	n, err := c.conn.Write(pending)
	_ = c.conn.SetWriteDeadline(time.Time{})
	buf.Consume(n)
	if err != nil && !isTimeout(err) {
		return false, err
	}

	return !buf.HasRemaining(), nil
}

// FillInterest implements Endpoint. Only one fill-interest may be armed at
// a time; a second call while one is outstanding is a caller bug and is
// reported via Failed rather than silently dropped.
func (c *NetConn) FillInterest(cb FillCallback) {
	if !atomic.CompareAndSwapInt32(&c.fillArmed, 0, 1) {
		c.exec.Submit(func() { cb.Failed(errors.New("rawconn: fill-interest already armed")) })

		return
	}

	go func() {
		buf := make([]byte, readAheadSize)
		n, err := c.conn.Read(buf)

		c.readMu.Lock()
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
		}
		if err != nil {
			c.pendingErr = err
		}
		c.readMu.Unlock()

		atomic.StoreInt32(&c.fillArmed, 0)

		c.exec.Submit(func() {
			if err != nil && !errors.Is(err, io.EOF) {
				log.Debug().Str("endpoint", c.label).Err(err).Msg("fill_interest failed")
				cb.Failed(err)

				return
			}
			cb.Succeeded()
		})
	}()
}

// Write implements Endpoint. Only one write may be in flight at a time.
func (c *NetConn) Write(cb WriteCallback, buf []byte) {
	if !atomic.CompareAndSwapInt32(&c.writeArmed, 0, 1) {
		c.exec.Submit(func() { cb.Failed(errors.New("rawconn: write already armed")) })

		return
	}

	go func() {
		remaining := buf
		var writeErr error
		for len(remaining) > 0 {
			n, err := c.conn.Write(remaining)
			remaining = remaining[n:]
			if err != nil {
				writeErr = err

				break
			}
		}

		atomic.StoreInt32(&c.writeArmed, 0)

		c.exec.Submit(func() {
			if writeErr != nil {
				log.Debug().Str("endpoint", c.label).Err(writeErr).Msg("write failed")
				cb.Failed(writeErr)

				return
			}
			cb.Completed()
		})
	}()
}

// ShutdownOutput half-closes the write side.
func (c *NetConn) ShutdownOutput() error {
	if !c.outputShutdown.CompareAndSwap(false, true) {
		return nil
	}
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}

	return nil
}

// Close fully closes the underlying connection. Idempotent.
func (c *NetConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.inputShutdown.Store(true)
	c.outputShutdown.Store(true)

	return c.conn.Close()
}

func (c *NetConn) IsInputShutdown() bool  { return c.inputShutdown.Load() }
func (c *NetConn) IsOutputShutdown() bool { return c.outputShutdown.Load() }
