// Package rawconn defines the non-blocking raw byte-stream endpoint
// contract pkg/tlsduplex consumes, plus a net.Conn-backed implementation
// of it.
package rawconn

import "github.com/andrei-cloud/duplextls/pkg/bufpool"

// FillCallback is notified by FillInterest exactly once, when the
// endpoint believes a subsequent Fill call is likely to make progress.
type FillCallback interface {
	Succeeded()
	Failed(err error)
}

// WriteCallback is notified by Write exactly once, when the write
// completes or fails.
type WriteCallback interface {
	Completed()
	Failed(err error)
}

// Endpoint is the raw, encrypted-side byte-stream transport the duplex
// adapter wraps TLS around. Every method must be non-blocking: Fill and
// Flush report immediate progress (or its absence) and return; FillInterest
// and Write arm a single-shot notification instead of blocking the caller.
type Endpoint interface {
	// Fill performs a non-blocking read into buf. It returns the number of
	// bytes read (> 0), 0 if no bytes were currently available, or -1 if
	// the peer has reached end of stream.
	Fill(buf []byte) (int, error)
	// Flush performs a non-blocking write attempt of buf.Pending(),
	// consuming (via buf.Consume) exactly as many bytes as were actually
	// written, and returns true iff buf is left fully drained. Taking a
	// cursor-bearing *bufpool.Buffer rather than a plain slice is what
	// lets a partial write's progress survive across repeated calls,
	// mirroring how a java.nio.ByteBuffer's position advances in place.
	Flush(buf *bufpool.Buffer) (bool, error)
	// FillInterest arranges a single future call to cb once Fill is likely
	// to make progress.
	FillInterest(cb FillCallback)
	// Write asynchronously drains buf in full, invoking cb exactly once on
	// completion or failure.
	Write(cb WriteCallback, buf []byte)

	ShutdownOutput() error
	Close() error

	IsInputShutdown() bool
	IsOutputShutdown() bool
}
