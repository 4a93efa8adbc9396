package bufpool

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Buffer is a fixed-capacity byte slice with a read/write cursor and a
// reference count. It starts at refcount 1 on acquire; Retain increments,
// Release decrements, and at zero the buffer is reset and returned to its
// owning bucket or, if unpooled or the bucket has been cleared since
// acquisition, dropped to the heap.
type Buffer struct {
	data     []byte
	domain   Domain
	bucket   *Bucket // nil if this buffer is not pooled
	epoch    uint64  // bucket.epoch at acquisition time; stale epoch => drop on release
	refcount int32

	readPos  int
	writePos int
}

// newBuffer allocates a fresh, unpooled buffer of exactly size bytes.
func newBuffer(size int, domain Domain) *Buffer {
	return &Buffer{
		data:     make([]byte, size),
		domain:   domain,
		refcount: 1,
	}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Domain returns the memory domain this buffer was allocated from.
func (b *Buffer) Domain() Domain { return b.domain }

// Bytes returns the full backing slice, capacity-sized, ignoring cursors.
func (b *Buffer) Bytes() []byte { return b.data }

// Pending returns the unread slice between the read and write cursors.
func (b *Buffer) Pending() []byte { return b.data[b.readPos:b.writePos] }

// Remaining returns the writable slice from the write cursor to capacity.
func (b *Buffer) Remaining() []byte { return b.data[b.writePos:] }

// HasRemaining reports whether any unread bytes are pending.
func (b *Buffer) HasRemaining() bool { return b.readPos < b.writePos }

// Advance moves the write cursor forward by n bytes (n bytes were just
// written into Remaining()).
func (b *Buffer) Advance(n int) { b.writePos += n }

// Consume moves the read cursor forward by n bytes (n bytes were just read
// out of Pending()).
func (b *Buffer) Consume(n int) { b.readPos += n }

// Compact shifts any pending bytes down to offset 0, freeing room at the
// tail for more writes. Returns the number of bytes compacted.
func (b *Buffer) Compact() int {
	n := copy(b.data, b.Pending())
	b.readPos = 0
	b.writePos = n

	return n
}

// Reset clears both cursors, discarding any pending content.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}

// Retain increments the refcount. Calling Retain on a buffer at refcount 0
// is a programming error and panics; a released buffer may already belong
// to someone else.
func (b *Buffer) Retain() {
	for {
		cur := atomic.LoadInt32(&b.refcount)
		if cur <= 0 {
			panic(fmt.Sprintf("bufpool: Retain on buffer with refcount %d", cur))
		}
		if atomic.CompareAndSwapInt32(&b.refcount, cur, cur+1) {
			return
		}
	}
}

// Release decrements the refcount. At zero, the buffer is reset and
// returned to its owning bucket (if reservable and not stale) or dropped.
func (b *Buffer) Release() {
	n := atomic.AddInt32(&b.refcount, -1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("bufpool: over-release, refcount %d", n))
	}

	b.Reset()

	if b.bucket == nil {
		return
	}
	b.bucket.reclaim(b)
}

// RefCount returns the current reference count, for tests and diagnostics.
func (b *Buffer) RefCount() int32 { return atomic.LoadInt32(&b.refcount) }

// reviveForReuse resets a buffer pulled back out of a bucket to refcount 1,
// ready to be handed out again.
func (b *Buffer) reviveForReuse() {
	atomic.StoreInt32(&b.refcount, 1)
	b.Reset()
}

// callSite records where an acquire/retain/release happened, for
// TrackedBuffer leak diagnostics.
type callSite struct {
	op   string
	file string
	line int
}

func captureCallSite(op string) callSite {
	_, file, line, _ := runtime.Caller(2)

	return callSite{op: op, file: file, line: line}
}

func (c callSite) String() string {
	return fmt.Sprintf("%s at %s:%d", c.op, c.file, c.line)
}
