package bufpool

import (
	"fmt"
	"sync"
)

// Handle is satisfied by both *Buffer and *TrackedBuffer, so pool
// plumbing (RemoveAndRelease) and callers can treat either uniformly.
type Handle interface {
	Cap() int
	Bytes() []byte
	Pending() []byte
	Remaining() []byte
	HasRemaining() bool
	Advance(n int)
	Consume(n int)
	Compact() int
	Reset()
	Retain()
	Release()
	RefCount() int32
	Domain() Domain
}

var _ Handle = (*Buffer)(nil)

// liveTracked is the process-wide set of currently-outstanding tracked
// buffers, keyed by the TrackedBuffer pointer, used for leak hunting.
var liveTracked sync.Map // map[*TrackedBuffer]callSite

// TrackedBuffer is a diagnostic decorator over Buffer that records the
// acquire call site and removes itself from the live set on final
// release. It delegates every refcount operation to the wrapped buffer.
type TrackedBuffer struct {
	*Buffer
	acquiredAt callSite
}

// Track wraps b for leak tracking, recording the caller's location.
func Track(b *Buffer) *TrackedBuffer {
	t := &TrackedBuffer{Buffer: b, acquiredAt: captureCallSite("acquire")}
	liveTracked.Store(t, t.acquiredAt)

	return t
}

// Release delegates to the wrapped buffer and, once the refcount reaches
// zero, removes this handle from the live-buffer set.
func (t *TrackedBuffer) Release() {
	t.Buffer.Release()
	if t.Buffer.RefCount() == 0 {
		liveTracked.Delete(t)
	}
}

// Unwrap returns the underlying Buffer.
func (t *TrackedBuffer) Unwrap() *Buffer { return t.Buffer }

// LiveTrackedCount returns the number of currently outstanding tracked
// buffers (for tests and leak-hunting tools).
func LiveTrackedCount() int {
	n := 0
	liveTracked.Range(func(_, _ any) bool {
		n++

		return true
	})

	return n
}

// unwrap extracts the underlying *Buffer from any Handle.
func unwrap(h Handle) *Buffer {
	switch v := h.(type) {
	case *Buffer:
		return v
	case *TrackedBuffer:
		return v.Unwrap()
	default:
		panic(fmt.Sprintf("bufpool: unknown Handle implementation %T", h))
	}
}
