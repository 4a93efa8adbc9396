package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AdvanceConsumeCompact(t *testing.T) {
	b := newBuffer(16, Heap)
	n := copy(b.Remaining(), []byte("hello"))
	b.Advance(n)
	assert.True(t, b.HasRemaining())
	assert.Equal(t, "hello", string(b.Pending()))

	b.Consume(2)
	assert.Equal(t, "llo", string(b.Pending()))

	compacted := b.Compact()
	assert.Equal(t, 3, compacted)
	assert.Equal(t, "llo", string(b.Pending()))
}

func TestBuffer_RetainRelease(t *testing.T) {
	b := newBuffer(8, Heap)
	b.Retain()
	assert.Equal(t, int32(2), b.RefCount())

	b.Release()
	assert.Equal(t, int32(1), b.RefCount())

	b.Release()
	assert.Equal(t, int32(0), b.RefCount())
}

func TestBuffer_OverReleasePanics(t *testing.T) {
	b := newBuffer(8, Heap)
	b.Release()
	assert.Panics(t, func() { b.Release() })
}

func TestBuffer_DomainPreserved(t *testing.T) {
	b := newBuffer(8, DeviceMapped)
	require.Equal(t, DeviceMapped, b.Domain())
}
