package bufpool

import "testing"

// BenchmarkPool_AcquireRelease benchmarks the basic Acquire/Release path.
func BenchmarkPool_AcquireRelease(b *testing.B) {
	p := NewPool(WithCapacityRange(1, 4096))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf, _ := p.Acquire(256, Heap)
		buf.Release()
	}
}

// BenchmarkPool_Concurrent benchmarks concurrent Acquire/Release.
func BenchmarkPool_Concurrent(b *testing.B) {
	p := NewPool(WithCapacityRange(1, 4096))
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf, _ := p.Acquire(256, Heap)
			buf.Release()
		}
	})
}

// BenchmarkPool_VaryingSizes benchmarks Acquire/Release across several
// capacity classes.
func BenchmarkPool_VaryingSizes(b *testing.B) {
	p := NewPool(WithCapacityRange(1, 8192))
	sizes := []int{64, 128, 256, 512, 1024, 2048, 4096}
	idx := 0

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		size := sizes[idx]
		buf, _ := p.Acquire(size, Heap)
		buf.Release()
		idx = (idx + 1) % len(sizes)
	}
}

// BenchmarkPool_Oversized benchmarks handling of out-of-range requests.
func BenchmarkPool_Oversized(b *testing.B) {
	p := NewPool(WithCapacityRange(1, 4096))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf, _ := p.Acquire(8192, Heap)
		buf.Release()
	}
}

// BenchmarkStandardAllocation is a baseline comparing against plain
// make([]byte, n).
func BenchmarkStandardAllocation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 256)
		_ = buf
	}
}
