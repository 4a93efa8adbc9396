package bufpool

import "sync/atomic"

// BucketCounters are the per-bucket statistics exposed through Stats().
type BucketCounters struct {
	Acquires   int64
	PooledHits int64
	NonPooled  int64
	Releases   int64
	Evicts     int64
	Removes    int64
}

// Bucket is an ordered bundle of idle buffers for one capacity class and
// one memory domain. It only ever stores buffers whose capacity equals
// the bucket's own capacity.
type Bucket struct {
	capacity   int
	domain     Domain
	maxEntries int
	pool       *Pool // back-pointer, used only to report releases for the domain-cap check

	primary   *primarySubPool
	secondary *secondarySubPool // nil if maxEntries <= optimalMax

	counters BucketCounters

	// epoch is bumped by Clear so buffers acquired before the bump are
	// discarded instead of re-enqueued on their final release. No buffer
	// handed out before a Clear can reappear in the bucket after it.
	epoch uint64
}

// newBucket builds a bucket for the given capacity/domain/maxEntries.
func newBucket(pool *Pool, capacity int, domain Domain, maxEntries int) *Bucket {
	b := &Bucket{
		capacity:   capacity,
		domain:     domain,
		maxEntries: maxEntries,
		pool:       pool,
	}

	primaryCap := maxEntries
	if primaryCap > optimalMax {
		primaryCap = optimalMax
		b.secondary = newSecondarySubPool()
	}
	b.primary = newPrimarySubPool(primaryCap)

	return b
}

// Capacity returns this bucket's fixed buffer size.
func (b *Bucket) Capacity() int { return b.capacity }

// acquire tries to hand out an idle buffer, preferring the primary
// sub-pool then the secondary. Returns (nil, false) if both are empty.
func (b *Bucket) acquire() (*Buffer, bool) {
	if buf, ok := b.primary.tryGet(); ok {
		buf.reviveForReuse()
		atomic.AddInt64(&b.counters.PooledHits, 1)

		return buf, true
	}
	if b.secondary != nil {
		if buf, ok := b.secondary.tryGet(); ok {
			buf.reviveForReuse()
			atomic.AddInt64(&b.counters.PooledHits, 1)

			return buf, true
		}
	}

	return nil, false
}

// reclaim is invoked by Buffer.Release when a pooled buffer's refcount
// reaches zero. It tries primary then secondary; if both are full, or the
// bucket has been cleared since the buffer was acquired, the buffer is
// dropped instead of re-enqueued.
func (b *Bucket) reclaim(buf *Buffer) {
	atomic.AddInt64(&b.counters.Releases, 1)

	if atomic.LoadUint64(&buf.epoch) != atomic.LoadUint64(&b.epoch) {
		atomic.AddInt64(&b.counters.NonPooled, 1)

		return
	}

	reclaimed := b.primary.tryPut(buf)
	if !reclaimed && b.secondary != nil {
		reclaimed = b.secondary.tryPut(buf, b.maxEntries-optimalMax)
	}
	if !reclaimed {
		atomic.AddInt64(&b.counters.NonPooled, 1)
	}

	if b.pool != nil {
		if reclaimed {
			// A fresh reservation just grew the domain's resident bytes, so
			// the cap is checked immediately, not only on the periodic
			// release boundary.
			b.pool.maybeEvict(b.domain)
		}
		b.pool.noteRelease(b.domain)
	}
}

// own stamps a freshly allocated buffer with this bucket's back-pointer and
// current epoch (used right after Pool.Acquire had to allocate because the
// bucket was empty), so it is reclaimed into this bucket once released.
func (b *Bucket) own(buf *Buffer) {
	buf.bucket = b
	buf.epoch = atomic.LoadUint64(&b.epoch)
}

// evictOne removes and discards one idle entry, preferring the secondary
// sub-pool over the primary. Returns true if an entry was evicted.
func (b *Bucket) evictOne() bool {
	if b.secondary != nil {
		if _, ok := b.secondary.evictOne(); ok {
			atomic.AddInt64(&b.counters.Evicts, 1)

			return true
		}
	}
	if _, ok := b.primary.evictOne(); ok {
		atomic.AddInt64(&b.counters.Evicts, 1)

		return true
	}

	return false
}

// idleCount returns the number of idle buffers currently resident in this
// bucket (primary + secondary).
func (b *Bucket) idleCount() int {
	n := b.primary.len()
	if b.secondary != nil {
		n += b.secondary.len()
	}

	return n
}

// clear bumps the epoch so that any buffer still outstanding is discarded
// instead of re-enqueued on release, zeroes the counters, then empties both
// sub-pools, counting each drained entry under Removes.
func (b *Bucket) clear() {
	atomic.AddUint64(&b.epoch, 1)

	atomic.StoreInt64(&b.counters.Acquires, 0)
	atomic.StoreInt64(&b.counters.PooledHits, 0)
	atomic.StoreInt64(&b.counters.NonPooled, 0)
	atomic.StoreInt64(&b.counters.Releases, 0)
	atomic.StoreInt64(&b.counters.Evicts, 0)
	atomic.StoreInt64(&b.counters.Removes, 0)

	for {
		if _, ok := b.primary.evictOne(); !ok {
			break
		}
		atomic.AddInt64(&b.counters.Removes, 1)
	}
	if b.secondary != nil {
		for {
			if _, ok := b.secondary.evictOne(); !ok {
				break
			}
			atomic.AddInt64(&b.counters.Removes, 1)
		}
	}
}

// snapshot returns a point-in-time BucketStats record.
func (b *Bucket) snapshot() BucketStats {
	acquires := atomic.LoadInt64(&b.counters.Acquires)
	hits := atomic.LoadInt64(&b.counters.PooledHits)

	var hitRatio float64
	if acquires > 0 {
		hitRatio = float64(hits) / float64(acquires)
	}

	return BucketStats{
		Capacity:   b.capacity,
		Domain:     b.domain,
		Idle:       b.idleCount(),
		MaxEntries: b.maxEntries,
		Acquires:   acquires,
		PooledHits: hits,
		NonPooled:  atomic.LoadInt64(&b.counters.NonPooled),
		Releases:   atomic.LoadInt64(&b.counters.Releases),
		Evicts:     atomic.LoadInt64(&b.counters.Evicts),
		Removes:    atomic.LoadInt64(&b.counters.Removes),
		HitRatio:   hitRatio,
	}
}
