package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// evictCheckEvery is how often (in releases) a domain rechecks its
// memory cap.
const evictCheckEvery = 100

// DomainCap configures the approximate byte budget for one memory domain.
type DomainCap struct {
	Domain   Domain
	MaxBytes int64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithIndexFunc selects the capacity-class mapping (LinearIndex or
// QuadraticIndex). Defaults to LinearIndex(1024).
func WithIndexFunc(fn IndexFunc) Option {
	return func(p *Pool) { p.indexFn = fn }
}

// WithCapacityRange sets [min_capacity, max_capacity]; requests outside
// this range bypass bucketing entirely and get exact-size buffers.
func WithCapacityRange(minCapacity, maxCapacity int) Option {
	return func(p *Pool) {
		p.minCapacity = minCapacity
		p.maxCapacity = maxCapacity
	}
}

// WithMaxEntriesPerBucket sets how many idle buffers a single bucket may
// hold before the secondary overflow sub-pool (beyond optimalMax) refuses
// further reservations.
func WithMaxEntriesPerBucket(n int) Option {
	return func(p *Pool) { p.maxEntriesPerBucket = n }
}

// WithDomainCap sets the approximate idle-memory cap for one domain. The
// cap overshoots by at most one bucket capacity before the evictor pulls
// it back.
func WithDomainCap(domain Domain, maxBytes int64) Option {
	return func(p *Pool) { p.domainCaps[domain] = maxBytes }
}

// Pool is an array of buckets per memory domain, indexed by a
// monotonically non-decreasing capacity mapping.
type Pool struct {
	indexFn             IndexFunc
	minCapacity         int
	maxCapacity         int
	maxEntriesPerBucket int
	domainCaps          map[Domain]int64

	mu      sync.RWMutex // guards the buckets map and its per-domain slices
	buckets map[Domain][]*Bucket

	releaseCounter map[Domain]*int64
	evicting       map[Domain]*int32 // CAS-guarded single-evictor flag per domain

	noBucketMu       sync.Mutex
	noBucketAcquires map[int]int64
}

// NewPool constructs a Pool. Defaults: linear index with factor 1024,
// capacity range [1, 16384], 256 entries per bucket, no domain caps (i.e.
// unbounded, eviction never triggers).
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		indexFn:             LinearIndex(1024),
		minCapacity:         1,
		maxCapacity:         16384,
		maxEntriesPerBucket: 256,
		domainCaps:          make(map[Domain]int64),
		buckets:             make(map[Domain][]*Bucket),
		releaseCounter:      make(map[Domain]*int64),
		evicting:            make(map[Domain]*int32),
		noBucketAcquires:    make(map[int]int64),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Acquire returns a buffer of capacity >= size, drawn from the matching
// bucket if non-empty, else freshly allocated. Requests outside
// [min_capacity, max_capacity] get an exact-size, non-pooled buffer.
func (p *Pool) Acquire(size int, domain Domain) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("bufpool: negative size %d", size)
	}

	if size < p.minCapacity || size > p.maxCapacity {
		p.noBucketMu.Lock()
		p.noBucketAcquires[size]++
		p.noBucketMu.Unlock()

		return newBuffer(size, domain), nil
	}

	bucket := p.bucketFor(domain, size)
	atomic.AddInt64(&bucket.counters.Acquires, 1)

	if buf, ok := bucket.acquire(); ok {
		return buf, nil
	}

	buf := newBuffer(bucket.capacity, domain)
	bucket.own(buf)

	// A fresh reservation grows the domain's eventual resident set, so the
	// memory cap is checked here as well as on the periodic release path.
	p.maybeEvict(domain)

	return buf, nil
}

// bucketFor returns (lazily creating if needed) the bucket serving size in
// domain.
func (p *Pool) bucketFor(domain Domain, size int) *Bucket {
	idx := p.indexFn.indexFor(size)

	p.mu.RLock()
	list := p.buckets[domain]
	if idx < len(list) && list[idx] != nil {
		b := list[idx]
		p.mu.RUnlock()

		return b
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	list = p.buckets[domain]
	for len(list) <= idx {
		list = append(list, nil)
	}
	if list[idx] == nil {
		list[idx] = newBucket(p, p.indexFn.capacityOf(idx), domain, p.maxEntriesPerBucket)
	}
	p.buckets[domain] = list

	if _, ok := p.releaseCounter[domain]; !ok {
		var c int64
		p.releaseCounter[domain] = &c
	}
	if _, ok := p.evicting[domain]; !ok {
		var f int32
		p.evicting[domain] = &f
	}

	return list[idx]
}

// noteRelease is called indirectly via Buffer.Release -> Bucket.reclaim; Pool
// additionally tracks the periodic domain memory-cap check here since
// Bucket has no visibility into sibling buckets.
func (p *Pool) noteRelease(domain Domain) {
	counter, ok := p.releaseCounter[domain]
	if !ok {
		return
	}
	n := atomic.AddInt64(counter, 1)
	if n%evictCheckEvery == 0 {
		p.maybeEvict(domain)
	}
}

// RemoveAndRelease unwraps any decorator wrapper around buf, detaches it
// from its owning bucket (if any), and releases it, guaranteeing it never
// returns to circulation.
func (p *Pool) RemoveAndRelease(h Handle) {
	buf := unwrap(h)
	if buf.bucket != nil {
		atomic.AddInt64(&buf.bucket.counters.Removes, 1)
		buf.bucket = nil
	}
	h.Release()
}

// Clear empties all buckets and zeroes their counters; afterwards each
// bucket's Removes holds the number of idle entries Clear drained. Safe to call
// concurrently with Acquire/Release: no buffer handed out after Clear
// returns may later be found in any bucket, because each bucket bumps its
// epoch before draining.
func (p *Pool) Clear() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, list := range p.buckets {
		for _, b := range list {
			if b != nil {
				b.clear()
			}
		}
	}

	p.noBucketMu.Lock()
	p.noBucketAcquires = make(map[int]int64)
	p.noBucketMu.Unlock()
}

// Stats returns a point-in-time snapshot of every bucket plus no-bucket
// acquire counts.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out PoolStats
	for _, list := range p.buckets {
		for _, b := range list {
			if b != nil {
				out.Buckets = append(out.Buckets, b.snapshot())
			}
		}
	}

	p.noBucketMu.Lock()
	out.NoBucketAcquires = make(map[int]int64, len(p.noBucketAcquires))
	for k, v := range p.noBucketAcquires {
		out.NoBucketAcquires[k] = v
	}
	p.noBucketMu.Unlock()

	return out
}
