package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/andrei-cloud/anet"
)

// optimalMax caps the primary sub-pool: a small constant chosen to keep
// contention low on typical thread counts.
const optimalMax = 64

// shardHint picks a primary-sub-pool shard to reduce contention across
// concurrent acquirers/releasers. Go exposes no portable OS-thread id
// without cgo, so this uses a simple round-robin counter instead of a
// true thread-locality hash; shard selection affects contention only,
// never correctness.
var shardHint uint64

func nextShard(n int) int {
	if n <= 1 {
		return 0
	}

	return int(atomic.AddUint64(&shardHint, 1) % uint64(n))
}

// primarySubPool is the bucket's fast path: a small number of bounded
// ring-buffer shards, sized so the aggregate capacity is optimalMax (or
// the bucket's configured maxEntries, if smaller).
type primarySubPool struct {
	shards []*anet.RingBuffer[*Buffer]
}

func newPrimarySubPool(capacity int) *primarySubPool {
	if capacity <= 0 {
		capacity = 1
	}

	shardCount := 1
	if capacity >= 8 {
		shardCount = 4
	}
	per := capacity / shardCount
	if per < 1 {
		per = 1
	}

	shards := make([]*anet.RingBuffer[*Buffer], shardCount)
	for i := range shards {
		shards[i] = anet.NewRingBuffer[*Buffer](uint64(per))
	}

	return &primarySubPool{shards: shards}
}

func (p *primarySubPool) tryGet() (*Buffer, bool) {
	start := nextShard(len(p.shards))
	for i := range p.shards {
		idx := (start + i) % len(p.shards)
		if buf, ok := p.shards[idx].Dequeue(); ok {
			return buf, true
		}
	}

	return nil, false
}

func (p *primarySubPool) tryPut(b *Buffer) bool {
	start := nextShard(len(p.shards))
	for i := range p.shards {
		idx := (start + i) % len(p.shards)
		if p.shards[idx].Enqueue(b) {
			return true
		}
	}

	return false
}

// evictOne removes and returns one arbitrary entry, or false if empty.
func (p *primarySubPool) evictOne() (*Buffer, bool) {
	for _, s := range p.shards {
		if buf, ok := s.Dequeue(); ok {
			return buf, true
		}
	}

	return nil, false
}

func (p *primarySubPool) len() int {
	n := 0
	for _, s := range p.shards {
		var held []*Buffer
		for {
			buf, ok := s.Dequeue()
			if !ok {
				break
			}
			held = append(held, buf)
		}
		n += len(held)
		// put them right back; this is a diagnostic count, not hot path.
		for _, buf := range held {
			s.Enqueue(buf)
		}
	}

	return n
}

// secondarySubPool is the overflow tier for a bucket whose configured size
// exceeds optimalMax. It is a plain mutex-guarded stack, so that (unlike
// sync.Pool) entries are deterministically countable and evictable.
type secondarySubPool struct {
	mu    sync.Mutex
	items []*Buffer
}

func newSecondarySubPool() *secondarySubPool {
	return &secondarySubPool{}
}

func (p *secondarySubPool) tryGet() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.items)
	if n == 0 {
		return nil, false
	}
	buf := p.items[n-1]
	p.items = p.items[:n-1]

	return buf, true
}

func (p *secondarySubPool) tryPut(b *Buffer, maxEntries int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) >= maxEntries {
		return false
	}
	p.items = append(p.items, b)

	return true
}

func (p *secondarySubPool) evictOne() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.items)
	if n == 0 {
		return nil, false
	}
	buf := p.items[n-1]
	p.items = p.items[:n-1]

	return buf, true
}

func (p *secondarySubPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.items)
}
