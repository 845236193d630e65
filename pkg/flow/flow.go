// Package flow provides the concurrency coordination used by the invocation
// pipeline: fire-and-forget write collection with a deferred join, hard
// admission gating on queue depth, and a shared, lock-protected sample
// source.
package flow

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
)

// PendingWrites collects fire-and-forget write operations launched during an
// invocation. The invocation must Join before finalizing its response so no
// response is produced while writes are still in flight. Write failures are
// logged, never surfaced: the caller observes only the possibly partial
// response.
type PendingWrites struct {
	wg       sync.WaitGroup
	log      *log.Logger
	launched atomic.Int64
	failed   atomic.Int64
}

// NewPendingWrites creates an empty write set.
func NewPendingWrites(logger *log.Logger) *PendingWrites {
	return &PendingWrites{log: logger}
}

// Go launches one write operation.
func (p *PendingWrites) Go(name string, fn func() error) {
	p.launched.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				if p.log != nil {
					p.log.Printf("write %s panicked: %v", name, r)
				}
			}
		}()
		if err := fn(); err != nil {
			p.failed.Add(1)
			if p.log != nil {
				p.log.Printf("write %s failed: %v", name, err)
			}
		}
	}()
}

// Join blocks until every launched write has completed.
func (p *PendingWrites) Join() {
	p.wg.Wait()
}

// Launched returns the number of writes launched so far.
func (p *PendingWrites) Launched() int64 { return p.launched.Load() }

// Failed returns the number of writes that returned an error or panicked.
func (p *PendingWrites) Failed() int64 { return p.failed.Load() }

// QueueGate bounds concurrent invocations by depth. Exceeding the limit is
// a hard rejection, not a block: admission never waits.
type QueueGate struct {
	limit int64
	depth atomic.Int64
}

// NewQueueGate creates a gate admitting at most limit concurrent holders.
// A non-positive limit admits everything.
func NewQueueGate(limit int64) *QueueGate {
	return &QueueGate{limit: limit}
}

// TryAcquire attempts admission. On success the caller must Release.
func (g *QueueGate) TryAcquire() (ok bool, depth int64) {
	d := g.depth.Add(1)
	if g.limit > 0 && d > g.limit {
		g.depth.Add(-1)
		return false, d
	}
	return true, d
}

// Release returns one admission slot.
func (g *QueueGate) Release() {
	g.depth.Add(-1)
}

// Depth returns the current number of holders.
func (g *QueueGate) Depth() int64 {
	return g.depth.Load()
}

// Limit returns the configured admission limit.
func (g *QueueGate) Limit() int64 {
	return g.limit
}

// Sampler draws uniform samples from one seeded source shared across
// invocations. math/rand sources are not safe for concurrent use, so draws
// are serialized.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler creates a sampler over a seeded source.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Float64 draws one sample in [0, 1).
func (s *Sampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
