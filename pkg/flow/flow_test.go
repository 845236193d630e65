package flow

import (
	"errors"
	"sync"
	"testing"
)

func TestQueueGateRejectsAtLimit(t *testing.T) {
	g := NewQueueGate(2)

	ok, _ := g.TryAcquire()
	if !ok {
		t.Fatal("first acquire must succeed")
	}
	ok, _ = g.TryAcquire()
	if !ok {
		t.Fatal("second acquire must succeed")
	}
	ok, depth := g.TryAcquire()
	if ok {
		t.Fatal("third acquire must be rejected")
	}
	if depth != 3 {
		t.Fatalf("rejection depth = %d, want the attempted depth 3", depth)
	}
	if g.Depth() != 2 {
		t.Fatalf("depth after rejection = %d, want 2", g.Depth())
	}

	g.Release()
	if ok, _ := g.TryAcquire(); !ok {
		t.Fatal("acquire after release must succeed")
	}
}

func TestQueueGateUnlimited(t *testing.T) {
	g := NewQueueGate(0)
	for i := 0; i < 100; i++ {
		if ok, _ := g.TryAcquire(); !ok {
			t.Fatal("non-positive limit must admit everything")
		}
	}
}

func TestPendingWritesJoinWaitsForAll(t *testing.T) {
	p := NewPendingWrites(nil)
	var mu sync.Mutex
	done := 0

	for i := 0; i < 10; i++ {
		p.Go("w", func() error {
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		})
	}
	p.Join()

	mu.Lock()
	defer mu.Unlock()
	if done != 10 {
		t.Fatalf("completed writes = %d, want 10 after Join", done)
	}
	if p.Launched() != 10 || p.Failed() != 0 {
		t.Fatalf("launched/failed = %d/%d, want 10/0", p.Launched(), p.Failed())
	}
}

func TestPendingWritesCountsFailuresAndPanics(t *testing.T) {
	p := NewPendingWrites(nil)
	p.Go("err", func() error { return errors.New("boom") })
	p.Go("panic", func() error { panic("boom") })
	p.Go("ok", func() error { return nil })
	p.Join()

	if p.Failed() != 2 {
		t.Fatalf("failed = %d, want 2", p.Failed())
	}
	if p.Launched() != 3 {
		t.Fatalf("launched = %d, want 3", p.Launched())
	}
}

func TestSamplerRange(t *testing.T) {
	s := NewSampler(42)
	for i := 0; i < 1000; i++ {
		v := s.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("sample %v outside [0, 1)", v)
		}
	}
}

func TestSamplerDeterministicPerSeed(t *testing.T) {
	a, b := NewSampler(7), NewSampler(7)
	for i := 0; i < 10; i++ {
		if a.Float64() != b.Float64() {
			t.Fatal("same seed must draw the same sequence")
		}
	}
}
