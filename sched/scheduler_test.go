// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sched

import "testing"

// TestReserveFitsBandwidth submits an interrupt IN, high speed,
// interval 4, MPS 64, on a scheduler whose frames 0..3 are
// already loaded to within one packet cost of the 900 µs ceiling. Every
// candidate period (the request rounds to the 4-frame list, then halves
// to 2 and 1) walks at least one saturated frame, so Reserve must return
// ErrNoBandwidth without mutating the bandwidth array.
func TestReserveFitsBandwidth(t *testing.T) {
	s := NewScheduler(4, 1, 900)

	for i := 0; i < 4; i++ {
		s.bandwidth[i] = 898
	}

	cost := PacketCost(High, In, Interrupt, 64)

	before := append([]int(nil), s.bandwidth...)

	_, _, _, err := s.Reserve(High, 4, cost, 1)
	if err == nil {
		t.Fatalf("expected ErrNoBandwidth, got none (cost=%d)", cost)
	}

	for i := range s.bandwidth {
		if s.bandwidth[i] != before[i] {
			t.Fatalf("bandwidth[%d] mutated on rejected reservation: %d != %d", i, s.bandwidth[i], before[i])
		}
	}
}

func TestReserveCommitsOnSuccess(t *testing.T) {
	s := NewScheduler(8, 1, 900)

	cost := PacketCost(High, In, Interrupt, 64)

	period, start, _, err := s.Reserve(High, 1, cost, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if period != 1 {
		t.Fatalf("period = %d, want 1", period)
	}

	for i := start; i < s.frameCount; i += period {
		if s.bandwidth[i] != cost {
			t.Fatalf("bandwidth[%d] = %d, want %d", i, s.bandwidth[i], cost)
		}
	}
}

func TestReserveHalvesIntervalOnFailure(t *testing.T) {
	s := NewScheduler(4, 1, 10)

	// Saturate frames 2 and 3 so a period-4 walk from frame 0 would fit,
	// but at period 2 both the even walk (frames 0, 2) and the odd-frame
	// retry (frames 1, 3) fail; verify the validate pass on period 2
	// correctly rejects without commit.
	s.bandwidth[2] = 10
	s.bandwidth[3] = 10

	if _, _, ok := s.tryReserve(2, 5, 1); ok {
		t.Fatalf("expected period-2 walk to fail due to frame 2 saturation")
	}

	if s.bandwidth[2] != 10 {
		t.Fatalf("bandwidth[2] mutated by failed tryReserve: %d", s.bandwidth[2])
	}
}

func TestFreeReleasesBandwidth(t *testing.T) {
	s := NewScheduler(8, 1, 900)
	pool := newFakePool()
	s.RegisterPool(0, pool)

	elem := pool.alloc()
	cost := PacketCost(Full, Out, Interrupt, 64)

	period, start, mask, err := s.Reserve(Full, 2, cost, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	sh := pool.Shadow(elem)
	sh.Flags |= FlagBandwidth
	sh.Bandwidth = cost
	sh.FrameInterval = period
	sh.StartFrame = start
	sh.FrameMask = mask

	s.Free(EncodeIndex(0, elem))

	for i := start; i < s.frameCount; i += period {
		if s.bandwidth[i] != 0 {
			t.Fatalf("bandwidth[%d] = %d after Free, want 0", i, s.bandwidth[i])
		}
	}
}

// fakePool is a minimal Pool for scheduler-only tests that never touch
// DMA-backed descriptors.
type fakePool struct {
	shadows []SchedulerObject
}

func newFakePool() *fakePool {
	return &fakePool{shadows: make([]SchedulerObject, 16)}
}

func (p *fakePool) alloc() uint16 {
	for i := range p.shadows {
		if p.shadows[i].Flags&FlagAllocated == 0 {
			p.shadows[i] = SchedulerObject{Flags: FlagAllocated, Index: EncodeIndex(0, uint16(i)), BreadthNext: NoIndex, DepthNext: NoIndex}
			return uint16(i)
		}
	}

	panic("fakePool exhausted")
}

func (p *fakePool) Shadow(slot uint16) *SchedulerObject {
	if int(slot) >= len(p.shadows) {
		return nil
	}

	return &p.shadows[slot]
}

func (p *fakePool) Free(slot uint16) {
	if int(slot) < len(p.shadows) {
		p.shadows[slot] = SchedulerObject{}
	}
}

func (p *fakePool) Len() int {
	return len(p.shadows)
}

func TestLinkPeriodicOrdersByDescendingInterval(t *testing.T) {
	s := NewScheduler(8, 1, 900)
	pool := newFakePool()
	s.RegisterPool(0, pool)

	short := pool.alloc()
	long := pool.alloc()

	shortIdx := EncodeIndex(0, short)
	longIdx := EncodeIndex(0, long)

	pool.Shadow(short).FrameInterval = 1
	pool.Shadow(long).FrameInterval = 4

	if err := s.LinkPeriodic(shortIdx, 0, 1); err != nil {
		t.Fatalf("LinkPeriodic(short): %v", err)
	}

	if err := s.LinkPeriodic(longIdx, 0, 4); err != nil {
		t.Fatalf("LinkPeriodic(long): %v", err)
	}

	if s.frames[0].Head != longIdx {
		t.Fatalf("frame 0 head = %#x, want long element %#x (longer interval first)", s.frames[0].Head, longIdx)
	}

	if pool.Shadow(long).BreadthNext != shortIdx {
		t.Fatalf("long.BreadthNext = %#x, want short %#x", pool.Shadow(long).BreadthNext, shortIdx)
	}
}
