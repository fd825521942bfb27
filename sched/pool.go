// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sched

import (
	"fmt"

	"github.com/go-hostctl/hcd/dma"
)

// Descriptor is implemented by every hardware descriptor type held in a
// DescriptorPool: a fixed-size, DMA-backed struct whose tail carries a
// SchedulerObject shadow.
type Descriptor interface {
	Shadow() *SchedulerObject
}

// Pool is the subset of DescriptorPool[T] the Scheduler needs, with T
// erased — it lets a Scheduler address elements across pools of
// different concrete descriptor types via their encoded index alone.
type Pool interface {
	Shadow(slot uint16) *SchedulerObject
	Free(slot uint16)
}

// DescriptorPool is a fixed-count arena of DMA-backed hardware
// descriptors of type T, backed by a single contiguous, uncacheable DMA
// region. Allocation is a linear scan of the allocation bit embedded in
// each element's shadow.
type DescriptorPool[T Descriptor] struct {
	index    PoolIndex
	addr     uint
	elemSize int

	elements      []T
	reservedCount int
}

// NewDescriptorPool reserves capacity*elemSize bytes of region, aligned
// to align bytes, and constructs each element by calling newElem with its
// physical address. The first reservedCount slots are allocated once,
// up-front, and never freed: they serve as chain terminators and
// async-queue anchors.
func NewDescriptorPool[T Descriptor](idx PoolIndex, region *dma.Region, capacity int, elemSize int, align int, reservedCount int, newElem func(addr uint) T) *DescriptorPool[T] {
	addr, _ := region.Reserve(capacity*elemSize, align)

	p := &DescriptorPool[T]{
		index:         idx,
		addr:          addr,
		elemSize:      elemSize,
		elements:      make([]T, capacity),
		reservedCount: reservedCount,
	}

	for i := 0; i < capacity; i++ {
		e := newElem(addr + uint(i*elemSize))

		*e.Shadow() = SchedulerObject{
			Index:       EncodeIndex(idx, uint16(i)),
			BreadthNext: NoIndex,
			DepthNext:   NoIndex,
		}

		p.elements[i] = e
	}

	for i := 0; i < reservedCount && i < capacity; i++ {
		p.elements[i].Shadow().Flags |= FlagAllocated
	}

	return p
}

// Allocate scans from reservedCount..capacity for a free slot, zeroing
// its shadow and re-stamping its index and link fields to NoIndex.
func (p *DescriptorPool[T]) Allocate() (T, error) {
	var zero T

	for i := p.reservedCount; i < len(p.elements); i++ {
		sh := p.elements[i].Shadow()

		if sh.Flags&FlagAllocated != 0 {
			continue
		}

		*sh = SchedulerObject{
			Flags:       FlagAllocated,
			Index:       EncodeIndex(p.index, uint16(i)),
			BreadthNext: NoIndex,
			DepthNext:   NoIndex,
		}

		return p.elements[i], nil
	}

	return zero, fmt.Errorf("sched: pool %d: %w", p.index, ErrOutOfPool)
}

// Shadow implements Pool.
func (p *DescriptorPool[T]) Shadow(slot uint16) *SchedulerObject {
	if int(slot) >= len(p.elements) {
		return nil
	}

	return p.elements[slot].Shadow()
}

// Free clears the shadow allocation bits and zeroes the link fields.
// Bandwidth release, when the freed element had reserved bandwidth, is
// the Scheduler's responsibility (see Scheduler.Free) since only it can
// address the bandwidth array.
func (p *DescriptorPool[T]) Free(slot uint16) {
	if int(slot) < p.reservedCount || int(slot) >= len(p.elements) {
		return
	}

	*p.elements[slot].Shadow() = SchedulerObject{
		Index:       EncodeIndex(p.index, slot),
		BreadthNext: NoIndex,
		DepthNext:   NoIndex,
	}
}

// Get returns the element at slot.
func (p *DescriptorPool[T]) Get(slot uint16) T {
	return p.elements[slot]
}

// IndexOf returns the encoded (pool, slot) index for slot.
func (p *DescriptorPool[T]) IndexOf(slot uint16) uint16 {
	return EncodeIndex(p.index, slot)
}

// PhysOf returns the physical address of the descriptor at slot.
func (p *DescriptorPool[T]) PhysOf(slot uint16) uint {
	return p.addr + uint(int(slot)*p.elemSize)
}

// Len returns the pool's fixed capacity.
func (p *DescriptorPool[T]) Len() int {
	return len(p.elements)
}
