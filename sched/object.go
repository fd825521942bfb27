// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched implements the family-independent scheduling core shared
// by the USB (UHCI/OHCI/EHCI) and AHCI host controller drivers: a
// DMA-backed descriptor pool allocator, a bandwidth-aware periodic
// scheduler, and the chain/framelist linking primitives the per-family
// queue modules drive.
package sched

// SchedulerObject is the hardware-shadow metadata appended to every
// descriptor held in a DescriptorPool. The pool and Scheduler only ever
// touch this shadow; translating it to the family's actual hardware link
// fields is left to the family's ProcessElement(reason=Link/Unlink)
// handler, which alone knows the on-the-wire descriptor layout.
type SchedulerObject struct {
	Flags uint16

	// Index is this element's own encoded (pool, slot) identity.
	Index uint16

	// BreadthNext and DepthNext are encoded indices of the next element in
	// each chain direction, or NoIndex.
	BreadthNext uint16
	DepthNext   uint16

	FrameInterval int
	Bandwidth     int
	StartFrame    int
	FrameMask     uint8
}

// Shadow flag bits.
const (
	FlagAllocated = 1 << iota
	FlagBandwidth
	FlagIsochronous
	FlagProcessed
	// FlagLinkDepth marks that this element's chain link, when read by a
	// generic walker, should be followed depth-first rather than
	// breadth-first; families that never mix the two directions on one
	// element can ignore it.
	FlagLinkDepth
)

// NoIndex is the sentinel value marking the end of a scheduler chain, or
// an as-yet-unlinked element. It matches the 0xFFFF NULL index sentinel
// used by EHCI hardware chains, reused here for every family's shadow
// graph.
const NoIndex uint16 = 0xffff

// PoolIndex identifies one of up to 8 descriptor pools registered with a
// Scheduler (bits 12-14 of a SchedulerObject.Index, see EncodeIndex).
type PoolIndex uint8

// EncodeIndex packs a pool index and slot number into the 16-bit
// identity/link encoding used throughout the scheduler.
func EncodeIndex(pool PoolIndex, slot uint16) uint16 {
	return (uint16(pool) << 12) | (slot & 0x0fff)
}

// DecodeIndex splits an encoded index back into its pool and slot parts.
// It is undefined for NoIndex.
func DecodeIndex(idx uint16) (pool PoolIndex, slot uint16) {
	return PoolIndex(idx >> 12), idx & 0x0fff
}

func (o *SchedulerObject) next(breadth bool) uint16 {
	if breadth {
		return o.BreadthNext
	}

	return o.DepthNext
}

func (o *SchedulerObject) setNext(breadth bool, idx uint16) {
	if breadth {
		o.BreadthNext = idx
	} else {
		o.DepthNext = idx
	}
}
