// First-fit memory allocator for DMA buffers
// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for direct memory allocation and
// alignment of buffers that a PCI bus master (UHCI/OHCI/EHCI/AHCI
// controller) can read and write autonomously.
//
// This package is only meant to be used with `GOOS=tamago` as supported
// by a bare metal Go runtime, or under the `staticcheck` build tag for
// hosted lint/test builds.
package dma

import (
	"container/list"
	"fmt"
)

// Init initializes the global DMA region, the caller must guarantee that
// the passed memory range is never used by the Go runtime or garbage
// collector.
func Init(start uint, size uint) {
	dma = &Region{start: start, size: size}
	dma.init()
}

func (r *Region) init() {
	b := &block{
		addr: r.start,
		size: r.size,
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(b)

	r.usedBlocks = make(map[uint]*block)
}

// NewRegion allocates a new DMA region, separate from the global one
// initialized with Init(), e.g. to manage a single PCI BAR window (see
// internal/pci CapabilityMSIX.EnableInterrupt).
func NewRegion(start uint, size int, reserved bool) (r *Region, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid region size %d", size)
	}

	r = &Region{start: start, size: uint(size)}
	r.init()

	return r, nil
}

// Reserve allocates a slice of bytes within the global DMA region, see
// Region.Reserve.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved reports whether buf was allocated within the global DMA
// region, see Region.Reserved.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc allocates and copies buf into the global DMA region, see
// Region.Alloc.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read reads from the global DMA region, see Region.Read.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write writes into the global DMA region, see Region.Write.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free releases a buffer allocated with Alloc, see Region.Free.
func Free(addr uint) {
	dma.Free(addr)
}

// Release releases a buffer allocated with Reserve, see Region.Release.
func Release(addr uint) {
	dma.Release(addr)
}
