// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "fmt"

// PageSize is the granularity at which a single scatter-gather segment
// must not cross a physical page boundary (no cross-page buffer may be
// described by a single hardware descriptor, e.g. a PRDT entry or TD
// buffer pointer page).
const PageSize = 0x1000

// Segment describes one physically-contiguous scatter-gather run.
type Segment struct {
	Addr uint
	Len  int
}

// End returns the address one past the last byte of the segment.
func (s Segment) End() uint {
	return s.Addr + uint(s.Len)
}

// SgTable is a client scatter-gather table: a list of (physical address,
// length) segments describing a possibly non-contiguous buffer, each
// segment entirely contained within one page.
type SgTable struct {
	Length   int
	Segments []Segment
}

// NewSgTable builds an SgTable for a single physically-contiguous
// allocation, splitting it into page-aligned segments.
func NewSgTable(addr uint, length int) (*SgTable, error) {
	if length <= 0 {
		return nil, fmt.Errorf("dma: invalid scatter-gather length %d", length)
	}

	t := &SgTable{Length: length}

	for remaining, cursor := length, addr; remaining > 0; {
		off := cursor % PageSize
		n := int(PageSize - off)

		if n > remaining {
			n = remaining
		}

		t.Segments = append(t.Segments, Segment{Addr: cursor, Len: n})

		cursor += uint(n)
		remaining -= n
	}

	return t, nil
}

// FromSegments builds an SgTable from pre-existing segments (e.g. a
// client-supplied scatter-gather list), validating the page-boundary
// and total-length invariants.
func FromSegments(segs []Segment) (*SgTable, error) {
	t := &SgTable{Segments: segs}

	for _, s := range segs {
		if s.Len <= 0 {
			return nil, fmt.Errorf("dma: invalid segment length %d", s.Len)
		}

		if s.Addr/PageSize != (s.End()-1)/PageSize {
			return nil, fmt.Errorf("dma: segment [%#x, %#x) crosses a page boundary", s.Addr, s.End())
		}

		t.Length += s.Len
	}

	return t, nil
}

// Validate32 reports an error if any segment lies above the 32-bit
// address space, for controllers lacking 64-bit DMA addressing
// capability.
func (t *SgTable) Validate32() error {
	for _, s := range t.Segments {
		if s.End()-1 > 0xffffffff {
			return fmt.Errorf("dma: segment [%#x, %#x) exceeds 32-bit address space", s.Addr, s.End())
		}
	}

	return nil
}

// Walk splits the table into chunks of at most maxChunk bytes, calling fn
// with each (address, length) chunk in order. Chunks never cross a
// segment boundary, matching the page-boundary invariant of the
// underlying segments. It is used by transfer/PRDT builders that must
// additionally cap each hardware descriptor below maxChunk (e.g. EHCI's
// 0x5000 QTD limit, AHCI's 4 MiB PRDT entry limit).
func (t *SgTable) Walk(startSeg int, startOff int, maxChunk int, fn func(addr uint, length int) bool) {
	for i := startSeg; i < len(t.Segments); i++ {
		seg := t.Segments[i]
		off := 0

		if i == startSeg {
			off = startOff
		}

		addr := seg.Addr + uint(off)
		remaining := seg.Len - off

		for remaining > 0 {
			n := remaining

			if maxChunk > 0 && n > maxChunk {
				n = maxChunk
			}

			if !fn(addr, n) {
				return
			}

			addr += uint(n)
			remaining -= n
		}
	}
}
