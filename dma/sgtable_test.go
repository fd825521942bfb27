// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "testing"

func TestNewSgTableSplitsOnPageBoundaries(t *testing.T) {
	// 0x1f00..0x30ff spans three pages: 256 + 4096 + 256 bytes.
	sg, err := NewSgTable(0x1f00, 256+4096+256)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	want := []Segment{
		{Addr: 0x1f00, Len: 256},
		{Addr: 0x2000, Len: 4096},
		{Addr: 0x3000, Len: 256},
	}

	if len(sg.Segments) != len(want) {
		t.Fatalf("got %d segments, want %d", len(sg.Segments), len(want))
	}

	total := 0

	for i, s := range sg.Segments {
		if s != want[i] {
			t.Fatalf("segment[%d] = %+v, want %+v", i, s, want[i])
		}

		total += s.Len
	}

	if total != sg.Length {
		t.Fatalf("segment lengths sum to %d, want Length %d", total, sg.Length)
	}
}

func TestFromSegmentsRejectsPageCrossing(t *testing.T) {
	_, err := FromSegments([]Segment{{Addr: 0x1f00, Len: 512}})
	if err == nil {
		t.Fatalf("expected error for segment crossing a page boundary")
	}
}

func TestFromSegmentsSumsLength(t *testing.T) {
	sg, err := FromSegments([]Segment{
		{Addr: 0x1000, Len: 4096},
		{Addr: 0x3000, Len: 512},
	})
	if err != nil {
		t.Fatalf("FromSegments: %v", err)
	}

	if sg.Length != 4608 {
		t.Fatalf("Length = %d, want 4608", sg.Length)
	}
}

func TestValidate32RejectsHighSegments(t *testing.T) {
	sg, err := FromSegments([]Segment{{Addr: 0x1_0000_0000, Len: 512}})
	if err != nil {
		t.Fatalf("FromSegments: %v", err)
	}

	if err := sg.Validate32(); err == nil {
		t.Fatalf("expected error for segment above 32-bit address space")
	}
}

func TestWalkCapsChunksAndHonorsSegmentBounds(t *testing.T) {
	sg, err := FromSegments([]Segment{
		{Addr: 0x1000, Len: 4096},
		{Addr: 0x4000, Len: 300},
	})
	if err != nil {
		t.Fatalf("FromSegments: %v", err)
	}

	var got []Segment

	sg.Walk(0, 0, 1024, func(addr uint, length int) bool {
		got = append(got, Segment{Addr: addr, Len: length})
		return true
	})

	want := []Segment{
		{Addr: 0x1000, Len: 1024},
		{Addr: 0x1400, Len: 1024},
		{Addr: 0x1800, Len: 1024},
		{Addr: 0x1c00, Len: 1024},
		{Addr: 0x4000, Len: 300},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(got), len(want), got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWalkResumesFromOffset(t *testing.T) {
	sg, err := FromSegments([]Segment{
		{Addr: 0x1000, Len: 4096},
		{Addr: 0x4000, Len: 512},
	})
	if err != nil {
		t.Fatalf("FromSegments: %v", err)
	}

	var got []Segment

	sg.Walk(0, 4000, 0, func(addr uint, length int) bool {
		got = append(got, Segment{Addr: addr, Len: length})
		return true
	})

	want := []Segment{
		{Addr: 0x1fa0, Len: 96},
		{Addr: 0x4000, Len: 512},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(got), len(want), got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
