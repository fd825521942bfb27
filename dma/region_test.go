// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"bytes"
	"testing"
	"unsafe"
)

// regionKeepAlive pins every backing buffer handed to NewRegion in a
// hosted test: the region only remembers the buffer's address as a bare
// uint, which is invisible to the garbage collector.
var regionKeepAlive [][]byte

func newTestRegion(t *testing.T, size int) *Region {
	t.Helper()

	buf := make([]byte, size)
	regionKeepAlive = append(regionKeepAlive, buf)

	addr := uint(uintptr(unsafe.Pointer(&buf[0])))

	r, err := NewRegion(addr, size, false)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	return r
}

func TestReserveAlignsAndBacksSlice(t *testing.T) {
	r := newTestRegion(t, 1<<16)

	addr, buf := r.Reserve(64, 32)

	if addr%32 != 0 {
		t.Fatalf("addr %#x not 32-byte aligned", addr)
	}

	if len(buf) != 64 {
		t.Fatalf("len(buf) = %d, want 64", len(buf))
	}
}

func TestWriteReadRoundTripsAtBlockBase(t *testing.T) {
	r := newTestRegion(t, 1<<16)

	addr, _ := r.Reserve(256, 16)

	want := []byte{0xde, 0xad, 0xbe, 0xef}
	r.Write(addr, 0, want)

	got := make([]byte, 4)
	r.Read(addr, 0, got)

	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %x, want %x", got, want)
	}
}

// TestWriteReadResolvesInteriorAddress exercises the descriptor-pool
// pattern: one reserved block addressed per-descriptor at interior
// offsets.
func TestWriteReadResolvesInteriorAddress(t *testing.T) {
	r := newTestRegion(t, 1<<16)

	base, _ := r.Reserve(16*32, 32)
	elem := base + 7*32

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	r.Write(elem, 0, want)

	got := make([]byte, len(want))
	r.Read(elem, 0, got)

	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %x, want %x", got, want)
	}

	// The same bytes must be visible through the block base.
	got = make([]byte, len(want))
	r.Read(base, 7*32, got)

	if !bytes.Equal(got, want) {
		t.Fatalf("Read via base = %x, want %x", got, want)
	}
}

func TestFreeAllowsReuse(t *testing.T) {
	r := newTestRegion(t, 1<<12)

	a := r.Alloc([]byte{1, 2, 3, 4}, 4)
	r.Free(a)

	b := r.Alloc([]byte{5, 6, 7, 8}, 4)

	if b != a {
		t.Fatalf("re-allocation at %#x, want freed block %#x", b, a)
	}
}
