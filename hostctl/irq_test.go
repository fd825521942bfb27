// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/go-hostctl/hcd/internal/apic"
)

func newTestRouter(t *testing.T) (*IRQRouter, []byte, []byte) {
	t.Helper()

	ioBuf := make([]byte, 4096)
	lapicBuf := make([]byte, 4096)
	regsKeepAlive = append(regsKeepAlive, ioBuf, lapicBuf)

	rt := &IRQRouter{
		LAPIC:  &apic.LAPIC{Base: uint(uintptr(unsafe.Pointer(&lapicBuf[0])))},
		IOAPIC: &apic.IOAPIC{Base: uint(uintptr(unsafe.Pointer(&ioBuf[0])))},
	}

	return rt, ioBuf, lapicBuf
}

func TestIRQRouterBindProgramsRedirectionEntry(t *testing.T) {
	rt, ioBuf, lapicBuf := newTestRouter(t)
	rt.Init()

	if lapicBuf[apic.LAPICSVR+1]&1 == 0 {
		t.Fatalf("LAPIC SVR enable bit not set by Init")
	}

	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}
	defer c.Close()

	handler, err := rt.Bind(c, 0, 32)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	entry := binary.LittleEndian.Uint32(ioBuf[apic.IOWIN:])

	if entry&0xff != 32 {
		t.Fatalf("redirection entry vector = %d, want 32", entry&0xff)
	}

	if entry&(1<<apic.REDTBL_MASK) != 0 {
		t.Fatalf("redirection entry still masked")
	}

	if got := handler(); got != NotHandled {
		t.Fatalf("handler with idle status = %v, want NotHandled", got)
	}

	cfg.Regs.Write32(uhciStatusOff, 0x1)

	if got := handler(); got != Handled {
		t.Fatalf("handler with pending status = %v, want Handled", got)
	}
}

func TestIRQRouterBindRejectsBadVector(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	if _, err := rt.Bind(nil, 0, apic.MinVector-1); err == nil {
		t.Fatalf("Bind accepted out-of-range vector")
	}
}
