// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hostctl wires a family's descriptor-queue module (or the ahci
// PortCommandEngine) to a sched.Scheduler and usbcore.TransferManager
// over a PCI function's register window, and exposes the
// driver-to-controller entry points: transfer submission and dequeue,
// port reset and status, endpoint reset and (AHCI) storage transfer.
package hostctl

import (
	"github.com/go-hostctl/hcd/internal/pci"
	"github.com/go-hostctl/hcd/internal/reg"
)

// ControllerRegs is the register-window handle every family's register
// layer reads and writes through. UHCI is addressed through the legacy
// I/O port window (BAR0, PortIO true); OHCI, EHCI and AHCI are
// addressed through an MMIO BAR.
type ControllerRegs struct {
	Device *pci.Device

	base   uint
	portIO bool
}

// NewControllerRegs decodes dev's BAR n into a register window.
func NewControllerRegs(dev *pci.Device, bar int, portIO bool) *ControllerRegs {
	return &ControllerRegs{Device: dev, base: maskBARBase(dev.BaseAddress(bar), portIO), portIO: portIO}
}

// maskBARBase strips a BAR's type-encoding low bits, leaving the bare
// register-window base address.
func maskBARBase(base uint, portIO bool) uint {
	if portIO {
		// I/O-space BARs encode type in bit 0 (always 1) and bit 1
		// (reserved); the port address itself starts at bit 2.
		return base &^ 0x3
	}

	// Memory-space BARs encode type/prefetch in the low 4 bits.
	return base &^ 0xf
}

func (r *ControllerRegs) Read32(off uint32) uint32 {
	addr := r.base + uint(off)

	if r.portIO {
		return reg.In32(uint16(addr))
	}

	return reg.Read(addr)
}

func (r *ControllerRegs) Write32(off uint32, val uint32) {
	addr := r.base + uint(off)

	if r.portIO {
		reg.Out32(uint16(addr), val)
		return
	}

	reg.Write(addr, val)
}

func (r *ControllerRegs) Read16(off uint32) uint16 {
	addr := r.base + uint(off)

	if r.portIO {
		return reg.In16(uint16(addr))
	}

	return reg.Read16(addr)
}

func (r *ControllerRegs) Write16(off uint32, val uint16) {
	addr := r.base + uint(off)

	if r.portIO {
		reg.Out16(uint16(addr), val)
		return
	}

	reg.Write16(addr, val)
}
