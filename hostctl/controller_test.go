// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/go-hostctl/hcd/dma"
)

// regionKeepAlive pins every backing buffer handed to dma.NewRegion in a
// hosted test: the region only remembers the buffer's address as a bare
// uint, which is invisible to the garbage collector.
var regionKeepAlive [][]byte

// newTestRegion backs a dma.Region with real, GC-visible memory so that
// Region.Read/Write's unsafe pointer arithmetic targets valid addresses
// under a hosted test build, mirroring how the package is driven on
// tamago with a carved-out physical window.
func newTestRegion(t *testing.T, size int) *dma.Region {
	t.Helper()

	buf := make([]byte, size)
	regionKeepAlive = append(regionKeepAlive, buf)

	addr := uint(uintptr(unsafe.Pointer(&buf[0])))

	r, err := dma.NewRegion(addr, size, false)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	return r
}

func testUSBConfig(t *testing.T, family Family) Config {
	t.Helper()

	return Config{
		Family:               family,
		Regs:                 newTestMMIORegs(t, 4096),
		Region:               newTestRegion(t, 1<<20),
		FrameCount:           1024,
		SubframeCount:        1,
		MaxBandwidthPerFrame: 900,
		PoolSizes:            PoolSizes{TD: 16, QH: 8, ITD: 8},
	}
}

func TestNewUSBProgramsRunBitsUHCI(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}
	defer c.Close()

	if got := cfg.Regs.Read32(uhciCommandOff); got&uhciRunBit == 0 {
		t.Fatalf("USBCMD = %#x, want RUN bit set", got)
	}

	if got := cfg.Regs.Read32(uhciFrameBaseOff); got == 0 {
		t.Fatalf("FRBASEADDR = 0, want non-zero framelist base")
	}
}

func TestNewUSBProgramsRunBitsEHCI(t *testing.T) {
	cfg := testUSBConfig(t, EHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}
	defer c.Close()

	if got := cfg.Regs.Read32(ehciUSBCmdOff); got&ehciUSBCmdRun == 0 {
		t.Fatalf("USBCMD = %#x, want RUN bit set", got)
	}

	if got := cfg.Regs.Read32(ehciConfigFlagOff); got&ehciConfigFlagCF == 0 {
		t.Fatalf("CONFIGFLAG = %#x, want CF set", got)
	}
}

func TestNewUSBRejectsAHCIFamily(t *testing.T) {
	cfg := testUSBConfig(t, AHCI)

	if _, err := NewUSB(cfg); err == nil {
		t.Fatalf("NewUSB(AHCI) error = nil, want non-nil")
	}
}

func TestNewStorageStartsPortsAndEnablesGlobalInterrupts(t *testing.T) {
	cfg := Config{
		Family: AHCI,
		Regs:   newTestMMIORegs(t, 4096),
		Region: newTestRegion(t, 1<<20),
		Ports:  2,
	}

	c, err := NewStorage(cfg)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	defer c.Close()

	if len(c.ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(c.ports))
	}

	if got := cfg.Regs.Read32(ahciGlobalHostControlOff); got&ahciGHCIE == 0 {
		t.Fatalf("GHC = %#x, want IE set", got)
	}
}

func TestNewStorageRejectsNonAHCIFamily(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)
	cfg.Ports = 1

	if _, err := NewStorage(cfg); err == nil {
		t.Fatalf("NewStorage(UHCI) error = nil, want non-nil")
	}
}

func TestHandleInterruptReturnsNotHandledWhenStatusZero(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}
	defer c.Close()

	if got := c.HandleInterrupt(); got != NotHandled {
		t.Fatalf("HandleInterrupt = %v, want NotHandled", got)
	}
}

func TestHandleInterruptOrsPendingStatusAndReturnsHandled(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}

	// Stop the bottom half so it cannot race with this test's direct
	// inspection of pendingStatus.
	c.Close()

	cfg.Regs.Write32(uhciStatusOff, 0x1)

	if got := c.HandleInterrupt(); got != Handled {
		t.Fatalf("HandleInterrupt = %v, want Handled", got)
	}

	if atomic.LoadUint32(&c.pendingStatus) == 0 {
		t.Fatalf("pendingStatus = 0, want non-zero after a handled interrupt")
	}
}

func TestCloseIsIdempotentAndClearsRunBits(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if got := cfg.Regs.Read32(uhciCommandOff); got != 0 {
		t.Fatalf("USBCMD = %#x, want 0 after Close", got)
	}
}

func TestSubmitAfterCloseReturnsErrClosed(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}

	c.Close()

	if err := c.Submit(nil); err != ErrClosed {
		t.Fatalf("Submit error = %v, want ErrClosed", err)
	}
}

func TestPortResetPulsesAndClearsResetBit(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}
	defer c.Close()

	if err := c.PortReset(0); err != nil {
		t.Fatalf("PortReset: %v", err)
	}

	if got := cfg.Regs.Read32(portRegOffset(UHCI, 0)); got&uhciPortPR != 0 {
		t.Fatalf("PORTSC = %#x, want PR clear after reset completes", got)
	}
}

func TestPortStatusDecodesConnectAndEnableBits(t *testing.T) {
	cfg := testUSBConfig(t, UHCI)

	c, err := NewUSB(cfg)
	if err != nil {
		t.Fatalf("NewUSB: %v", err)
	}
	defer c.Close()

	cfg.Regs.Write32(portRegOffset(UHCI, 0), uhciPortCCS|uhciPortPE|uhciPortCSC)

	ev := c.PortStatus(0)
	if !ev.Connected || !ev.Enabled || !ev.ConnectChanged {
		t.Fatalf("PortStatus = %+v, want Connected, Enabled and ConnectChanged set", ev)
	}
}
