// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import (
	"errors"
	"time"
)

// ErrPortResetTimeout is returned by Controller.PortReset when the
// family's reset-complete bit never clears within the port's timeout.
var ErrPortResetTimeout = errors.New("hostctl: port reset timeout")

// PortChangeEvent reports a root-hub port's current state and which
// change-indicator bits are set, decoded from the family's native port
// status register, for the hub layer to act on.
type PortChangeEvent struct {
	Connected   bool
	Enabled     bool
	Suspended   bool
	Overcurrent bool
	ResetDone   bool

	ConnectChanged     bool
	EnableChanged      bool
	OvercurrentChanged bool
}

// Per-family root-hub port register layout.
const (
	// UHCI: 16-bit PORTSC registers at offset 0x10, one per port, 2
	// bytes apart.
	uhciPortBase   = 0x10
	uhciPortStride = 2

	uhciPortCCS  = 1 << 0
	uhciPortCSC  = 1 << 1
	uhciPortPE   = 1 << 2
	uhciPortPEC  = 1 << 3
	uhciPortSUSP = 1 << 12
	uhciPortPR   = 1 << 9

	// OHCI: 32-bit HcRhPortStatus[1..15] at offset 0x54, one per port,
	// 4 bytes apart.
	ohciPortBase   = 0x54
	ohciPortStride = 4

	ohciPortCCS  = 1 << 0
	ohciPortPES  = 1 << 1
	ohciPortPSS  = 1 << 2
	ohciPortPOCI = 1 << 3
	ohciPortPRS  = 1 << 4
	ohciPortCSC  = 1 << 16
	ohciPortPESC = 1 << 17
	ohciPortOCIC = 1 << 19

	// EHCI: 32-bit PORTSC[n] at offset 0x44, one per port, 4 bytes
	// apart, relative to the operational register base (already
	// folded into ControllerRegs.base by the caller, see
	// NewControllerRegs).
	ehciPortBase   = 0x44
	ehciPortStride = 4

	ehciPortCCS  = 1 << 0
	ehciPortCSC  = 1 << 1
	ehciPortPE   = 1 << 2
	ehciPortPEC  = 1 << 3
	ehciPortOCA  = 1 << 4
	ehciPortOCC  = 1 << 5
	ehciPortSUSP = 1 << 7
	ehciPortPR   = 1 << 8
)

func portRegOffset(f Family, port int) uint32 {
	switch f {
	case UHCI:
		return uhciPortBase + uint32(port)*uhciPortStride
	case OHCI:
		return ohciPortBase + uint32(port)*ohciPortStride
	default: // EHCI
		return ehciPortBase + uint32(port)*ehciPortStride
	}
}

func decodePortStatus(f Family, v uint32) PortChangeEvent {
	switch f {
	case UHCI:
		return PortChangeEvent{
			Connected:      v&uhciPortCCS != 0,
			Enabled:        v&uhciPortPE != 0,
			Suspended:      v&uhciPortSUSP != 0,
			ConnectChanged: v&uhciPortCSC != 0,
			EnableChanged:  v&uhciPortPEC != 0,
		}
	case OHCI:
		return PortChangeEvent{
			Connected:          v&ohciPortCCS != 0,
			Enabled:            v&ohciPortPES != 0,
			Suspended:          v&ohciPortPSS != 0,
			Overcurrent:        v&ohciPortPOCI != 0,
			ConnectChanged:     v&ohciPortCSC != 0,
			EnableChanged:      v&ohciPortPESC != 0,
			OvercurrentChanged: v&ohciPortOCIC != 0,
		}
	default: // EHCI
		return PortChangeEvent{
			Connected:          v&ehciPortCCS != 0,
			Enabled:            v&ehciPortPE != 0,
			Suspended:          v&ehciPortSUSP != 0,
			Overcurrent:        v&ehciPortOCA != 0,
			ConnectChanged:     v&ehciPortCSC != 0,
			EnableChanged:      v&ehciPortPEC != 0,
			OvercurrentChanged: v&ehciPortOCC != 0,
		}
	}
}

// portResetTimeout is the USB 2.0-mandated root-port reset pulse width
// (50ms), shared by all three families.
const portResetTimeout = 50 * time.Millisecond

// pollPortUntil spins on off waiting for bit to reach the given state.
// reg.WaitFor takes a bare memory address, which cannot express a
// port-I/O-backed register, so this goes through ControllerRegs'
// MMIO/port-I/O dispatch instead.
func pollPortUntil(regs *ControllerRegs, off uint32, bit uint32, set bool, timeout time.Duration) bool {
	start := time.Now()

	for {
		v := regs.Read32(off)
		if (v&bit != 0) == set {
			return true
		}

		if time.Since(start) >= timeout {
			return false
		}

		time.Sleep(100 * time.Microsecond)
	}
}

// resetBit returns the family's reset-request bit; PortReset waits for
// it to deassert before reporting the port back in enable state.
func resetBit(f Family) uint32 {
	switch f {
	case UHCI:
		return uhciPortPR
	case OHCI:
		return ohciPortPRS
	default:
		return ehciPortPR
	}
}
