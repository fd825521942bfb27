// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ahci implements the AHCI PortCommandEngine: SATA command-slot
// bring-up, dispatch and completion over a port's command list, command
// tables and received-FIS area.
package ahci

// Regs is the register access surface a PortCommandEngine needs from its
// owning hostctl.ControllerRegs: generic HBA registers plus per-port
// registers, addressed relative to the ABAR MMIO window. Kept as a small
// interface (rather than a direct dependency on hostctl) to avoid an
// import cycle between the two packages.
type Regs interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// Generic HBA register offsets, per AHCI 1.3.1 §3.1.
const (
	regCapabilities         = 0x00
	regGlobalHostControl    = 0x04
	regInterruptStatus      = 0x08
	regPortsImplemented     = 0x0C
	regVersion              = 0x10
	regCCControl            = 0x14
	regCCPorts              = 0x18
	regEMLocation           = 0x1C
	regEMControl            = 0x20
	regCapabilitiesExtended = 0x24
	regOSControlAndStatus   = 0x28
)

// Capabilities (CAP) bits, per AHCI 1.3.1 §3.1.1.
const (
	capSXS  = 0x20
	capEMS  = 0x40
	capCCCS = 0x80
	capSSS  = 0x8000000
	capS64A = 0x80000000
)

func capNP(cap uint32) int  { return int(cap&0x1f) + 1 }
func capNCS(cap uint32) int { return int((cap>>8)&0x1f) + 1 }

// Global Host Control (GHC) bits, per AHCI 1.3.1 §3.1.2.
const (
	ghcHR = 0x1
	ghcIE = 0x2
	ghcAE = 0x80000000
)

// portBase returns the offset of port n's register block, per AHCI
// 1.3.1 §3.3.
func portBase(n int) uint32 { return 0x100 + uint32(n)*0x80 }

// Per-port register offsets, relative to portBase(n), per AHCI 1.3.1
// §3.3.
const (
	pregCLB    = 0x00
	pregCLBU   = 0x04
	pregFB     = 0x08
	pregFBU    = 0x0C
	pregIS     = 0x10
	pregIE     = 0x14
	pregCMD    = 0x18
	pregTFD    = 0x20
	pregSIG    = 0x24
	pregSSTS   = 0x28
	pregSCTL   = 0x2C
	pregSERR   = 0x30
	pregSACT   = 0x34
	pregCI     = 0x38
	pregSNTF   = 0x3C
	pregFBS    = 0x40
	pregDEVSLP = 0x44
)

// PxCMD bits, per AHCI 1.3.1 §3.3.7.
const (
	cmdST  = 0x1
	cmdSUD = 0x2
	cmdPOD = 0x4
	cmdCLO = 0x8
	cmdFRE = 0x10
	cmdFR  = 0x4000
	cmdCR  = 0x8000

	cmdCCSShift = 8
	cmdCCSMask  = 0x1f

	cmdICCShift = 28
	cmdICCMask  = 0xf
	cmdICCIdle   = 0x0
	cmdICCActive = 0x1
)

// PxIS / PxIE bits, per AHCI 1.3.1 §3.3.5-3.3.6 (IS and IE share the
// same bit layout).
const (
	isDHRE  = 0x1
	isPSE   = 0x2
	isDSE   = 0x4
	isSDBE  = 0x8
	isUFE   = 0x10
	isDPE   = 0x20
	isPCE   = 0x40
	isDMPE  = 0x80
	isPRCE  = 0x400000
	isIPME  = 0x800000
	isOFE   = 0x1000000
	isINFE  = 0x4000000
	isIFE   = 0x8000000
	isHBDE  = 0x10000000
	isHBFE  = 0x20000000
	isTFEE  = 0x40000000
	isCPDE  = 0x80000000

	// ieMask is the interrupt-enable set a port bring-up programs.
	ieMask = isDHRE | isPSE | isDSE | isSDBE | isUFE | isPRCE | isIPME |
		isOFE | isINFE | isIFE | isHBDE | isHBFE | isTFEE | isCPDE | isPCE

	// fatalMask identifies the error bits that require a full port
	// reset rather than a single-slot abort.
	fatalMask = isHBFE | isHBDE | isIFE
)

// PxTFD bits, per AHCI 1.3.1 §3.3.8.
const (
	tfdERR = 0x1
	tfdDRQ = 0x8
	tfdRDY = 0x40
	tfdBSY = 0x80
)

// PxSCTL bits, per AHCI 1.3.1 §3.3.11.
const (
	sctlDETInit             = 0x1
	sctlDisablePartialState = 0x100
	sctlDisableSlumberState = 0x200
)

// PxSSTS.DET codes, per AHCI 1.3.1 §3.3.10.
const (
	sstsDETNoDevice = 0x0
	sstsDETNoPhy    = 0x1
	sstsDETEnabled  = 0x3
)

func sstsDET(v uint32) uint32 { return v & 0xf }

// portRegs wraps the owning Regs with the per-port offset already baked in.
type portRegs struct {
	r    Regs
	base uint32
}

func (p portRegs) read(off uint32) uint32       { return p.r.Read32(p.base + off) }
func (p portRegs) write(off uint32, val uint32) { p.r.Write32(p.base+off, val) }
