// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import "github.com/go-hostctl/hcd/dma"

// Family identifies which host-controller family a Controller drives,
// selecting its root-hub port-register layout (hostctl/ports.go) and, for
// AHCI, routing storage_transfer instead of submit_transfer.
type Family int

const (
	UHCI Family = iota
	OHCI
	EHCI
	AHCI
)

func (f Family) String() string {
	switch f {
	case UHCI:
		return "UHCI"
	case OHCI:
		return "OHCI"
	case EHCI:
		return "EHCI"
	case AHCI:
		return "AHCI"
	default:
		return "unknown"
	}
}

// PoolSizes gives the family queue module its DescriptorPool
// capacities. Families that do not use a given descriptor kind
// leave the corresponding field zero. QH also sizes OHCI's ED pool,
// since ohci.NewQueue takes the same "queue head" capacity role under a
// different descriptor name.
type PoolSizes struct {
	TD  int
	QH  int
	ITD int
}

// Config configures a Controller via a plain struct literal.
type Config struct {
	Family Family
	Regs   *ControllerRegs

	FrameCount           int
	SubframeCount        int
	MaxBandwidthPerFrame int

	PoolSizes PoolSizes

	// Region backs this controller's descriptors (framelist, TD/QH/iTD
	// pools, or AHCI command lists/tables/received-FIS areas). The
	// caller owns the underlying physical carve-out.
	Region *dma.Region

	// Ports is the number of implemented root-hub ports (USB families)
	// or SATA ports (AHCI), per CAP.NP / PORTSIMPLEMENTED.
	Ports int

	// Debug, when non-nil, receives one-line diagnostic strings for
	// completion/error events.
	Debug func(string, ...any)
}
