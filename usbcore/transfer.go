// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbcore implements the family-independent USB transaction
// manager: it decomposes a submitted Transfer into chains of hardware
// descriptors (via a per-family QueueHandler), dispatches them through a
// sched.Scheduler, and drives interrupt-driven completion, short/partial
// recovery and data-toggle coherence across retries.
package usbcore

import (
	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// Address identifies a USB endpoint, including the transaction-
// translator hub/port pair used by low/full-speed devices behind a
// high-speed hub.
type Address struct {
	Device   uint8
	Endpoint uint8
	Hub      uint8
	Port     uint8
}

// key packs the (device, endpoint) pair used to index the toggle map;
// hub/port never affect data toggle so they are excluded.
func (a Address) key() uint16 {
	return uint16(a.Device)<<8 | uint16(a.Endpoint)
}

// Phase is one of a transfer's up to three transactions: SETUP/DATA/
// STATUS for Control, or up to three data phases otherwise.
type Phase struct {
	SG     *dma.SgTable
	Data   []byte
	Length int
	Toggle uint8
}

// State is a Transfer's lifecycle state: Queued on submission,
// InProgress on first hardware dispatch, Finished on retirement. It is
// distinct from Status (sched.Status), which carries the hardware
// outcome code exposed to the client once the transfer reaches a
// terminal state.
type State int

const (
	NotProcessed State = iota
	Queued
	InProgress
	Finished
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case InProgress:
		return "InProgress"
	case Finished:
		return "Finished"
	default:
		return "NotProcessed"
	}
}

// Flags holds a Transfer's non-exclusive condition flags.
type Flags struct {
	Partial    bool
	Short      bool
	Sync       bool
	Cleanup    bool
	Unschedule bool
}

// Transfer represents a single logical I/O request submitted by a
// client.
type Transfer struct {
	ID uint64

	Kind      sched.TransferKind
	Direction sched.Direction
	Speed     sched.Speed
	Address   Address

	MaxPacketSize int
	IntervalLog2  int

	SG           *dma.SgTable
	Transactions [3]Phase

	ElementsTotal     int
	ElementsCompleted int
	BytesTransferred  [3]int

	Flags Flags
	State State
	// Status is only meaningful once State == Finished.
	Status sched.Status

	// RootElement is the encoded pool index of the first hardware
	// descriptor (QH for async families, first TD/iTD for families with
	// no QH concept) anchoring this transfer's chain.
	RootElement uint16
	ChainLength int

	// Period/StartFrame/FrameMask are populated by the family handler
	// when Link reserves periodic bandwidth, so Dequeue can call
	// Scheduler.UnlinkPeriodic/Free symmetrically.
	Period     int
	StartFrame int
	FrameMask  uint8

	// handler-private scratch, e.g. a ring cursor for periodic restart.
	Priv any
}

// TotalBytesTransferred sums the three transaction byte counts.
func (t *Transfer) TotalBytesTransferred() int {
	return t.BytesTransferred[0] + t.BytesTransferred[1] + t.BytesTransferred[2]
}

// TotalRequested sums the three transaction requested lengths.
func (t *Transfer) TotalRequested() int {
	return t.Transactions[0].Length + t.Transactions[1].Length + t.Transactions[2].Length
}

// IsPeriodic reports whether the transfer belongs to the periodic
// schedule (Interrupt or Isochronous); periodic transfers hold their
// reserved bandwidth through RootElement until unscheduled.
func (t *Transfer) IsPeriodic() bool {
	return t.Kind == sched.Interrupt || t.Kind == sched.Isochronous
}
