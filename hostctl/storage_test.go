// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import (
	"testing"

	"github.com/go-hostctl/hcd/ahci"
	"github.com/go-hostctl/hcd/dma"
)

// Mirrors ahci's unexported port-register layout (not exported across
// the package boundary) so this test can seed a SATA device signature
// before NewStorage runs each port's bring-up sequence.
const (
	testAHCIPortBase  = 0x100
	testAHCIPortSSTS  = 0x28
	testAHCIPortSIG   = 0x24
	testAHCISSTSReady = 0x3
	testAHCISigATA    = 0x00000101
)

func newTestStorage(t *testing.T, ports int) (*Controller, *ControllerRegs) {
	t.Helper()

	regs := newTestMMIORegs(t, 8192)
	regs.Write32(testAHCIPortBase+testAHCIPortSSTS, testAHCISSTSReady)
	regs.Write32(testAHCIPortBase+testAHCIPortSIG, testAHCISigATA)

	cfg := Config{
		Family: AHCI,
		Regs:   regs,
		Region: newTestRegion(t, 1<<20),
		Ports:  ports,
	}

	c, err := NewStorage(cfg)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	return c, regs
}

func TestStorageTransferDispatchesAndUpdatesStats(t *testing.T) {
	c, _ := newTestStorage(t, 1)
	defer c.Close()

	sg, err := dma.NewSgTable(0x30000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	var doneTx *ahci.Transaction

	tx, err := c.StorageTransfer(0, 1, 1, 512, sg, ahci.Read, true, ahci.LBA48, func(t *ahci.Transaction) {
		doneTx = t
	})
	if err != nil {
		t.Fatalf("StorageTransfer: %v", err)
	}

	if tx.Done == nil {
		t.Fatalf("Done callback not wired onto the returned transaction")
	}

	tx.Done(tx)
	if doneTx != tx {
		t.Fatalf("Done callback did not fire with the dispatched transaction")
	}

	if got := c.Stats().TransfersSubmitted; got != 1 {
		t.Fatalf("TransfersSubmitted = %d, want 1", got)
	}
}

func TestStorageTransferRejectsOutOfRangePort(t *testing.T) {
	c, _ := newTestStorage(t, 1)
	defer c.Close()

	sg, err := dma.NewSgTable(0x30000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	if _, err := c.StorageTransfer(5, 1, 1, 512, sg, ahci.Read, true, ahci.LBA48, nil); err == nil {
		t.Fatalf("StorageTransfer(port=5) error = nil, want non-nil")
	}
}

func TestStorageTransferAfterCloseReturnsErrClosed(t *testing.T) {
	c, _ := newTestStorage(t, 1)
	c.Close()

	sg, err := dma.NewSgTable(0x30000000, 512)
	if err != nil {
		t.Fatalf("NewSgTable: %v", err)
	}

	if _, err := c.StorageTransfer(0, 1, 1, 512, sg, ahci.Read, true, ahci.LBA48, nil); err != ErrClosed {
		t.Fatalf("StorageTransfer error = %v, want ErrClosed", err)
	}
}
