// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-hostctl/hcd/sched"
)

// CompletionFunc is invoked once per transfer that reaches
// State==Finished, outside the manager's lock.
type CompletionFunc func(*Transfer)

// TransferManager accepts transfers, asks the controller's QueueHandler
// to allocate hardware descriptors for them, dispatches them through a
// sched.Scheduler, and drives interrupt-driven completion.
type TransferManager struct {
	mu sync.Mutex

	Scheduler *sched.Scheduler
	handler   QueueHandler

	// toggleMap tracks the next expected DATA0/DATA1 toggle per
	// endpoint, keyed on Address.key().
	toggleMap map[uint16]uint8

	// transfers holds every transfer in Queued or InProgress state, in
	// submission order. A transfer stays reachable from this list (and
	// is never freed) until it retires with a terminal status.
	transfers []*Transfer

	// pendingFree holds transfers whose chain has been unlinked and is
	// waiting for the doorbell/deferred-clean safe point before their
	// descriptors are released; the controller may still be walking an
	// unlinked chain until that point.
	pendingFree []*Transfer

	onComplete CompletionFunc
	nextID     uint64
}

// NewTransferManager constructs a TransferManager over the given
// scheduler and family handler.
func NewTransferManager(s *sched.Scheduler, h QueueHandler, onComplete CompletionFunc) *TransferManager {
	return &TransferManager{
		Scheduler:  s,
		handler:    h,
		toggleMap:  make(map[uint16]uint8),
		onComplete: onComplete,
	}
}

// Toggle returns the next expected data toggle for addr, defaulting to 0
// for an endpoint never seen before.
func (m *TransferManager) Toggle(addr Address) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.toggleMap[addr.key()]
}

// SetToggle records the next expected data toggle for addr.
func (m *TransferManager) SetToggle(addr Address, v uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.toggleMap[addr.key()] = v & 1
}

// ResetEndpoint zeroes addr's toggle map entry and cancels any in-flight
// transfers on that endpoint, for use after a CLEAR_FEATURE(HALT)
// returns the endpoint to DATA0.
func (m *TransferManager) ResetEndpoint(addr Address) {
	m.mu.Lock()
	delete(m.toggleMap, addr.key())

	var toCancel []*Transfer

	for _, t := range m.transfers {
		if t.Address.Device == addr.Device && t.Address.Endpoint == addr.Endpoint {
			toCancel = append(toCancel, t)
		}
	}
	m.mu.Unlock()

	for _, t := range toCancel {
		m.Dequeue(t)
	}
}

// Submit builds and dispatches a transfer's hardware descriptor chain.
// The transfer moves Queued → (linked) and is appended to the
// controller's transfer list.
func (m *TransferManager) Submit(t *Transfer) error {
	m.mu.Lock()
	m.nextID++
	t.ID = m.nextID
	m.mu.Unlock()

	t.State = Queued

	if err := m.handler.BuildChain(t, m); err != nil {
		t.State = Finished
		if errors.Is(err, sched.ErrNoBandwidth) {
			t.Status = sched.StatusNoBandwidth
		} else {
			t.Status = sched.StatusInvalid
		}

		return err
	}

	if err := m.handler.Link(t, m); err != nil {
		return fmt.Errorf("usbcore: link transfer %d: %w", t.ID, err)
	}

	m.mu.Lock()
	t.State = InProgress
	m.transfers = append(m.transfers, t)
	m.mu.Unlock()

	return nil
}

// Dequeue sets t.Flags.Unschedule; the next ScanAll pass unlinks its
// chain and, once safe, frees its descriptors. No synchronous
// cancellation is offered.
func (m *TransferManager) Dequeue(t *Transfer) {
	m.mu.Lock()
	t.Flags.Unschedule = true
	m.mu.Unlock()
}

// Transfers returns a snapshot of the currently tracked transfer list.
func (m *TransferManager) Transfers() []*Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Transfer, len(m.transfers))
	copy(out, m.transfers)

	return out
}

// ScanAll drives one bottom-half completion pass over every tracked
// transfer. Transfers are visited in submission order; each is scanned
// to completion before the next is inspected.
func (m *TransferManager) ScanAll() {
	m.mu.Lock()
	pending := append([]*Transfer(nil), m.transfers...)
	m.mu.Unlock()

	var finished []*Transfer
	var resyncAddrs []Address

	for _, t := range pending {
		if t.Flags.Unschedule {
			m.unlinkAndRetire(t)
			finished = append(finished, t)
			continue
		}

		m.scanOne(t)

		if t.Flags.Sync {
			resyncAddrs = append(resyncAddrs, t.Address)
			t.Flags.Sync = false
		}

		if t.State == Finished {
			finished = append(finished, t)
		}
	}

	for _, addr := range resyncAddrs {
		m.resyncToggles(addr)
	}

	m.retire(finished)

	if m.onComplete != nil {
		for _, t := range finished {
			m.onComplete(t)
		}
	}
}

// scanOne walks a single transfer's chain with ProcessElement(Scan); on
// short-packet, trailing TDs are not restarted (ResultStop halts the
// walk early); async transfers whose chain fully completed are queued
// for cleanup, periodic transfers are restarted in place.
func (m *TransferManager) scanOne(t *Transfer) {
	if t.RootElement == sched.NoIndex {
		return
	}

	allRemoved := true
	anyActive := false

	m.Scheduler.WalkChain(t.RootElement, false, func(idx uint16) bool {
		res := m.handler.ProcessElement(idx, Scan, t, m)

		switch res {
		case Stop:
			anyActive = true
			allRemoved = false
			return false
		case Remove:
			return true
		default:
			allRemoved = false
			return true
		}
	})

	if anyActive {
		return
	}

	// On a short packet, the handler already stopped returning Continue
	// past the short element; trailing TDs are cancelled simply by never
	// being restarted, so there is nothing further to do here.

	if t.IsPeriodic() && !t.Flags.Unschedule {
		m.restartPeriodic(t)
		return
	}

	if allRemoved || t.ElementsCompleted >= t.ElementsTotal {
		m.queueCleanup(t)
	}
}

func (m *TransferManager) restartPeriodic(t *Transfer) {
	m.Scheduler.WalkChain(t.RootElement, false, func(idx uint16) bool {
		m.handler.ProcessElement(idx, Reset, t, m)
		return true
	})

	m.handler.ProcessEvent(RestartDone, t, m)

	t.ElementsCompleted = 0
	for i := range t.BytesTransferred {
		t.BytesTransferred[i] = 0
	}
}

// resyncToggles handles a sync flag: every other transfer on the same
// endpoint address has its toggle bits rewritten to the resynced value
// held in the toggle map.
func (m *TransferManager) resyncToggles(addr Address) {
	m.mu.Lock()
	transfers := append([]*Transfer(nil), m.transfers...)
	m.mu.Unlock()

	// The resynced value itself was already written into the toggle map
	// by the handler's Scan call that detected the mismatch; here every
	// other transfer on the endpoint has its TDs rewritten to match it.
	for _, t := range transfers {
		if t.Address.Device != addr.Device || t.Address.Endpoint != addr.Endpoint {
			continue
		}

		if t.RootElement == sched.NoIndex {
			continue
		}

		m.Scheduler.WalkChain(t.RootElement, false, func(idx uint16) bool {
			m.handler.ProcessElement(idx, FixToggle, t, m)
			return true
		})
	}
}

// queueCleanup unlinks an async transfer's chain and defers freeing its
// descriptors to the next doorbell/safe point, once the controller has
// observed the removal.
func (m *TransferManager) queueCleanup(t *Transfer) {
	if t.Flags.Cleanup {
		return
	}

	t.Flags.Cleanup = true
	t.State = Finished

	// Unlink errors have nowhere else to surface; the transfer still
	// retires with whatever Status the scan computed.
	_ = m.handler.Unlink(t, m)

	m.mu.Lock()
	m.pendingFree = append(m.pendingFree, t)
	m.mu.Unlock()
}

func (m *TransferManager) unlinkAndRetire(t *Transfer) {
	if !t.Flags.Cleanup {
		m.handler.Unlink(t, m)
		t.Flags.Cleanup = true
	}

	t.State = Finished

	m.mu.Lock()
	m.pendingFree = append(m.pendingFree, t)
	m.mu.Unlock()
}

// DrainDoorbell is called by the controller once it has observed the
// hardware doorbell/safe-point signal (EHCI async advance, OHCI SOF,
// AHCI deferred clean), releasing every transfer queued by queueCleanup.
func (m *TransferManager) DrainDoorbell() {
	m.drainPendingFree()
}

func (m *TransferManager) drainPendingFree() {
	m.mu.Lock()
	pending := m.pendingFree
	m.pendingFree = nil
	m.mu.Unlock()

	for _, t := range pending {
		m.handler.ProcessElement(t.RootElement, Cleanup, t, m)
	}
}

func (m *TransferManager) retire(finished []*Transfer) {
	if len(finished) == 0 {
		return
	}

	set := make(map[*Transfer]bool, len(finished))
	for _, t := range finished {
		set[t] = true
	}

	m.mu.Lock()
	kept := m.transfers[:0]

	for _, t := range m.transfers {
		if !set[t] {
			kept = append(kept, t)
		}
	}

	m.transfers = kept
	m.mu.Unlock()
}
