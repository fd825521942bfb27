// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
)

// ProcessElement implements usbcore.QueueHandler.
func (q *Queue) ProcessElement(elem uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	pool, slot := sched.DecodeIndex(elem)

	if pool == poolQH {
		return q.processQH(slot, reason, t, m)
	}

	return q.processTD(slot, reason, t, m)
}

func (q *Queue) processQH(slot uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	switch reason {
	case usbcore.Cleanup:
		if tds, ok := t.Priv.([]*TD); ok {
			for _, td := range tds {
				q.TDs.Free(tdSlotOf(td))
			}
		}

		q.QHs.Free(slot)
	}

	return usbcore.Continue
}

func (q *Queue) processTD(slot uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	td := q.TDs.Get(slot)

	switch reason {
	case usbcore.Scan:
		return q.scanTD(td, t, m)

	case usbcore.FixToggle:
		td.SetToggle(m.Toggle(t.Address))
		td.Sync(q.Region)
		return usbcore.Continue

	case usbcore.Reset:
		q.rearmTD(td)
		return usbcore.Continue

	case usbcore.Cleanup:
		q.TDs.Free(slot)
		return usbcore.Continue

	default:
		return usbcore.Continue
	}
}

func (q *Queue) scanTD(td *TD, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	td.Load(q.Region)

	if td.Active() {
		if t.ElementsCompleted > 0 {
			t.Flags.Sync = true
		}

		return usbcore.Stop
	}

	cc := td.ConditionCode()
	actual := td.ActualLength()
	requested := td.RequestedLength()

	t.ElementsCompleted++

	phase := td.Phase()
	if phase < len(t.BytesTransferred) {
		t.BytesTransferred[phase] += actual
	}

	if cc != sched.StatusOK {
		t.Status = cc

		if cc == sched.StatusStall || cc == sched.StatusBabble {
			m.SetToggle(t.Address, 0)
			t.Flags.Sync = true
		}

		return usbcore.Remove
	}

	if actual < requested {
		t.Flags.Short = true
		t.Status = sched.StatusShort

		// The endpoint's next toggle is the opposite of this short TD's
		// own toggle (the next TD, never executed by hardware, is
		// discarded); flag Sync so the manager rewrites sibling transfers
		// on the same endpoint from the toggle map.
		m.SetToggle(t.Address, td.Toggle()^1)
		t.Flags.Sync = true

		return usbcore.Remove
	}

	if t.ElementsCompleted == t.ElementsTotal {
		t.Status = sched.StatusOK
	}

	return usbcore.Remove
}

// rearmTD clears a periodic TD's status/error bits and re-activates it
// in place for its next interval.
func (q *Queue) rearmTD(td *TD) {
	td.CS |= csActive
	td.CS &^= (csStalled | csBabble | csBufferErr | csCRCTimeout | csNAK)
	td.CS &^= csActLenMask
	td.Sync(q.Region)
}

// ProcessEvent implements usbcore.QueueHandler.
func (q *Queue) ProcessEvent(event usbcore.Event, t *usbcore.Transfer, m *usbcore.TransferManager) {
	// UHCI has no QH overlay distinct from its TDs to refresh after a
	// periodic restart.
}
