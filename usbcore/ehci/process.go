// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"github.com/go-hostctl/hcd/sched"
	"github.com/go-hostctl/hcd/usbcore"
)

// ProcessElement implements usbcore.QueueHandler.
func (q *Queue) ProcessElement(elem uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	pool, slot := sched.DecodeIndex(elem)

	switch pool {
	case poolQH:
		return q.processQH(slot, reason, t, m)
	case poolITD:
		return q.processITD(slot, reason, t, m)
	default:
		return q.processQTD(slot, reason, t, m)
	}
}

// processQH handles the root QH element of a control/bulk/interrupt
// chain: it carries no transaction state of its own (that lives in the
// qTD chain hung off its DepthNext), so only Cleanup does anything.
func (q *Queue) processQH(slot uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	switch reason {
	case usbcore.Cleanup:
		if tds, ok := t.Priv.([]*QTD); ok {
			for _, td := range tds {
				q.QTDs.Free(qtdSlotOf(td))
			}
		}

		q.QHs.Free(slot)
	}

	return usbcore.Continue
}

func (q *Queue) processQTD(slot uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	td := q.QTDs.Get(slot)

	switch reason {
	case usbcore.Scan:
		return q.scanQTD(td, t, m)

	case usbcore.FixToggle:
		td.SetToggle(m.Toggle(t.Address))
		td.Sync(q.Region)
		return usbcore.Continue

	case usbcore.Reset:
		q.rearmQTD(td)
		return usbcore.Continue

	case usbcore.Cleanup:
		q.QTDs.Free(slot)
		return usbcore.Continue

	default:
		return usbcore.Continue
	}
}

// scanQTD inspects one retired qTD during a completion pass, mirroring
// the UHCI/OHCI short-packet and error-recovery semantics.
func (q *Queue) scanQTD(td *QTD, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
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

		m.SetToggle(t.Address, td.Toggle()^1)
		t.Flags.Sync = true

		return usbcore.Remove
	}

	if t.ElementsCompleted == t.ElementsTotal {
		t.Status = sched.StatusOK
	}

	return usbcore.Remove
}

// rearmQTD restores a periodic qTD's Token/Buffers to their Fill-time
// state.
func (q *Queue) rearmQTD(td *QTD) {
	td.Reset()
	td.Sync(q.Region)
}

// processITD scans every still-pending microframe transaction in an
// isochronous iTD; the element is retired (Remove) once every
// transaction in it has been reaped by hardware.
func (q *Queue) processITD(slot uint16, reason usbcore.Reason, t *usbcore.Transfer, m *usbcore.TransferManager) usbcore.WalkResult {
	td := q.ITDs.Get(slot)

	switch reason {
	case usbcore.Scan:
		return q.scanITD(td, t)

	case usbcore.Cleanup:
		q.ITDs.Free(slot)
		return usbcore.Continue

	default:
		return usbcore.Continue
	}
}

func (q *Queue) scanITD(td *ITD, t *usbcore.Transfer) usbcore.WalkResult {
	td.Load(q.Region)

	anyActive := false

	for n := 0; n < 8; n++ {
		if td.RequestedLength(n) == 0 && td.Transactions[n] == 0 {
			continue
		}

		if td.Active(n) {
			anyActive = true
			continue
		}

		cc := td.ConditionCode(n)
		actual := td.ActualLength(n)

		t.ElementsCompleted++
		t.BytesTransferred[0] += actual

		if cc != sched.StatusOK && t.Status == sched.StatusOK {
			t.Status = cc
		}
	}

	if anyActive {
		return usbcore.Stop
	}

	return usbcore.Remove
}

// ProcessEvent implements usbcore.QueueHandler: after a periodic qTD
// chain is restarted, the owning QH's overlay must be reseeded from the
// (now re-armed) first qTD so hardware's cached Token/Buffers match.
func (q *Queue) ProcessEvent(event usbcore.Event, t *usbcore.Transfer, m *usbcore.TransferManager) {
	if event != usbcore.RestartDone {
		return
	}

	tds, ok := t.Priv.([]*QTD)
	if !ok || len(tds) == 0 {
		return
	}

	pool, slot := sched.DecodeIndex(t.RootElement)
	if pool != poolQH {
		return
	}

	qh := q.QHs.Get(slot)
	qh.LoadOverlayFrom(tds[0])
	qh.Current = uint32(tds[0].Addr())
	qh.Sync(q.Region)
}
