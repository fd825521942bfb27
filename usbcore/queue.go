// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

// Reason selects what a family QueueHandler.ProcessElement call is being
// asked to do to one chain element.
type Reason int

const (
	// Dump prints/collects diagnostic state for the element.
	Dump Reason = iota
	// Scan inspects the element's hardware status byte during
	// completion processing.
	Scan
	// Reset re-arms a periodic element in place (refresh buffer
	// pointers, clear status) for its next interval.
	Reset
	// FixToggle rewrites the element's data-toggle bit after a sync
	// event on its endpoint.
	FixToggle
	// Link publishes the element's hardware link fields (e.g. disabling
	// prefetch around an EHCI QH link/unlink).
	Link
	// Unlink reverses Link.
	Unlink
	// Cleanup frees any family-private side state before the element's
	// pool slot is released.
	Cleanup
)

func (r Reason) String() string {
	switch r {
	case Dump:
		return "Dump"
	case Scan:
		return "Scan"
	case Reset:
		return "Reset"
	case FixToggle:
		return "FixToggle"
	case Link:
		return "Link"
	case Unlink:
		return "Unlink"
	case Cleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// WalkResult is returned by ProcessElement to tell the chain-walk driver
// how to proceed.
type WalkResult int

const (
	// Stop halts the walk at this element (it is still active/pending).
	Stop WalkResult = iota
	// Continue advances the walk to the next element.
	Continue
	// Remove advances the walk and marks this element for removal from
	// the chain (its pool slot may be reclaimed once unlinked).
	Remove
)

// Event is a family-specific notification not tied to a single element.
type Event int

const (
	// RestartDone fires after a periodic transfer's TDs have all been
	// refreshed and re-armed, so the handler can refresh any QH overlay.
	RestartDone Event = iota
)

// QueueHandler is implemented once per controller family (UHCI, OHCI,
// EHCI): building a transfer's descriptor chain, walking/mutating one
// element for a given Reason, and reacting to manager-level Events. This
// inversion keeps family differences (e.g. EHCI's prefetch-disable dance
// around QH link/unlink) contained to the family package.
type QueueHandler interface {
	// BuildChain allocates and fills the hardware descriptors for t,
	// setting t.RootElement, t.ChainLength, t.ElementsTotal and
	// t.Transactions[*].Toggle. It returns an error only on a condition
	// the caller cannot recover from (e.g. no queue head could be
	// allocated; bandwidth is reserved later, in Link); running out
	// of descriptors mid-fill is reported by setting t.Flags.Partial and
	// returning nil with whatever chain was built.
	BuildChain(t *Transfer, m *TransferManager) error

	// Link publishes the already-built chain for the controller to walk
	// (async queue insertion, or Scheduler.LinkPeriodic).
	Link(t *Transfer, m *TransferManager) error

	// Unlink reverses Link.
	Unlink(t *Transfer, m *TransferManager) error

	// ProcessElement is called by the manager's chain walker for every
	// element of a transfer's chain, for the given Reason.
	ProcessElement(elem uint16, reason Reason, t *Transfer, m *TransferManager) WalkResult

	// ProcessEvent notifies the handler of a manager-level event.
	ProcessEvent(event Event, t *Transfer, m *TransferManager)
}
