// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

import (
	"fmt"

	"github.com/go-hostctl/hcd/internal/apic"
)

// IRQRouter binds controller interrupt lines to the boot CPU through the
// platform LAPIC/IOAPIC pair. The surrounding runtime's interrupt
// trampoline invokes the handler returned by Bind with interrupts
// masked; everything heavier than the status-register read happens on
// the controller's bottom half.
type IRQRouter struct {
	LAPIC  *apic.LAPIC
	IOAPIC *apic.IOAPIC
}

// Init enables the local APIC and initializes the I/O APIC.
func (rt *IRQRouter) Init() {
	rt.LAPIC.Enable()
	rt.IOAPIC.Init()
}

// Bind routes gsi to vector through the IOAPIC redirection table and
// returns the top-half handler for that vector: it lets the controller
// claim (or decline) the interrupt, then signals EOI. The NotHandled
// verdict is passed through so a shared line can keep probing other
// devices behind the same GSI.
func (rt *IRQRouter) Bind(c *Controller, gsi int, vector int) (func() IRQResult, error) {
	if vector < apic.MinVector || vector > apic.MaxVector {
		return nil, fmt.Errorf("hostctl: vector %d out of range", vector)
	}

	rt.IOAPIC.EnableInterrupt(gsi, vector)

	return func() IRQResult {
		res := c.HandleInterrupt()
		rt.LAPIC.ClearInterrupt()

		return res
	}, nil
}
