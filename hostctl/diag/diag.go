// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag exposes an optional HTTP diagnostics surface for one or
// more Controllers: live runtime charts at /debug/charts (via
// debugcharts) and per-controller transfer counters plus periodic
// bandwidth utilization at /debug/vars (via expvar). It is meant for a
// development/debug build of the surrounding daemon and is never
// imported by the driver core itself.
package diag

import (
	"expvar"
	"fmt"
	"net/http"
	"sync"

	// Registers the /debug/charts handlers and the runtime metric
	// collectors on http.DefaultServeMux.
	_ "github.com/mkevac/debugcharts"

	"github.com/go-hostctl/hcd/hostctl"
)

var (
	mu          sync.Mutex
	controllers = map[string]*hostctl.Controller{}
	published   bool
)

// Register adds a controller to the diagnostics surface under name.
// Registering the same name twice replaces the earlier controller, so a
// re-enumerated PCI function can keep its slot.
func Register(name string, c *hostctl.Controller) {
	mu.Lock()
	defer mu.Unlock()

	controllers[name] = c

	if published {
		return
	}

	published = true
	expvar.Publish("hostctl", expvar.Func(snapshot))
}

// Unregister removes a controller from the diagnostics surface.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()

	delete(controllers, name)
}

// snapshot renders every registered controller's counters and, for USB
// families, a bandwidth utilization summary. It is called by expvar on
// each /debug/vars request.
func snapshot() any {
	mu.Lock()
	defer mu.Unlock()

	out := map[string]any{}

	for name, c := range controllers {
		entry := map[string]any{
			"stats": c.Stats(),
		}

		if bw := c.BandwidthSnapshot(); bw != nil {
			used, peak := 0, 0

			for _, v := range bw {
				used += v

				if v > peak {
					peak = v
				}
			}

			entry["bandwidth_total_us"] = used
			entry["bandwidth_peak_frame_us"] = peak
			entry["frames"] = len(bw)
		}

		out[name] = entry
	}

	return out
}

// ListenAndServe starts the diagnostics HTTP server on addr, serving
// /debug/charts and /debug/vars from http.DefaultServeMux. It blocks
// like http.ListenAndServe; callers wanting a background server run it
// in a goroutine.
func ListenAndServe(addr string) error {
	if err := http.ListenAndServe(addr, nil); err != nil {
		return fmt.Errorf("diag: %w", err)
	}

	return nil
}
