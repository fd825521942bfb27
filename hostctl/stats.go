// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostctl

// Stats carries per-controller counters: a plain counter struct guarded
// by the owning Controller's lock rather than individually-atomic
// fields.
type Stats struct {
	TransfersSubmitted  uint32
	TransfersCompleted  uint32
	ShortPackets        uint32
	Stalls              uint32
	NAKs                uint32
	BandwidthRejections uint32
	FatalResets         uint32
}
