// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"bytes"
	"encoding/binary"

	"github.com/go-hostctl/hcd/dma"
	"github.com/go-hostctl/hcd/sched"
)

// QH is the UHCI Queue Head: two hardware link words (head + element).
// It is padded to 16 bytes like a TD so both descriptor types can share
// a DescriptorPool element size.
type QH struct {
	Head    uint32
	Element uint32
	_pad0   uint32
	_pad1   uint32

	shadow sched.SchedulerObject
	addr   uint
}

const qhSize = 16

// NewQH constructs a QH whose hardware fields live at phys addr.
func NewQH(addr uint) *QH {
	return &QH{addr: addr, Head: linkTerminate, Element: linkTerminate}
}

// Shadow implements sched.Descriptor.
func (q *QH) Shadow() *sched.SchedulerObject { return &q.shadow }

// Addr returns this QH's physical address.
func (q *QH) Addr() uint { return q.addr }

// SetElement points the QH's element link at a TD's physical address, or
// clears it (terminate) when tdAddr is 0.
func (q *QH) SetElement(tdAddr uint32) {
	if tdAddr == 0 {
		q.Element = linkTerminate
		return
	}

	q.Element = tdAddr
}

func (q *QH) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, q.Head)
	binary.Write(buf, binary.LittleEndian, q.Element)
	binary.Write(buf, binary.LittleEndian, q._pad0)
	binary.Write(buf, binary.LittleEndian, q._pad1)
	region.Write(q.addr, 0, buf.Bytes())
}

func (q *QH) Load(region *dma.Region) {
	buf := make([]byte, qhSize)
	region.Read(q.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &q.Head)
	binary.Read(r, binary.LittleEndian, &q.Element)
}

// NumQueues is the count of dedicated periodic interrupt queues
// (intervals 1, 2, 4, ..., 128 frames) plus the async anchor queue.
const (
	NumInterruptQueues = 8
	AsyncQueue         = 8
	NumQueues          = 9
)
