// https://github.com/go-hostctl/hcd
//
// Copyright (c) The hostctl Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/go-hostctl/hcd/dma"
)

// ErrPRDTFull is the resource-exhaustion error a PRDT builder surfaces
// when a transaction's scatter-gather table needs more than prdtCount
// entries in one submission.
var ErrPRDTFull = errors.New("ahci: PRDT exhausted")

// Command list / table sizing, per AHCI 1.3.1 §4.2.2-4.2.3.
const (
	commandHeaderSize      = 32
	commandListSize        = commandHeaderSize * 32 // 32 slots
	prdtEntrySize          = 16
	commandTableHeaderSize = 128 // CFIS + ACMD + reserved
	commandTableSize       = 4096
	prdtCount              = (commandTableSize - commandTableHeaderSize) / prdtEntrySize // 248

	// PRDTMaxLength is the maximum byte count a single PRDT entry may
	// describe.
	PRDTMaxLength = 4 * 1024 * 1024
)

// CommandHeader bit layout (dword 0), per AHCI 1.3.1 §4.2.2.
const (
	chCFLMask      = 0x1f
	chATAPI        = 1 << 5
	chWrite        = 1 << 6
	chPrefetchable = 1 << 7
	chReset        = 1 << 8
	chBIST         = 1 << 9
	chClearBusy    = 1 << 10
	chPMPShift     = 12
	chPMPMask      = 0xf
)

// CommandHeader is one 32-byte entry of a port's 32-slot command list,
// per AHCI 1.3.1 §4.2.2.
type CommandHeader struct {
	Flags                    uint16
	TableLength              uint16
	PRDByteCount             uint32
	CmdTableBaseAddress      uint32
	CmdTableBaseAddressUpper uint32

	addr uint
}

func (h *CommandHeader) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h.Flags)
	binary.Write(buf, binary.LittleEndian, h.TableLength)
	binary.Write(buf, binary.LittleEndian, h.PRDByteCount)
	binary.Write(buf, binary.LittleEndian, h.CmdTableBaseAddress)
	binary.Write(buf, binary.LittleEndian, h.CmdTableBaseAddressUpper)
	binary.Write(buf, binary.LittleEndian, [4]uint32{})

	region.Write(h.addr, 0, buf.Bytes())
}

func (h *CommandHeader) Load(region *dma.Region) {
	buf := make([]byte, commandHeaderSize)
	region.Read(h.addr, 0, buf)

	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &h.Flags)
	binary.Read(r, binary.LittleEndian, &h.TableLength)
	binary.Read(r, binary.LittleEndian, &h.PRDByteCount)
	binary.Read(r, binary.LittleEndian, &h.CmdTableBaseAddress)
	binary.Read(r, binary.LittleEndian, &h.CmdTableBaseAddressUpper)
}

// Fill programs a command header's flags/table pointer.
func (h *CommandHeader) Fill(cfl uint8, write, atapi, clearBusy bool, pmp uint8, prdtEntries int, tableAddr uint) {
	flags := uint16(cfl) & chCFLMask
	if write {
		flags |= chWrite
	}
	if atapi {
		flags |= chATAPI
	}
	if clearBusy {
		flags |= chClearBusy
	}
	flags |= (uint16(pmp) & chPMPMask) << chPMPShift

	h.Flags = flags
	h.TableLength = uint16(prdtEntries)
	h.PRDByteCount = 0
	h.CmdTableBaseAddress = uint32(tableAddr)
	h.CmdTableBaseAddressUpper = uint32(tableAddr >> 32)
}

// PRDTEntry is one 16-byte physical region descriptor, per AHCI 1.3.1
// §4.2.3.3.
type PRDTEntry struct {
	DataBaseAddress      uint32
	DataBaseAddressUpper uint32
	Descriptor           uint32 // bits 0-21 byte count - 1, bit 31 IOC
}

const prdtDescriptorIOC = 1 << 31

func newPRDTEntry(addr uint, length int, ioc bool) PRDTEntry {
	e := PRDTEntry{
		DataBaseAddress:      uint32(addr),
		DataBaseAddressUpper: uint32(uint64(addr) >> 32),
		Descriptor:           uint32(length-1) & 0x3fffff,
	}

	if ioc {
		e.Descriptor |= prdtDescriptorIOC
	}

	return e
}

// CommandTable is a port's per-slot 4 KiB command table: a command FIS
// area, an ATAPI command area, and up to prdtCount PRDT entries, per
// AHCI 1.3.1 §4.2.3.
type CommandTable struct {
	CFIS [64]byte
	ACMD [16]byte

	PRDT []PRDTEntry

	addr uint
}

func newCommandTable(addr uint) *CommandTable {
	return &CommandTable{addr: addr}
}

// BuildPRDT walks sg starting at (segIdx, segOff), emitting entries
// capped at PRDTMaxLength bytes and flagging IOC on the last entry.
// It returns the number of bytes consumed and the
// (segment, offset) cursor past the consumed range, or ErrPRDTFull if
// more than prdtCount entries would be needed.
func (t *CommandTable) BuildPRDT(sg *dma.SgTable, segIdx, segOff, maxBytes int) (consumed int, nextSeg int, nextOff int, err error) {
	t.PRDT = t.PRDT[:0]

	seg, off := segIdx, segOff
	remaining := maxBytes

	sg.Walk(segIdx, segOff, PRDTMaxLength, func(addr uint, length int) bool {
		if remaining <= 0 {
			return false
		}

		if length > remaining {
			length = remaining
		}

		if len(t.PRDT) >= prdtCount {
			err = ErrPRDTFull
			return false
		}

		t.PRDT = append(t.PRDT, newPRDTEntry(addr, length, false))

		consumed += length
		remaining -= length

		off += length
		if off >= currentSegLen(sg, seg) {
			seg++
			off = 0
		}

		return remaining > 0
	})

	if err != nil {
		return 0, segIdx, segOff, err
	}

	if n := len(t.PRDT); n > 0 {
		t.PRDT[n-1].Descriptor |= prdtDescriptorIOC
	}

	return consumed, seg, off, nil
}

func currentSegLen(sg *dma.SgTable, seg int) int {
	if seg >= len(sg.Segments) {
		return 0
	}

	return sg.Segments[seg].Len
}

func (t *CommandTable) Sync(region *dma.Region) {
	buf := new(bytes.Buffer)
	buf.Write(t.CFIS[:])
	buf.Write(t.ACMD[:])
	buf.Write(make([]byte, 48)) // Reserved

	for _, e := range t.PRDT {
		binary.Write(buf, binary.LittleEndian, e.DataBaseAddress)
		binary.Write(buf, binary.LittleEndian, e.DataBaseAddressUpper)
		binary.Write(buf, binary.LittleEndian, uint32(0))
		binary.Write(buf, binary.LittleEndian, e.Descriptor)
	}

	region.Write(t.addr, 0, buf.Bytes())
}

// CommandList is a port's 32-slot command list, per AHCI 1.3.1 §4.2.2.
type CommandList struct {
	Headers [32]*CommandHeader
}
