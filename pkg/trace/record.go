// Package trace defines the memory reference record produced by the
// instrumentation engine and the two trace encodings it is dumped in.
package trace

import (
	"encoding/binary"
)

// Record describes one memory reference: the direction of the access,
// the referenced address and byte size, and the address of the
// originating instruction. Records are written by generated code into a
// per-thread buffer and are immutable once stored.
type Record struct {
	Write bool
	Size  uint32
	Addr  uint64
	PC    uint64
}

// RecordSize is the size of one record slot in buffer memory. The
// layout is fixed because generated code stores fields at hardcoded
// offsets: write flag (uint32) at 0, size (uint32) at 4, address at 8,
// pc at 16, all little-endian.
const RecordSize = 24

// Field offsets within a record slot, used by the injector when
// emitting the buffer-fill stores.
const (
	OffWrite = 0
	OffSize  = 4
	OffAddr  = 8
	OffPC    = 16
)

// DecodeRecord decodes one record slot. b must be at least RecordSize
// bytes long.
func DecodeRecord(b []byte) Record {
	return Record{
		Write: binary.LittleEndian.Uint32(b[OffWrite:]) != 0,
		Size:  binary.LittleEndian.Uint32(b[OffSize:]),
		Addr:  binary.LittleEndian.Uint64(b[OffAddr:]),
		PC:    binary.LittleEndian.Uint64(b[OffPC:]),
	}
}

// AppendRecord appends the fixed binary encoding of r to b.
func AppendRecord(b []byte, r Record) []byte {
	var w uint32
	if r.Write {
		w = 1
	}
	b = binary.LittleEndian.AppendUint32(b, w)
	b = binary.LittleEndian.AppendUint32(b, r.Size)
	b = binary.LittleEndian.AppendUint64(b, r.Addr)
	b = binary.LittleEndian.AppendUint64(b, r.PC)
	return b
}
