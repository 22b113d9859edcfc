package machine

import (
	"errors"
	"fmt"
	"sync"
)

// MemoryReader reads from the modeled address space. The offset is a
// full 64-bit address so that the whole space is addressable.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// Memory is the read/write view of the modeled address space that both
// generated code and the flush engine operate on.
type Memory interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
	// Alloc reserves a zero-initialized region and returns its address.
	Alloc(size uint64) (uint64, error)
}

const pageSize = 0x1000

// allocBase is where Alloc hands out regions from; low addresses stay
// unmapped so that null-ish pointers fault.
const allocBase = 0x10000000

// ErrOutOfMemory is returned by Alloc when the modeled address space is
// exhausted.
var ErrOutOfMemory = errors.New("machine: out of memory")

// flatMemory is a sparse page-table backed Memory. Pages are
// materialized zeroed on first touch. The page table is guarded so
// that threads sharing the address space can fault pages in
// concurrently; accesses to disjoint regions do not otherwise
// synchronize, same as real memory.
type flatMemory struct {
	mu    sync.Mutex
	pages map[uint64][]byte
	brk   uint64
}

// NewMemory returns an empty flat address space.
func NewMemory() Memory {
	return &flatMemory{
		pages: make(map[uint64][]byte),
		brk:   allocBase,
	}
}

func (m *flatMemory) page(addr uint64) []byte {
	base := addr &^ (pageSize - 1)
	m.mu.Lock()
	p, ok := m.pages[base]
	if !ok {
		p = make([]byte, pageSize)
		m.pages[base] = p
	}
	m.mu.Unlock()
	return p
}

func (m *flatMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		p := m.page(addr)
		off := addr & (pageSize - 1)
		c := copy(buf[n:], p[off:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

func (m *flatMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	n := 0
	for n < len(data) {
		p := m.page(addr)
		off := addr & (pageSize - 1)
		c := copy(p[off:], data[n:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

func (m *flatMemory) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("machine: zero-sized allocation")
	}
	m.mu.Lock()
	addr := m.brk
	rounded := (size + pageSize - 1) &^ uint64(pageSize-1)
	if m.brk+rounded < m.brk {
		m.mu.Unlock()
		return 0, ErrOutOfMemory
	}
	m.brk += rounded
	m.mu.Unlock()
	// Touch the pages so the region is zero-initialized up front.
	for a := addr; a < addr+rounded; a += pageSize {
		m.page(a)
	}
	return addr, nil
}

// ReadWord reads a little-endian machine word.
func ReadWord(m MemoryReader, addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadMemory(b[:], addr); err != nil {
		return 0, err
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

// WriteWord writes a little-endian machine word.
func WriteWord(m Memory, addr uint64, v uint64) error {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	_, err := m.WriteMemory(addr, b[:])
	return err
}
