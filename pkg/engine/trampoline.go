package engine

import (
	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/machine"
)

// resumeReg is the register the fast path passes the resumption address
// through. The trampoline jumps back through it after the flush.
const resumeReg = machine.RCX

// Trampoline is the single shared page bridging the fast path to the
// flush routine. It is generated once, frozen read-only, and holds no
// state beyond the per-invocation resume register, so any number of
// threads can enter it concurrently.
type Trampoline struct {
	page *host.Page
}

func newTrampoline(h *host.Host, flush host.RoutineID) (*Trampoline, error) {
	ops := []machine.Op{
		machine.CleanCall{Routine: uint32(flush)},
		machine.JumpIndirect{Reg: resumeReg},
	}
	page, err := h.AllocPage()
	if err != nil {
		return nil, err
	}
	if err := page.Write(machine.EncodeOps(ops)); err != nil {
		return nil, err
	}
	if err := page.Freeze(); err != nil {
		return nil, err
	}
	if err := h.MapPage(page); err != nil {
		return nil, err
	}
	return &Trampoline{page: page}, nil
}

// Addr returns the trampoline's entry address.
func (t *Trampoline) Addr() uint64 {
	return t.page.Addr()
}

// Page exposes the underlying generated-code page.
func (t *Trampoline) Page() *host.Page {
	return t.page
}
