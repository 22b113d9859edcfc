package engine

import (
	"fmt"
	"sync"

	"github.com/pb2bee/memtrace/pkg/machine"
)

// Constraint restricts which registers a reservation may be satisfied
// with, in preference order.
type Constraint struct {
	Allowed []machine.GP
}

// RegHandle is a live register reservation: the stolen register and the
// spill slot its application value is saved to.
type RegHandle struct {
	Reg  machine.GP
	Slot uint8
}

// Pool hands out scratch registers for instrumentation sequences and
// detects conflicting reservations. A pool is scoped to one unit's
// instrumentation; concurrent passes over different units each use
// their own. The engine's default strategy is deliberately naive: a
// fixed pair of registers, always saved and restored, with no liveness
// analysis.
type Pool struct {
	mu    sync.Mutex
	inUse map[machine.GP]bool
	slots []uint8
}

// NewPool creates a pool. Spill slots 0 and 1 are left to the host;
// reservations use slots 2 and up.
func NewPool() *Pool {
	var slots []uint8
	for s := uint8(2); s < machine.NumSpillSlots; s++ {
		slots = append(slots, s)
	}
	return &Pool{
		inUse: make(map[machine.GP]bool),
		slots: slots,
	}
}

// Reserve takes the first available register satisfying the constraint
// and pairs it with a free spill slot. It fails when every candidate is
// already reserved or no spill slot is left.
func (p *Pool) Reserve(c Constraint) (RegHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) == 0 {
		return RegHandle{}, fmt.Errorf("regpool: no spill slot available")
	}
	for _, r := range c.Allowed {
		if r >= machine.NumGP {
			return RegHandle{}, fmt.Errorf("regpool: invalid register %v in constraint", r)
		}
		if p.inUse[r] {
			continue
		}
		p.inUse[r] = true
		h := RegHandle{Reg: r, Slot: p.slots[0]}
		p.slots = p.slots[1:]
		return h, nil
	}
	return RegHandle{}, fmt.Errorf("regpool: conflict, no free register in %v", c.Allowed)
}

// Release returns a reservation to the pool.
func (p *Pool) Release(h RegHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[h.Reg] {
		return fmt.Errorf("regpool: release of unreserved register %v", h.Reg)
	}
	delete(p.inUse, h.Reg)
	p.slots = append(p.slots, h.Slot)
	return nil
}
