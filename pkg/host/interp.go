package host

import (
	"errors"
	"fmt"

	"github.com/pb2bee/memtrace/pkg/machine"
)

// Installed units get element-granular virtual addresses: the unit base
// in the high bits, the element index in the low 16.
const unitIndexBits = 16

type installedUnit struct {
	base   uint64
	elems  []elem
	labels map[uint32]int

	// groupStart maps the element index of each application
	// instruction to the index where the operations inserted in front
	// of it begin. Per-iteration instructions loop back to their group
	// start while rcx stays nonzero.
	groupStart map[int]int

	// iterGroup maps the group-start index of each per-iteration
	// instruction to that instruction's element index, so a zero count
	// can skip the whole group.
	iterGroup map[int]int
}

// ExecuteBlock captures, instruments and runs one block of code on th.
// Re-executions of a block reuse the instrumented unit cached by entry
// address.
func (h *Host) ExecuteBlock(th *Thread, code []byte, pc uint64) error {
	iu, err := h.lookupUnit(code, pc)
	if err != nil {
		return err
	}
	return h.run(th, iu)
}

func (h *Host) lookupUnit(code []byte, pc uint64) (*installedUnit, error) {
	if v, ok := h.unitCache.Get(pc); ok {
		return v.(*installedUnit), nil
	}
	u, err := DecodeUnit(code, pc)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	passes := append([]unitPass{}, h.passes...)
	h.mu.Unlock()
	for _, p := range passes {
		if err := p.fn(u); err != nil {
			return nil, fmt.Errorf("host: unit pass %s failed at %#x: %v", p.name, pc, err)
		}
	}
	iu, err := h.install(u)
	if err != nil {
		return nil, err
	}
	h.log.WithField("entry", fmt.Sprintf("%#x", pc)).Debug("installed instrumented unit")
	h.unitCache.Add(pc, iu)
	return iu, nil
}

func (h *Host) install(u *Unit) (*installedUnit, error) {
	if len(u.elems) >= 1<<unitIndexBits {
		return nil, fmt.Errorf("host: unit at %#x too large to install (%d elements)", u.entry, len(u.elems))
	}
	h.mu.Lock()
	base := h.nextBase
	h.nextBase += 1 << unitIndexBits
	h.mu.Unlock()

	iu := &installedUnit{
		base:       base,
		elems:      u.elems,
		labels:     make(map[uint32]int),
		groupStart: make(map[int]int),
		iterGroup:  make(map[int]int),
	}
	start := 0
	for i, el := range u.elems {
		if el.instr == nil {
			if l, ok := el.op.(machine.Label); ok {
				iu.labels[l.ID] = i
			}
			continue
		}
		iu.groupStart[i] = start
		if el.instr.PerIteration {
			iu.iterGroup[start] = i
		}
		start = i + 1
	}
	return iu, nil
}

func (h *Host) run(th *Thread, iu *installedUnit) error {
	ctx := th.Ctx
	i := 0
	for i < len(iu.elems) {
		// A repeated instruction with a zero remaining count skips its
		// whole group, inserted operations included.
		if instrIdx, ok := iu.iterGroup[i]; ok && ctx.R[machine.RCX] == 0 {
			i = instrIdx + 1
			continue
		}

		el := iu.elems[i]
		if el.instr != nil {
			if err := h.step(th, el.instr); err != nil {
				return err
			}
			if el.instr.PerIteration {
				ctx.R[machine.RCX]--
				if ctx.R[machine.RCX] != 0 {
					i = iu.groupStart[i]
					continue
				}
			}
			i++
			continue
		}

		next, jump, err := h.apply(th, iu, el.op)
		if err != nil {
			return err
		}
		if jump {
			i = next
			continue
		}
		i++
	}
	return nil
}

// apply executes one generated operation. It returns the next element
// index when the operation transferred control.
func (h *Host) apply(th *Thread, iu *installedUnit, op machine.Op) (next int, jump bool, err error) {
	ctx := th.Ctx
	switch op := op.(type) {
	case machine.SaveReg:
		ctx.Spill[op.Slot] = ctx.R[op.Reg]
	case machine.RestoreReg:
		ctx.R[op.Reg] = ctx.Spill[op.Slot]
	case machine.ComputeAddr:
		ctx.R[op.Dst] = op.Ref.EffectiveAddr(ctx)
	case machine.LoadTLS:
		ctx.R[op.Dst] = ctx.TLS[op.Slot]
	case machine.LoadPtr:
		v, err := machine.ReadWord(ctx.Mem, ctx.R[op.Base]+uint64(int64(op.Disp)))
		if err != nil {
			return 0, false, err
		}
		ctx.R[op.Dst] = v
	case machine.StorePtr:
		if err := machine.WriteWord(ctx.Mem, ctx.R[op.Base]+uint64(int64(op.Disp)), ctx.R[op.Src]); err != nil {
			return 0, false, err
		}
	case machine.StoreImm32:
		b := [4]byte{byte(op.Val), byte(op.Val >> 8), byte(op.Val >> 16), byte(op.Val >> 24)}
		if _, err := ctx.Mem.WriteMemory(ctx.R[op.Base]+uint64(int64(op.Disp)), b[:]); err != nil {
			return 0, false, err
		}
	case machine.Lea:
		v := ctx.R[op.Base] + uint64(int64(op.Disp))
		if op.HasIndex {
			v += ctx.R[op.Index] * uint64(op.Scale)
		}
		ctx.R[op.Dst] = v
	case machine.Label:
		// position marker only
	case machine.Jump:
		return h.labelIndex(iu, op.Label)
	case machine.JumpZero:
		if ctx.R[op.Reg] == 0 {
			return h.labelIndex(iu, op.Label)
		}
	case machine.LoadResume:
		idx, _, err := h.labelIndex(iu, op.Label)
		if err != nil {
			return 0, false, err
		}
		ctx.R[op.Dst] = iu.base + uint64(idx)
	case machine.JumpPage:
		resume, err := h.runPage(th, op.Addr)
		if err != nil {
			return 0, false, err
		}
		if resume&^uint64(1<<unitIndexBits-1) != iu.base {
			return 0, false, fmt.Errorf("host: trampoline resume address %#x escapes unit at %#x", resume, iu.base)
		}
		return int(resume & (1<<unitIndexBits - 1)), true, nil
	case machine.JumpIndirect:
		addr := ctx.R[op.Reg]
		if addr&^uint64(1<<unitIndexBits-1) != iu.base {
			return 0, false, fmt.Errorf("host: indirect jump target %#x escapes unit at %#x", addr, iu.base)
		}
		return int(addr & (1<<unitIndexBits - 1)), true, nil
	case machine.CleanCall:
		if err := h.invokeRoutine(th, op.Routine); err != nil {
			return 0, false, err
		}
	default:
		return 0, false, fmt.Errorf("host: cannot execute op %T", op)
	}
	return 0, false, nil
}

func (h *Host) labelIndex(iu *installedUnit, label uint32) (int, bool, error) {
	idx, ok := iu.labels[label]
	if !ok {
		return 0, false, fmt.Errorf("host: undefined label %d in unit at %#x", label, iu.base)
	}
	return idx, true, nil
}

// runPage executes a generated code page until it jumps back, returning
// the resumption address.
func (h *Host) runPage(th *Thread, addr uint64) (uint64, error) {
	h.mu.Lock()
	ops := h.pageOps[addr]
	h.mu.Unlock()
	if ops == nil {
		return 0, fmt.Errorf("host: jump to unmapped code page %#x", addr)
	}
	for _, op := range ops {
		switch op := op.(type) {
		case machine.CleanCall:
			if err := h.invokeRoutine(th, op.Routine); err != nil {
				return 0, err
			}
		case machine.JumpIndirect:
			return th.Ctx.R[op.Reg], nil
		default:
			return 0, fmt.Errorf("host: unsupported op %T in code page %#x", op, addr)
		}
	}
	return 0, errors.New("host: code page fell through without jumping back")
}

// invokeRoutine performs a full register-context-preserving call: the
// routine observes and may mutate machine memory and its own client
// data, but the invoking thread's registers and flags are restored
// afterwards.
func (h *Host) invokeRoutine(th *Thread, id uint32) error {
	h.mu.Lock()
	var fn func(*Thread)
	if int(id) < len(h.routines) {
		fn = h.routines[id]
	}
	h.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("host: call to unregistered routine %d", id)
	}
	saved := *th.Ctx
	fn(th)
	mem := th.Ctx.Mem
	*th.Ctx = saved
	th.Ctx.Mem = mem
	return nil
}
