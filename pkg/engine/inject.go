package engine

import (
	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/machine"
	"github.com/pb2bee/memtrace/pkg/trace"
)

// The record-and-check sequence steals a fixed register pair: one for
// the referenced address, and rcx for buffer state, because both the
// zero-test branch idiom and the trampoline's resume convention are
// tied to it.
var (
	addrRegConstraint = Constraint{Allowed: []machine.GP{machine.RBX}}
	ptrRegConstraint  = Constraint{Allowed: []machine.GP{machine.RCX}}
)

// insertPass instruments every memory operand of every instruction in
// the unit. Each qualifying operand gets its own record; an operand
// that is both read and written by its instruction is enumerated once
// per direction and therefore records twice. Register reservations are
// scoped to this unit: units captured concurrently on different
// threads each instrument against their own pool.
func (e *Engine) insertPass(u *host.Unit) error {
	regs := NewPool()
	for _, instr := range u.Instrs() {
		srcs, dsts := instr.MemOperands()
		for _, mop := range srcs {
			if err := e.instrumentMem(u, regs, instr, mop, false); err != nil {
				return err
			}
		}
		for _, mop := range dsts {
			if err := e.instrumentMem(u, regs, instr, mop, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// instrumentMem inserts the record-and-check sequence for one memory
// operand in front of the instruction that references it. Operand
// shapes the engine does not understand are skipped: the rest of the
// trace stays usable.
func (e *Engine) instrumentMem(u *host.Unit, regs *Pool, where *host.Instr, mop host.MemOperand, write bool) error {
	if mop.Segment != 0 || mop.Size == 0 {
		e.injectLog.Debugf("skipping unsupported operand of %v at %#x", where.Inst.Op, where.PC)
		return nil
	}

	addrReg, err := regs.Reserve(addrRegConstraint)
	if err != nil {
		return err
	}
	defer regs.Release(addrReg)
	ptrReg, err := regs.Reserve(ptrRegConstraint)
	if err != nil {
		return err
	}
	defer regs.Release(ptrReg)
	reg1, reg2 := addrReg.Reg, ptrReg.Reg

	writeVal := uint32(0)
	if write {
		writeVal = 1
	}
	callLbl := u.NewLabel()
	restoreLbl := u.NewLabel()

	ops := []machine.Op{
		// Steal the registers. The always-save strategy costs two spills
		// per reference; proving the registers dead would remove them.
		machine.SaveReg{Reg: reg1, Slot: addrReg.Slot},
		machine.SaveReg{Reg: reg2, Slot: ptrReg.Slot},

		// reg1 = effective address of the reference.
		machine.ComputeAddr{Dst: reg1, Ref: mop.Ref},

		// reg2 = current cursor.
		machine.LoadTLS{Dst: reg2, Slot: uint8(e.tlsSlot)},
		machine.LoadPtr{Dst: reg2, Base: reg2, Disp: offBufPtr},

		// Fill the record slot: direction, address, size, pc. The pc is
		// a word-sized constant, stored as two half-width immediates.
		machine.StoreImm32{Base: reg2, Disp: trace.OffWrite, Val: writeVal},
		machine.StorePtr{Base: reg2, Disp: trace.OffAddr, Src: reg1},
		machine.StoreImm32{Base: reg2, Disp: trace.OffSize, Val: mop.Size},
		machine.StoreImm32{Base: reg2, Disp: trace.OffPC, Val: uint32(where.PC)},
		machine.StoreImm32{Base: reg2, Disp: trace.OffPC + 4, Val: uint32(where.PC >> 32)},

		// Advance the cursor and store it back.
		machine.Lea{Dst: reg2, Base: reg2, Disp: trace.RecordSize},
		machine.LoadTLS{Dst: reg1, Slot: uint8(e.tlsSlot)},
		machine.StorePtr{Base: reg1, Disp: offBufPtr, Src: reg2},

		// Overflow test: cursor + (-end) is zero exactly when the
		// buffer is full. Address arithmetic plus a zero-test branch,
		// so the application's flags survive untouched.
		machine.LoadPtr{Dst: reg1, Base: reg1, Disp: offBufEnd},
		machine.Lea{Dst: reg2, Base: reg1, Index: reg2, HasIndex: true, Scale: 1},
		machine.JumpZero{Reg: reg2, Label: callLbl},
		machine.Jump{Label: restoreLbl},

		// Slow path: hand the resumption point to the shared trampoline
		// in the designated register and transfer to its page.
		machine.Label{ID: callLbl},
		machine.LoadResume{Dst: reg2, Label: restoreLbl},
		machine.JumpPage{Addr: e.tramp.Addr()},

		// Both paths come back here.
		machine.Label{ID: restoreLbl},
		machine.RestoreReg{Reg: reg1, Slot: addrReg.Slot},
		machine.RestoreReg{Reg: reg2, Slot: ptrReg.Slot},
	}
	return u.InsertBefore(where, ops...)
}
