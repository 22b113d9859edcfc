package host

import (
	"fmt"

	"github.com/pb2bee/memtrace/pkg/machine"
)

// Unit is a captured run of instructions, delivered to instrumentation
// passes before it executes. Passes may insert generated operations
// around individual instructions; inserted operations are held apart
// from the original instructions and never appear in Instrs.
type Unit struct {
	entry     uint64
	elems     []elem
	nextLabel uint32
}

// elem is either one application instruction or one inserted operation.
type elem struct {
	instr *Instr
	op    machine.Op
}

// Entry returns the address of the unit's first instruction.
func (u *Unit) Entry() uint64 {
	return u.entry
}

// Instrs returns the unit's application instructions, in program order.
// Inserted operations are not included.
func (u *Unit) Instrs() []*Instr {
	var out []*Instr
	for _, el := range u.elems {
		if el.instr != nil {
			out = append(out, el.instr)
		}
	}
	return out
}

// NewLabel allocates a label identifier unique within the unit.
func (u *Unit) NewLabel() uint32 {
	u.nextLabel++
	return u.nextLabel
}

// InsertBefore inserts generated operations immediately before the
// given instruction. Operations already inserted before it stay in
// front of the new ones.
func (u *Unit) InsertBefore(instr *Instr, ops ...machine.Op) error {
	idx := u.indexOf(instr)
	if idx < 0 {
		return fmt.Errorf("host: instruction %#x is not part of this unit", instr.PC)
	}
	u.splice(idx, ops)
	return nil
}

// InsertAfter inserts generated operations immediately after the given
// instruction.
func (u *Unit) InsertAfter(instr *Instr, ops ...machine.Op) error {
	idx := u.indexOf(instr)
	if idx < 0 {
		return fmt.Errorf("host: instruction %#x is not part of this unit", instr.PC)
	}
	u.splice(idx+1, ops)
	return nil
}

func (u *Unit) indexOf(instr *Instr) int {
	for i, el := range u.elems {
		if el.instr == instr {
			return i
		}
	}
	return -1
}

func (u *Unit) splice(idx int, ops []machine.Op) {
	ins := make([]elem, len(ops))
	for i, op := range ops {
		ins[i] = elem{op: op}
	}
	u.elems = append(u.elems[:idx], append(ins, u.elems[idx:]...)...)
}

// InsertedOps returns every operation inserted into the unit, in
// execution order. Intended for logging and tests.
func (u *Unit) InsertedOps() []machine.Op {
	var out []machine.Op
	for _, el := range u.elems {
		if el.instr == nil {
			out = append(out, el.op)
		}
	}
	return out
}
