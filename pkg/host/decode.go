package host

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const maxInstructionLength = 15

// DecodeUnit decodes a contiguous block of amd64 code starting at pc
// into a captured unit. Decode failures abort the capture: a block the
// host cannot decode cannot be executed either.
func DecodeUnit(code []byte, pc uint64) (*Unit, error) {
	u := &Unit{entry: pc}
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("host: cannot decode instruction at %#x: %v", pc+uint64(off), err)
		}
		patchPCRel(pc+uint64(off), &inst)
		u.elems = append(u.elems, elem{instr: &Instr{
			Inst: inst,
			PC:   pc + uint64(off),
			Len:  inst.Len,
		}})
		off += inst.Len
	}
	return u, nil
}

// patchPCRel converts PC relative arguments to absolute addresses.
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
