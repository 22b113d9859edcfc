package host

import (
	"golang.org/x/arch/x86/x86asm"
)

const (
	prefixREP  = 0xf3
	prefixREPN = 0xf2
)

// ExpandRepString normalizes repeated string instructions in the unit
// so that every iteration becomes a separately observable instance:
// the rep prefix is dropped and the instruction is marked
// per-iteration, which makes the executor re-run it (and anything
// inserted in front of it) once per remaining count in rcx. Units
// without repeated string instructions are left untouched.
func (h *Host) ExpandRepString(u *Unit) error {
	for _, instr := range u.Instrs() {
		if instr.PerIteration {
			continue
		}
		if !isStringOp(instr.Inst.Op) || !hasRepPrefix(&instr.Inst) {
			continue
		}
		instr.PerIteration = true
	}
	return nil
}

func hasRepPrefix(inst *x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		switch byte(p) {
		case prefixREP, prefixREPN:
			return true
		}
	}
	return false
}

func isStringOp(op x86asm.Op) bool {
	switch op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return true
	}
	return false
}
