package host

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/pb2bee/memtrace/pkg/machine"
)

// Instr is one decoded application instruction inside a captured unit.
type Instr struct {
	Inst x86asm.Inst
	PC   uint64
	Len  int

	// PerIteration marks an instruction produced by rep-string
	// expansion. The executor runs it (together with the operations
	// inserted in front of it) once per remaining count in rcx.
	PerIteration bool
}

// MemOperand is one memory location an instruction references: the
// resolved addressing expression plus the byte size of the reference.
// Size is zero when the host cannot determine the reference size;
// Segment is nonzero for segment-relative operands. Clients are
// expected to skip operands they do not support.
type MemOperand struct {
	Ref     machine.MemRef
	Segment x86asm.Reg
	Size    uint32
}

// wordBytes is the stack slot size of the modeled architecture.
const wordBytes = 8

// Instructions whose memory destination is also read (read-modify-write
// forms): a memory first operand yields both a read and a write
// reference.
var rmwOps = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.SUB: true, x86asm.ADC: true, x86asm.SBB: true,
	x86asm.INC: true, x86asm.DEC: true, x86asm.NEG: true, x86asm.NOT: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true, x86asm.XCHG: true,
}

// Instructions whose memory first operand is written but not read.
var storeOps = map[x86asm.Op]bool{
	x86asm.MOV: true,
}

// Instructions that only ever read their memory operands.
var loadOps = map[x86asm.Op]bool{
	x86asm.CMP: true, x86asm.TEST: true,
}

// ReadsMemory reports whether the instruction reads data memory.
func (i *Instr) ReadsMemory() bool {
	srcs, _ := i.MemOperands()
	return len(srcs) > 0
}

// WritesMemory reports whether the instruction writes data memory.
func (i *Instr) WritesMemory() bool {
	_, dsts := i.MemOperands()
	return len(dsts) > 0
}

// MemOperands enumerates the distinct memory locations the instruction
// reads (srcs) and writes (dsts). An instruction that both reads and
// writes the same location appears once in each list. Operands the
// host cannot classify are returned with Size zero.
func (i *Instr) MemOperands() (srcs, dsts []MemOperand) {
	op := i.Inst.Op

	// Implicit-operand forms first: string instructions and stack
	// pushes reference memory that does not appear as a Mem argument.
	switch op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		w := stringOpWidth(op)
		srcs = append(srcs, regOperand(machine.RSI, w))
		dsts = append(dsts, regOperand(machine.RDI, w))
		return srcs, dsts
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		dsts = append(dsts, regOperand(machine.RDI, stringOpWidth(op)))
		return srcs, dsts
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		srcs = append(srcs, regOperand(machine.RSI, stringOpWidth(op)))
		return srcs, dsts
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		w := stringOpWidth(op)
		srcs = append(srcs, regOperand(machine.RSI, w), regOperand(machine.RDI, w))
		return srcs, dsts
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		srcs = append(srcs, regOperand(machine.RDI, stringOpWidth(op)))
		return srcs, dsts
	case x86asm.PUSH:
		dsts = append(dsts, MemOperand{
			Ref:  machine.MemRef{Base: machine.RSP, HasBase: true, Disp: -wordBytes},
			Size: wordBytes,
		})
		if m, ok := i.Inst.Args[0].(x86asm.Mem); ok {
			srcs = append(srcs, i.memOperand(m))
		}
		return srcs, dsts
	case x86asm.POP:
		srcs = append(srcs, regOperand(machine.RSP, wordBytes))
		if m, ok := i.Inst.Args[0].(x86asm.Mem); ok {
			dsts = append(dsts, i.memOperand(m))
		}
		return srcs, dsts
	case x86asm.ENTER:
		// The frame setup writes a variable number of words depending
		// on the nesting level operand.
		dsts = append(dsts, MemOperand{
			Ref:  machine.MemRef{Base: machine.RSP, HasBase: true, Disp: -wordBytes},
			Size: i.enterMemSize(),
		})
		return srcs, dsts
	case x86asm.LEA, x86asm.NOP:
		// The Mem argument is an address computation, not a reference.
		return nil, nil
	}

	first := true
	for _, arg := range i.Inst.Args {
		m, ok := arg.(x86asm.Mem)
		if !ok {
			if arg != nil {
				first = false
			}
			continue
		}
		mop := i.memOperand(m)
		switch {
		case first && rmwOps[op]:
			srcs = append(srcs, mop)
			dsts = append(dsts, mop)
		case first && storeOps[op]:
			dsts = append(dsts, mop)
		case loadOps[op] || !first || storeOps[op] || rmwOps[op]:
			srcs = append(srcs, mop)
		default:
			// Unrecognized shape: surface it unsized so the client can
			// skip it instead of recording a guess.
			mop.Size = 0
			srcs = append(srcs, mop)
		}
		first = false
	}
	return srcs, dsts
}

// memOperand resolves a decoder memory argument into a MemOperand.
// RIP-relative operands are folded into an absolute displacement.
func (i *Instr) memOperand(m x86asm.Mem) MemOperand {
	mop := MemOperand{Segment: m.Segment, Size: uint32(i.Inst.MemBytes)}
	ref := machine.MemRef{Disp: m.Disp, Scale: m.Scale}
	if m.Base == x86asm.RIP {
		ref.Disp += int64(i.PC) + int64(i.Len)
	} else if m.Base != 0 {
		gp, width, _, ok := machine.GPFromX86(m.Base)
		if !ok || width != wordBytes {
			mop.Size = 0
			return mop
		}
		ref.Base = gp
		ref.HasBase = true
	}
	if m.Index != 0 {
		gp, width, _, ok := machine.GPFromX86(m.Index)
		if !ok || width != wordBytes {
			mop.Size = 0
			return mop
		}
		ref.Index = gp
		ref.HasIndex = true
	}
	mop.Ref = ref
	return mop
}

// enterMemSize computes the bytes written by an ENTER instruction: one
// word for the saved frame pointer plus one per nesting level.
func (i *Instr) enterMemSize() uint32 {
	level := uint32(0)
	if imm, ok := i.Inst.Args[1].(x86asm.Imm); ok {
		level = uint32(imm) & 31
	}
	return wordBytes * (1 + level)
}

func stringOpWidth(op x86asm.Op) uint32 {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.CMPSB, x86asm.SCASB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.CMPSW, x86asm.SCASW:
		return 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.LODSD, x86asm.CMPSD, x86asm.SCASD:
		return 4
	}
	return 8
}

func regOperand(base machine.GP, size uint32) MemOperand {
	return MemOperand{
		Ref:  machine.MemRef{Base: base, HasBase: true},
		Size: size,
	}
}
