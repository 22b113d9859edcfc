package host

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/pb2bee/memtrace/pkg/machine"
)

// Flag bits of the modeled rflags word.
const (
	flagCF = 1 << 0
	flagZF = 1 << 6
	flagSF = 1 << 7
)

// step executes one application instruction. The emulator covers the
// data-movement and arithmetic subset the driver workloads use;
// anything else is refused with an error so the caller never silently
// diverges from real hardware.
func (h *Host) step(th *Thread, instr *Instr) error {
	ctx := th.Ctx
	inst := &instr.Inst

	switch inst.Op {
	case x86asm.NOP:
		return nil

	case x86asm.MOV:
		v, w, err := h.readArg(ctx, instr, inst.Args[1])
		if err != nil {
			return err
		}
		return h.writeArg(ctx, instr, inst.Args[0], v, w)

	case x86asm.LEA:
		m, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return fmt.Errorf("host: malformed lea at %#x", instr.PC)
		}
		mop := instr.memOperand(m)
		return ctx.SetReg(inst.Args[0].(x86asm.Reg), mop.Ref.EffectiveAddr(ctx))

	case x86asm.ADD, x86asm.SUB, x86asm.XOR, x86asm.AND, x86asm.OR, x86asm.CMP:
		a, w, err := h.readArg(ctx, instr, inst.Args[0])
		if err != nil {
			return err
		}
		b, _, err := h.readArg(ctx, instr, inst.Args[1])
		if err != nil {
			return err
		}
		res, cf := alu(inst.Op, a, b, w)
		setArithFlags(ctx, res, w, cf, true)
		if inst.Op == x86asm.CMP {
			return nil
		}
		return h.writeArg(ctx, instr, inst.Args[0], res, w)

	case x86asm.INC, x86asm.DEC:
		a, w, err := h.readArg(ctx, instr, inst.Args[0])
		if err != nil {
			return err
		}
		res := a + 1
		if inst.Op == x86asm.DEC {
			res = a - 1
		}
		// inc/dec leave CF alone.
		setArithFlags(ctx, res, w, false, false)
		return h.writeArg(ctx, instr, inst.Args[0], res, w)

	case x86asm.PUSH:
		v, _, err := h.readArg(ctx, instr, inst.Args[0])
		if err != nil {
			return err
		}
		ctx.R[machine.RSP] -= wordBytes
		return machine.WriteWord(ctx.Mem, ctx.R[machine.RSP], v)

	case x86asm.POP:
		v, err := machine.ReadWord(ctx.Mem, ctx.R[machine.RSP])
		if err != nil {
			return err
		}
		ctx.R[machine.RSP] += wordBytes
		return h.writeArg(ctx, instr, inst.Args[0], v, wordBytes)

	case x86asm.ENTER:
		frame, _ := inst.Args[0].(x86asm.Imm)
		level, _ := inst.Args[1].(x86asm.Imm)
		if level != 0 {
			return fmt.Errorf("host: enter with nesting level %d not supported at %#x", level, instr.PC)
		}
		ctx.R[machine.RSP] -= wordBytes
		if err := machine.WriteWord(ctx.Mem, ctx.R[machine.RSP], ctx.R[machine.RBP]); err != nil {
			return err
		}
		ctx.R[machine.RBP] = ctx.R[machine.RSP]
		ctx.R[machine.RSP] -= uint64(frame)
		return nil

	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		w := int(stringOpWidth(inst.Op))
		buf := make([]byte, w)
		if _, err := ctx.Mem.ReadMemory(buf, ctx.R[machine.RSI]); err != nil {
			return err
		}
		if _, err := ctx.Mem.WriteMemory(ctx.R[machine.RDI], buf); err != nil {
			return err
		}
		ctx.R[machine.RSI] += uint64(w)
		ctx.R[machine.RDI] += uint64(w)
		return nil

	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		w := int(stringOpWidth(inst.Op))
		v := ctx.R[machine.RAX]
		buf := make([]byte, w)
		for i := 0; i < w; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		if _, err := ctx.Mem.WriteMemory(ctx.R[machine.RDI], buf); err != nil {
			return err
		}
		ctx.R[machine.RDI] += uint64(w)
		return nil

	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		w := int(stringOpWidth(inst.Op))
		buf := make([]byte, w)
		if _, err := ctx.Mem.ReadMemory(buf, ctx.R[machine.RSI]); err != nil {
			return err
		}
		var v uint64
		for i := w - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		ctx.R[machine.RSI] += uint64(w)
		return ctx.SetReg(accumulator(w), v)
	}

	return fmt.Errorf("host: unsupported instruction %v at %#x", inst.Op, instr.PC)
}

// readArg evaluates an instruction argument, returning the value and
// its width in bytes.
func (h *Host) readArg(ctx *machine.Context, instr *Instr, arg x86asm.Arg) (uint64, int, error) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		_, w, _, ok := machine.GPFromX86(arg)
		if !ok {
			return 0, 0, fmt.Errorf("host: unsupported register %v at %#x", arg, instr.PC)
		}
		v, err := ctx.GetReg(arg)
		return v, w, err
	case x86asm.Imm:
		return uint64(arg), immWidth(instr), nil
	case x86asm.Mem:
		mop := instr.memOperand(arg)
		if mop.Size == 0 || mop.Segment != 0 {
			return 0, 0, fmt.Errorf("host: unsupported memory operand at %#x", instr.PC)
		}
		buf := make([]byte, mop.Size)
		if _, err := ctx.Mem.ReadMemory(buf, mop.Ref.EffectiveAddr(ctx)); err != nil {
			return 0, 0, err
		}
		var v uint64
		for i := int(mop.Size) - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		return v, int(mop.Size), nil
	}
	return 0, 0, fmt.Errorf("host: unsupported argument %v at %#x", arg, instr.PC)
}

// writeArg stores a value into a register or memory argument.
func (h *Host) writeArg(ctx *machine.Context, instr *Instr, arg x86asm.Arg, v uint64, w int) error {
	switch arg := arg.(type) {
	case x86asm.Reg:
		return ctx.SetReg(arg, v)
	case x86asm.Mem:
		mop := instr.memOperand(arg)
		if mop.Size == 0 || mop.Segment != 0 {
			return fmt.Errorf("host: unsupported memory operand at %#x", instr.PC)
		}
		buf := make([]byte, mop.Size)
		for i := 0; i < int(mop.Size); i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, err := ctx.Mem.WriteMemory(mop.Ref.EffectiveAddr(ctx), buf)
		return err
	}
	return fmt.Errorf("host: cannot write argument %v at %#x", arg, instr.PC)
}

func alu(op x86asm.Op, a, b uint64, w int) (res uint64, cf bool) {
	mask := widthMask(w)
	a &= mask
	b &= mask
	switch op {
	case x86asm.ADD:
		res = (a + b) & mask
		cf = res < a
	case x86asm.SUB, x86asm.CMP:
		res = (a - b) & mask
		cf = b > a
	case x86asm.XOR:
		res = a ^ b
	case x86asm.AND:
		res = a & b
	case x86asm.OR:
		res = a | b
	}
	return res, cf
}

func setArithFlags(ctx *machine.Context, res uint64, w int, cf, withCF bool) {
	mask := widthMask(w)
	res &= mask
	flags := ctx.Flags &^ uint64(flagZF|flagSF)
	if withCF {
		flags &^= flagCF
		if cf {
			flags |= flagCF
		}
	}
	if res == 0 {
		flags |= flagZF
	}
	if res&(mask>>1+1) != 0 {
		flags |= flagSF
	}
	ctx.Flags = flags
}

func widthMask(w int) uint64 {
	if w >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(w)) - 1
}

func immWidth(instr *Instr) int {
	if instr.Inst.MemBytes > 0 {
		return instr.Inst.MemBytes
	}
	if instr.Inst.DataSize > 0 {
		return instr.Inst.DataSize / 8
	}
	return wordBytes
}

func accumulator(w int) x86asm.Reg {
	switch w {
	case 1:
		return x86asm.AL
	case 2:
		return x86asm.AX
	case 4:
		return x86asm.EAX
	}
	return x86asm.RAX
}
