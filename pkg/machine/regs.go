package machine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// GP identifies one of the sixteen general purpose registers, in
// hardware encoding order.
type GP uint8

const (
	RAX GP = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumGP
)

var gpNames = [NumGP]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r GP) String() string {
	if r >= NumGP {
		return fmt.Sprintf("gp(%d)", uint8(r))
	}
	return gpNames[r]
}

// GPFromX86 maps a decoder register to the general purpose register it
// lives in, together with the access width in bytes and whether it is a
// legacy high-byte register (AH/CH/DH/BH). ok is false for registers
// outside the general purpose file.
func GPFromX86(r x86asm.Reg) (gp GP, width int, high bool, ok bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return GP(r - x86asm.RAX), 8, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return GP(r - x86asm.EAX), 4, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return GP(r - x86asm.AX), 2, false, true
	case r >= x86asm.AL && r <= x86asm.BL:
		return GP(r - x86asm.AL), 1, false, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return GP(r - x86asm.AH), 1, true, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return GP(r-x86asm.SPB) + RSP, 1, false, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return GP(r-x86asm.R8B) + R8, 1, false, true
	}
	return 0, 0, false, false
}

// GetReg reads a decoder-named register from the context, respecting
// its access width.
func (ctx *Context) GetReg(r x86asm.Reg) (uint64, error) {
	gp, width, high, ok := GPFromX86(r)
	if !ok {
		return 0, fmt.Errorf("unsupported register %v", r)
	}
	v := ctx.R[gp]
	if high {
		return (v >> 8) & 0xff, nil
	}
	switch width {
	case 1:
		return v & 0xff, nil
	case 2:
		return v & 0xffff, nil
	case 4:
		return v & 0xffffffff, nil
	}
	return v, nil
}

// SetReg writes a decoder-named register, with the merge semantics of
// the hardware: 32-bit writes zero the upper half, narrower writes
// leave the rest of the register alone.
func (ctx *Context) SetReg(r x86asm.Reg, v uint64) error {
	gp, width, high, ok := GPFromX86(r)
	if !ok {
		return fmt.Errorf("unsupported register %v", r)
	}
	old := ctx.R[gp]
	switch {
	case high:
		ctx.R[gp] = (old &^ 0xff00) | ((v & 0xff) << 8)
	case width == 1:
		ctx.R[gp] = (old &^ 0xff) | (v & 0xff)
	case width == 2:
		ctx.R[gp] = (old &^ 0xffff) | (v & 0xffff)
	case width == 4:
		ctx.R[gp] = v & 0xffffffff
	default:
		ctx.R[gp] = v
	}
	return nil
}
