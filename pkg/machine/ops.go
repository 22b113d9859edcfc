package machine

import (
	"fmt"
)

// MemRef is a resolved memory operand: base + index*scale + disp.
// PC-relative operands are resolved to an absolute displacement before
// a MemRef is built, so no instruction pointer appears here.
type MemRef struct {
	Base     GP
	Index    GP
	HasBase  bool
	HasIndex bool
	Scale    uint8
	Disp     int64
}

// EffectiveAddr computes the address the operand refers to under the
// given context. It performs address arithmetic only and leaves the
// flags word untouched.
func (ref MemRef) EffectiveAddr(ctx *Context) uint64 {
	addr := uint64(ref.Disp)
	if ref.HasBase {
		addr += ctx.R[ref.Base]
	}
	if ref.HasIndex {
		addr += ctx.R[ref.Index] * uint64(ref.Scale)
	}
	return addr
}

func (ref MemRef) String() string {
	s := fmt.Sprintf("%#x", ref.Disp)
	if ref.HasBase {
		s += "(" + ref.Base.String()
		if ref.HasIndex {
			s += fmt.Sprintf(",%s,%d", ref.Index, ref.Scale)
		}
		s += ")"
	}
	return s
}

// Op is one operation of the instrumentation IR. Every op is
// flag-transparent: executing it never modifies the context's flags
// word. Control transfers inside a generated sequence target Label ops
// by identifier.
type Op interface {
	op()
}

// SaveReg stores a register into a per-thread spill slot.
type SaveReg struct {
	Reg  GP
	Slot uint8
}

// RestoreReg loads a register back from a per-thread spill slot.
type RestoreReg struct {
	Reg  GP
	Slot uint8
}

// ComputeAddr materializes the effective address of Ref into Dst.
type ComputeAddr struct {
	Dst GP
	Ref MemRef
}

// LoadTLS loads the value of a per-thread storage slot into Dst.
type LoadTLS struct {
	Dst  GP
	Slot uint8
}

// LoadPtr loads a machine word from [Base+Disp] into Dst.
type LoadPtr struct {
	Dst  GP
	Base GP
	Disp int32
}

// StorePtr stores Src as a machine word to [Base+Disp].
type StorePtr struct {
	Base GP
	Disp int32
	Src  GP
}

// StoreImm32 stores a 32-bit immediate to [Base+Disp]. Word-sized
// constants that cannot be encoded as a single immediate are split into
// two of these (low half, then high half at Disp+4).
type StoreImm32 struct {
	Base GP
	Disp int32
	Val  uint32
}

// Lea computes Base + Index*Scale + Disp into Dst without touching
// flags. HasIndex selects the two-register form.
type Lea struct {
	Dst      GP
	Base     GP
	Index    GP
	HasIndex bool
	Scale    uint8
	Disp     int32
}

// Label marks a position inside a generated sequence. Executing it is a
// no-op.
type Label struct {
	ID uint32
}

// Jump transfers control to the Label with the given identifier.
type Jump struct {
	Label uint32
}

// JumpZero transfers control to the target label if Reg holds zero. The
// test needs no separate comparison and reads no flags.
type JumpZero struct {
	Reg   GP
	Label uint32
}

// LoadResume materializes the address of the target label into Dst, for
// use as the return address of a trampoline invocation.
type LoadResume struct {
	Dst   GP
	Label uint32
}

// JumpPage transfers control to the entry of a generated code page.
type JumpPage struct {
	Addr uint64
}

// JumpIndirect transfers control to the address held in Reg.
type JumpIndirect struct {
	Reg GP
}

// CleanCall performs a full register-context-preserving call into the
// host-registered routine with the given identifier. The routine takes
// no arguments.
type CleanCall struct {
	Routine uint32
}

func (SaveReg) op()      {}
func (RestoreReg) op()   {}
func (ComputeAddr) op()  {}
func (LoadTLS) op()      {}
func (LoadPtr) op()      {}
func (StorePtr) op()     {}
func (StoreImm32) op()   {}
func (Lea) op()          {}
func (Label) op()        {}
func (Jump) op()         {}
func (JumpZero) op()     {}
func (LoadResume) op()   {}
func (JumpPage) op()     {}
func (JumpIndirect) op() {}
func (CleanCall) op()    {}
