package machine

import (
	"encoding/binary"
	"fmt"
)

// Opcode bytes of the generated-code encoding. The encoding is what
// gets written into executable pages: one opcode byte followed by the
// operation's fixed-width operands, little-endian.
const (
	opSaveReg = iota + 1
	opRestoreReg
	opComputeAddr
	opLoadTLS
	opLoadPtr
	opStorePtr
	opStoreImm32
	opLea
	opLabel
	opJump
	opJumpZero
	opLoadResume
	opJumpPage
	opJumpIndirect
	opCleanCall
)

// EncodeOps serializes a generated sequence into its byte form.
func EncodeOps(ops []Op) []byte {
	var b []byte
	for _, op := range ops {
		b = appendOp(b, op)
	}
	return b
}

func appendOp(b []byte, op Op) []byte {
	le := binary.LittleEndian
	switch op := op.(type) {
	case SaveReg:
		b = append(b, opSaveReg, byte(op.Reg), op.Slot)
	case RestoreReg:
		b = append(b, opRestoreReg, byte(op.Reg), op.Slot)
	case ComputeAddr:
		b = append(b, opComputeAddr, byte(op.Dst))
		b = appendMemRef(b, op.Ref)
	case LoadTLS:
		b = append(b, opLoadTLS, byte(op.Dst), op.Slot)
	case LoadPtr:
		b = append(b, opLoadPtr, byte(op.Dst), byte(op.Base))
		b = le.AppendUint32(b, uint32(op.Disp))
	case StorePtr:
		b = append(b, opStorePtr, byte(op.Base))
		b = le.AppendUint32(b, uint32(op.Disp))
		b = append(b, byte(op.Src))
	case StoreImm32:
		b = append(b, opStoreImm32, byte(op.Base))
		b = le.AppendUint32(b, uint32(op.Disp))
		b = le.AppendUint32(b, op.Val)
	case Lea:
		b = append(b, opLea, byte(op.Dst), byte(op.Base), byte(op.Index), boolByte(op.HasIndex), op.Scale)
		b = le.AppendUint32(b, uint32(op.Disp))
	case Label:
		b = append(b, opLabel)
		b = le.AppendUint32(b, op.ID)
	case Jump:
		b = append(b, opJump)
		b = le.AppendUint32(b, op.Label)
	case JumpZero:
		b = append(b, opJumpZero, byte(op.Reg))
		b = le.AppendUint32(b, op.Label)
	case LoadResume:
		b = append(b, opLoadResume, byte(op.Dst))
		b = le.AppendUint32(b, op.Label)
	case JumpPage:
		b = append(b, opJumpPage)
		b = le.AppendUint64(b, op.Addr)
	case JumpIndirect:
		b = append(b, opJumpIndirect, byte(op.Reg))
	case CleanCall:
		b = append(b, opCleanCall)
		b = le.AppendUint32(b, op.Routine)
	default:
		panic(fmt.Sprintf("machine: cannot encode op %T", op))
	}
	return b
}

func appendMemRef(b []byte, ref MemRef) []byte {
	var flags byte
	if ref.HasBase {
		flags |= 1
	}
	if ref.HasIndex {
		flags |= 2
	}
	b = append(b, flags, byte(ref.Base), byte(ref.Index), ref.Scale)
	b = binary.LittleEndian.AppendUint64(b, uint64(ref.Disp))
	return b
}

// DecodeOps parses the byte form of a generated sequence back into ops.
func DecodeOps(b []byte) ([]Op, error) {
	var ops []Op
	for len(b) > 0 {
		op, rest, err := decodeOp(b)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		b = rest
	}
	return ops, nil
}

func decodeOp(b []byte) (Op, []byte, error) {
	le := binary.LittleEndian
	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("machine: truncated op encoding (opcode %#x)", b[0])
		}
		return nil
	}
	switch b[0] {
	case opSaveReg:
		if err := need(3); err != nil {
			return nil, nil, err
		}
		return SaveReg{Reg: GP(b[1]), Slot: b[2]}, b[3:], nil
	case opRestoreReg:
		if err := need(3); err != nil {
			return nil, nil, err
		}
		return RestoreReg{Reg: GP(b[1]), Slot: b[2]}, b[3:], nil
	case opComputeAddr:
		if err := need(2 + 12); err != nil {
			return nil, nil, err
		}
		ref, rest := decodeMemRef(b[2:])
		return ComputeAddr{Dst: GP(b[1]), Ref: ref}, rest, nil
	case opLoadTLS:
		if err := need(3); err != nil {
			return nil, nil, err
		}
		return LoadTLS{Dst: GP(b[1]), Slot: b[2]}, b[3:], nil
	case opLoadPtr:
		if err := need(7); err != nil {
			return nil, nil, err
		}
		return LoadPtr{Dst: GP(b[1]), Base: GP(b[2]), Disp: int32(le.Uint32(b[3:]))}, b[7:], nil
	case opStorePtr:
		if err := need(7); err != nil {
			return nil, nil, err
		}
		return StorePtr{Base: GP(b[1]), Disp: int32(le.Uint32(b[2:])), Src: GP(b[6])}, b[7:], nil
	case opStoreImm32:
		if err := need(10); err != nil {
			return nil, nil, err
		}
		return StoreImm32{Base: GP(b[1]), Disp: int32(le.Uint32(b[2:])), Val: le.Uint32(b[6:])}, b[10:], nil
	case opLea:
		if err := need(10); err != nil {
			return nil, nil, err
		}
		return Lea{
			Dst: GP(b[1]), Base: GP(b[2]), Index: GP(b[3]),
			HasIndex: b[4] != 0, Scale: b[5], Disp: int32(le.Uint32(b[6:])),
		}, b[10:], nil
	case opLabel:
		if err := need(5); err != nil {
			return nil, nil, err
		}
		return Label{ID: le.Uint32(b[1:])}, b[5:], nil
	case opJump:
		if err := need(5); err != nil {
			return nil, nil, err
		}
		return Jump{Label: le.Uint32(b[1:])}, b[5:], nil
	case opJumpZero:
		if err := need(6); err != nil {
			return nil, nil, err
		}
		return JumpZero{Reg: GP(b[1]), Label: le.Uint32(b[2:])}, b[6:], nil
	case opLoadResume:
		if err := need(6); err != nil {
			return nil, nil, err
		}
		return LoadResume{Dst: GP(b[1]), Label: le.Uint32(b[2:])}, b[6:], nil
	case opJumpPage:
		if err := need(9); err != nil {
			return nil, nil, err
		}
		return JumpPage{Addr: le.Uint64(b[1:])}, b[9:], nil
	case opJumpIndirect:
		if err := need(2); err != nil {
			return nil, nil, err
		}
		return JumpIndirect{Reg: GP(b[1])}, b[2:], nil
	case opCleanCall:
		if err := need(5); err != nil {
			return nil, nil, err
		}
		return CleanCall{Routine: le.Uint32(b[1:])}, b[5:], nil
	}
	return nil, nil, fmt.Errorf("machine: unknown opcode %#x", b[0])
}

func decodeMemRef(b []byte) (MemRef, []byte) {
	ref := MemRef{
		HasBase:  b[0]&1 != 0,
		HasIndex: b[0]&2 != 0,
		Base:     GP(b[1]),
		Index:    GP(b[2]),
		Scale:    b[3],
		Disp:     int64(binary.LittleEndian.Uint64(b[4:])),
	}
	return ref, b[12:]
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
