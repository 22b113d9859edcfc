package host

import (
	"testing"

	"github.com/pb2bee/memtrace/pkg/machine"
)

func TestUnitInsertBeforeOrder(t *testing.T) {
	u, err := DecodeUnit([]byte{0x90, 0x90}, 0x1000) // nop; nop
	if err != nil {
		t.Fatalf("DecodeUnit: %v", err)
	}
	second := u.Instrs()[1]
	if err := u.InsertBefore(second, machine.SaveReg{Reg: machine.RBX, Slot: 2}); err != nil {
		t.Fatalf("InsertBefore: %v", err)
	}
	// A later insertion before the same instruction lands after the
	// earlier one.
	if err := u.InsertBefore(second, machine.SaveReg{Reg: machine.RCX, Slot: 3}); err != nil {
		t.Fatalf("InsertBefore: %v", err)
	}
	if err := u.InsertAfter(second, machine.RestoreReg{Reg: machine.RBX, Slot: 2}); err != nil {
		t.Fatalf("InsertAfter: %v", err)
	}

	ops := u.InsertedOps()
	if len(ops) != 3 {
		t.Fatalf("got %d inserted operations, want 3", len(ops))
	}
	if sv, ok := ops[0].(machine.SaveReg); !ok || sv.Reg != machine.RBX {
		t.Errorf("first inserted op is %#v, want SaveReg rbx", ops[0])
	}
	if sv, ok := ops[1].(machine.SaveReg); !ok || sv.Reg != machine.RCX {
		t.Errorf("second inserted op is %#v, want SaveReg rcx", ops[1])
	}
	if _, ok := ops[2].(machine.RestoreReg); !ok {
		t.Errorf("third inserted op is %#v, want RestoreReg", ops[2])
	}

	// Insertions never disturb the application instruction sequence.
	instrs := u.Instrs()
	if len(instrs) != 2 || instrs[0].PC != 0x1000 || instrs[1].PC != 0x1001 {
		t.Errorf("application instructions disturbed: %+v", instrs)
	}
}

func TestUnitInsertForeignInstr(t *testing.T) {
	u, err := DecodeUnit([]byte{0x90}, 0x1000)
	if err != nil {
		t.Fatalf("DecodeUnit: %v", err)
	}
	other, err := DecodeUnit([]byte{0x90}, 0x2000)
	if err != nil {
		t.Fatalf("DecodeUnit: %v", err)
	}
	if err := u.InsertBefore(other.Instrs()[0], machine.Label{ID: 1}); err == nil {
		t.Fatalf("expected error inserting before an instruction from another unit")
	}
}

func TestUnitNewLabelUnique(t *testing.T) {
	u := &Unit{}
	a, b := u.NewLabel(), u.NewLabel()
	if a == b {
		t.Fatalf("NewLabel returned duplicate identifier %d", a)
	}
}
