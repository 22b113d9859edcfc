package trace

import (
	"testing"
)

func TestRecordBinaryLayout(t *testing.T) {
	r := Record{Write: true, Size: 4, Addr: 0x7fffdeadbeef, PC: 0x401000}
	b := AppendRecord(nil, r)
	if len(b) != RecordSize {
		t.Fatalf("expected %d encoded bytes, got %d", RecordSize, len(b))
	}
	got := DecodeRecord(b)
	if got != r {
		t.Fatalf("decoded record %+v does not match original %+v", got, r)
	}
}

func TestFormatLineRoundTrip(t *testing.T) {
	recs := []Record{
		{Write: false, Size: 8, Addr: 0x7ffe00112233, PC: 0x40a1b2},
		{Write: true, Size: 1, Addr: 0x1, PC: 0xffffffffffffffff},
		{Write: true, Size: 4, Addr: 0, PC: 0},
	}
	for _, r := range recs {
		line := FormatLine(r)
		got, err := ParseLine(line)
		if err != nil {
			t.Fatalf("ParseLine(%q) failed: %v", line, err)
		}
		if got != r {
			t.Errorf("round trip of %q: got %+v, want %+v", line, got, r)
		}
	}
}

func TestFormatLineDirection(t *testing.T) {
	read := FormatLine(Record{Size: 4})
	write := FormatLine(Record{Write: true, Size: 4})
	if read == write {
		t.Fatalf("read and write lines should differ")
	}
	if _, err := ParseLine("0x0,x,4,0x0"); err == nil {
		t.Fatalf("expected error for bad direction field")
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"0x1,r,4",
		"zzz,r,4,0x0",
		"0x1,r,four,0x0",
		"0x1,r,4,zzz",
	} {
		if _, err := ParseLine(line); err == nil {
			t.Errorf("expected error parsing %q", line)
		}
	}
}
