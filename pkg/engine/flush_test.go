package engine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pb2bee/memtrace/pkg/trace"
)

func sampleBuffer(recs []trace.Record) []byte {
	var buf []byte
	for _, rec := range recs {
		buf = trace.AppendRecord(buf, rec)
	}
	return buf
}

func TestWriteFormatted(t *testing.T) {
	recs := []trace.Record{
		{Write: false, Size: 4, Addr: 0x10000040, PC: 0x401000},
		{Write: true, Size: 8, Addr: 0x10000048, PC: 0x401003},
	}
	var out bytes.Buffer
	if err := writeFormatted(&out, sampleBuffer(recs), len(recs)); err != nil {
		t.Fatalf("writeFormatted: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 records", len(lines))
	}
	if lines[0] != trace.FormatHeader {
		t.Errorf("header line = %q", lines[0])
	}
	for i, rec := range recs {
		parsed, err := trace.ParseLine(lines[i+1])
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", lines[i+1], err)
		}
		if parsed != rec {
			t.Errorf("line %d round-tripped to %+v, want %+v", i+1, parsed, rec)
		}
	}
}

func TestWriteFormattedEmpty(t *testing.T) {
	var out bytes.Buffer
	if err := writeFormatted(&out, nil, 0); err != nil {
		t.Fatalf("writeFormatted: %v", err)
	}
	if got := strings.TrimRight(out.String(), "\n"); got != trace.FormatHeader {
		t.Errorf("empty flush wrote %q, want header only", got)
	}
}

func TestWriteRaw(t *testing.T) {
	recs := []trace.Record{
		{Write: true, Size: 1, Addr: 0x10000000, PC: 0x402000},
		{Write: true, Size: 1, Addr: 0x10000001, PC: 0x402000},
	}
	buf := sampleBuffer(recs)
	// Only the valid prefix goes out, whatever the buffer holds past it.
	padded := append(append([]byte{}, buf...), make([]byte, trace.RecordSize)...)

	var out bytes.Buffer
	if err := writeRaw(&out, padded, len(recs)); err != nil {
		t.Fatalf("writeRaw: %v", err)
	}
	if !bytes.Equal(out.Bytes(), buf) {
		t.Errorf("raw output differs from record image")
	}
	for i := range recs {
		if got := trace.DecodeRecord(out.Bytes()[i*trace.RecordSize:]); got != recs[i] {
			t.Errorf("raw record %d decodes to %+v, want %+v", i, got, recs[i])
		}
	}
}
