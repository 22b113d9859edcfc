package trace

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatHeader is the first line of a formatted-mode trace log.
const FormatHeader = "Format: <instr address>,<(r)ead/(w)rite>,<data size>,<data address>"

// FormatLine renders one record as a formatted-mode trace line.
func FormatLine(r Record) string {
	dir := byte('r')
	if r.Write {
		dir = 'w'
	}
	return fmt.Sprintf("0x%016x,%c,%d,0x%016x", r.PC, dir, r.Size, r.Addr)
}

// ParseLine decodes a formatted-mode trace line back into the record it
// was produced from.
func ParseLine(line string) (Record, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("malformed trace line %q: expected 4 fields, got %d", line, len(fields))
	}
	pc, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return Record{}, fmt.Errorf("malformed instruction address %q: %v", fields[0], err)
	}
	var write bool
	switch fields[1] {
	case "r":
		write = false
	case "w":
		write = true
	default:
		return Record{}, fmt.Errorf("malformed direction %q: expected r or w", fields[1])
	}
	size, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("malformed data size %q: %v", fields[2], err)
	}
	addr, err := strconv.ParseUint(fields[3], 0, 64)
	if err != nil {
		return Record{}, fmt.Errorf("malformed data address %q: %v", fields[3], err)
	}
	return Record{Write: write, Size: uint32(size), Addr: addr, PC: pc}, nil
}
