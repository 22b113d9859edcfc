// Package machine models the amd64 execution state the instrumentation
// engine generates code against: a general purpose register file, a
// flags word, a flat memory space, and the per-thread spill and TLS
// slots reachable from generated code. It also defines the operation IR
// emitted by the injector and the byte codec used to place generated
// sequences into executable pages.
package machine

// Context is the machine state of one executing thread.
type Context struct {
	R     [NumGP]uint64
	Flags uint64

	// Spill holds the dedicated scratch storage stolen registers are
	// saved to around an instrumentation sequence.
	Spill [NumSpillSlots]uint64

	// TLS holds per-thread storage slots addressable from generated
	// code. Slot indices are allocated by the host.
	TLS [NumTLSSlots]uint64

	Mem Memory
}

// NumSpillSlots is the number of per-thread register spill slots.
const NumSpillSlots = 4

// NumTLSSlots is the number of per-thread storage slots the host can
// hand out to instrumentation clients.
const NumTLSSlots = 4
