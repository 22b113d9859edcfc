// Package engine is the inline memory-trace instrumentation client: it
// walks every captured unit, and for each memory operand of each
// instruction inserts a short record-and-check sequence that appends a
// trace record to the current thread's buffer and, when the buffer
// fills, escapes through a shared trampoline page to the flush routine.
//
// The fast path is deliberately cheap: two stolen registers
// (unconditionally saved to and restored from spill slots), address
// arithmetic, a handful of stores, and a zero-test branch against the
// precomputed negated buffer end, so no comparison and no flag
// save/restore is needed. The slow path is centralized in one generated
// page shared by all sites and all threads; it performs a full
// register-context-preserving call into the flush routine. That call
// saves and restores the whole register file on every overflow, a cost
// the fast path never pays and the overflow path accepts.
//
// Buffers are thread-exclusive. The only cross-thread state is the
// running total of traced references, merged under a mutex once per
// thread at teardown.
package engine
