package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/machine"
	"github.com/pb2bee/memtrace/pkg/trace"
)

// Offsets of the machine-visible thread header fields generated code
// dereferences. The header holds only what the fast path needs: the
// buffer cursor and the negated buffer end.
const (
	offBufPtr  = 0
	offBufEnd  = 8
	headerSize = 16
)

// ThreadData is the engine's per-thread state. The header and record
// buffer live in machine memory (generated code addresses them); the
// rest is bookkeeping owned exclusively by the thread it belongs to,
// except for the single merge into the global counter at release.
type ThreadData struct {
	header   uint64 // machine address of {bufPtr, bufEnd}
	base     uint64 // machine address of the record buffer
	capacity int    // buffer capacity in records
	log      *os.File
	numRefs  uint64
	flushes  uint64
}

// NumRefs returns the number of references flushed so far on this
// thread.
func (d *ThreadData) NumRefs() uint64 {
	return d.numRefs
}

// Flushes returns how many times this thread's buffer has been flushed.
func (d *ThreadData) Flushes() uint64 {
	return d.flushes
}

// threadInit allocates the thread's record buffer and log. A thread the
// engine cannot give a buffer cannot run instrumented code, so
// allocation failure aborts instead of degrading silently.
func (e *Engine) threadInit(th *host.Thread) {
	data, err := e.allocBuffer()
	if err != nil {
		e.flushLog.Fatalf("cannot allocate trace buffer for thread %d: %v", th.ID, err)
	}
	f, err := e.openLog(th)
	if err != nil {
		e.flushLog.Fatalf("cannot open trace log for thread %d: %v", th.ID, err)
	}
	data.log = f
	th.SetTLS(e.tlsSlot, data.header)
	th.SetLocal(e.tlsSlot, data)
}

func (e *Engine) allocBuffer() (*ThreadData, error) {
	mem := e.h.Memory()
	capacity := e.cfg.Capacity()
	header, err := mem.Alloc(headerSize)
	if err != nil {
		return nil, err
	}
	size := uint64(capacity) * trace.RecordSize
	base, err := mem.Alloc(size)
	if err != nil {
		return nil, err
	}
	if err := machine.WriteWord(mem, header+offBufPtr, base); err != nil {
		return nil, err
	}
	// The boundary is stored negated so the overflow check is a single
	// addition whose zero result means "full".
	if err := machine.WriteWord(mem, header+offBufEnd, -(base + size)); err != nil {
		return nil, err
	}
	return &ThreadData{header: header, base: base, capacity: capacity}, nil
}

func (e *Engine) openLog(th *host.Thread) (*os.File, error) {
	dir := e.cfg.OutputDir
	if dir == "" {
		dir = "."
	}
	name := filepath.Join(dir, fmt.Sprintf("memtrace.%d.%04d.log", os.Getpid(), th.ID))
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// threadExit performs the final flush, merges the thread's running
// total into the global counter, and closes the log.
func (e *Engine) threadExit(th *host.Thread) {
	e.flushThread(th)
	data := e.data(th)
	e.mu.Lock()
	e.totalRefs += data.numRefs
	e.mu.Unlock()
	if data.log != nil {
		if err := data.log.Close(); err != nil {
			e.h.ReportError(fmt.Errorf("closing trace log for thread %d: %v", th.ID, err))
		}
		data.log = nil
	}
}

// data resolves the engine's per-thread state via thread-local lookup.
func (e *Engine) data(th *host.Thread) *ThreadData {
	return th.Local(e.tlsSlot).(*ThreadData)
}

// cursor reads the thread's current buffer cursor out of machine
// memory.
func (e *Engine) cursor(data *ThreadData) (uint64, error) {
	return machine.ReadWord(e.h.Memory(), data.header+offBufPtr)
}

// resetCursor points the cursor back at the buffer base. Buffer
// contents are left as they are: validity derives from the cursor, so
// zeroing would be pure overhead.
func (e *Engine) resetCursor(data *ThreadData) error {
	return machine.WriteWord(e.h.Memory(), data.header+offBufPtr, data.base)
}
