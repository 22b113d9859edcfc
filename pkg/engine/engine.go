package engine

import (
	"sync"

	"github.com/pb2bee/memtrace/pkg/config"
	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/logflags"
)

// Pass priorities: iteration expansion must normalize units before the
// insert pass walks them.
const (
	priorityExpand = 0
	priorityInsert = 100
)

// Engine is the memory-trace instrumentation client. Create it with
// New before any thread runs; it registers itself with the host and
// from then on every captured unit is instrumented and every thread
// gets a trace buffer and log.
type Engine struct {
	cfg *config.Config
	h   *host.Host

	tlsSlot int
	tramp   *Trampoline

	// mu guards totalRefs, the only shared mutable state: each thread
	// adds its running total exactly once, at teardown.
	mu        sync.Mutex
	totalRefs uint64

	injectLog logflags.Logger
	trampLog  logflags.Logger
	flushLog  logflags.Logger
}

// New wires a trace engine into the host. Failure to allocate the
// trampoline page is fatal: the fast path branches to a fixed address
// that has to exist before any unit is instrumented.
func New(h *host.Host, cfg *config.Config) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		h:         h,
		injectLog: logflags.InjectorLogger(),
		trampLog:  logflags.TrampolineLogger(),
		flushLog:  logflags.FlushLogger(),
	}

	slot, err := h.AllocTLSSlot()
	if err != nil {
		return nil, err
	}
	e.tlsSlot = slot

	flushID := h.RegisterRoutine(e.cleanCall)
	tramp, err := newTrampoline(h, flushID)
	if err != nil {
		e.trampLog.Fatalf("cannot build overflow trampoline: %v", err)
	}
	e.tramp = tramp
	e.trampLog.Debugf("trampoline page at %#x", tramp.Addr())

	h.RegisterUnitPass("memtrace-expand", priorityExpand, h.ExpandRepString)
	h.RegisterUnitPass("memtrace-insert", priorityInsert, e.insertPass)
	h.RegisterThreadInit(e.threadInit)
	h.RegisterThreadExit(e.threadExit)
	h.RegisterExit(e.exit)
	return e, nil
}

// TotalRefs returns the global reference count. Meaningful once all
// threads have retired.
func (e *Engine) TotalRefs() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalRefs
}

// ThreadData returns the engine's per-thread state for th.
func (e *Engine) ThreadData(th *host.Thread) *ThreadData {
	return e.data(th)
}

func (e *Engine) exit() {
	e.flushLog.Infof("saw %d memory references", e.TotalRefs())
}
