package host

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pb2bee/memtrace/pkg/logflags"
	"github.com/pb2bee/memtrace/pkg/machine"
)

// RoutineID identifies a routine registered for invocation through a
// full context-preserving call.
type RoutineID uint32

// unitCacheSize bounds how many instrumented units are kept keyed by
// entry address.
const unitCacheSize = 256

// Host owns the capture/instrument/execute pipeline and the process
// wide resources instrumentation clients allocate from.
type Host struct {
	mu sync.Mutex

	mem machine.Memory

	passes   []unitPass
	onThread []func(*Thread)
	onExit   []func(*Thread)
	atExit   []func()

	routines []func(*Thread)

	nextTLS   int
	nextTID   int
	nextBase  uint64
	pageOps   map[uint64][]machine.Op
	unitCache *lru.Cache

	reportErr func(error)

	log logflags.Logger
}

type unitPass struct {
	name     string
	priority int
	fn       func(*Unit) error
}

// NewHost creates a host with an empty machine memory.
func NewHost() *Host {
	cache, err := lru.New(unitCacheSize)
	if err != nil {
		panic(err)
	}
	h := &Host{
		mem:       machine.NewMemory(),
		nextBase:  0x70000000000,
		pageOps:   make(map[uint64][]machine.Op),
		unitCache: cache,
		log:       logflags.HostLogger(),
	}
	h.reportErr = func(err error) {
		h.log.WithError(err).Error("instrumentation client error")
	}
	return h
}

// Memory returns the modeled address space shared by all threads.
func (h *Host) Memory() machine.Memory {
	return h.mem
}

// RegisterUnitPass registers a unit transformation pass. Passes run in
// ascending priority order on every captured unit before it first
// executes.
func (h *Host) RegisterUnitPass(name string, priority int, fn func(*Unit) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passes = append(h.passes, unitPass{name: name, priority: priority, fn: fn})
	sort.SliceStable(h.passes, func(i, j int) bool {
		return h.passes[i].priority < h.passes[j].priority
	})
}

// RegisterThreadInit registers a callback run when a thread is first
// observed.
func (h *Host) RegisterThreadInit(fn func(*Thread)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onThread = append(h.onThread, fn)
}

// RegisterThreadExit registers a callback run when a thread retires.
func (h *Host) RegisterThreadExit(fn func(*Thread)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExit = append(h.onExit, fn)
}

// RegisterExit registers a callback run at host shutdown, after all
// threads have retired.
func (h *Host) RegisterExit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.atExit = append(h.atExit, fn)
}

// AllocTLSSlot hands out a per-thread storage slot addressable from
// generated code through the LoadTLS operation.
func (h *Host) AllocTLSSlot() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nextTLS >= machine.NumTLSSlots {
		return -1, errors.New("host: out of thread-local storage slots")
	}
	slot := h.nextTLS
	h.nextTLS++
	return slot, nil
}

// RegisterRoutine registers a routine reachable from generated code
// through the CleanCall operation. The routine runs with the invoking
// thread's full register context saved and restored around it.
func (h *Host) RegisterRoutine(fn func(*Thread)) RoutineID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routines = append(h.routines, fn)
	return RoutineID(len(h.routines) - 1)
}

// MapPage makes a frozen generated-code page reachable from the
// JumpPage operation.
func (h *Host) MapPage(p *Page) error {
	if !p.Frozen() {
		return errors.New("host: refusing to map a writable code page")
	}
	ops, err := machine.DecodeOps(p.Bytes())
	if err != nil {
		return fmt.Errorf("host: undecodable code page: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pageOps[p.Addr()] = ops
	return nil
}

// SetErrorReporter installs the callback instrumentation-client errors
// are surfaced through.
func (h *Host) SetErrorReporter(fn func(error)) {
	h.reportErr = fn
}

// ReportError forwards a client error to the host's reporting
// mechanism. Errors are reported, not retried.
func (h *Host) ReportError(err error) {
	h.reportErr(err)
}

// Thread is one execution thread of the traced program.
type Thread struct {
	ID  int
	Ctx *machine.Context

	host   *Host
	locals [machine.NumTLSSlots]interface{}
}

// NewThread creates a thread sharing the host's memory and runs the
// registered thread-init callbacks.
func (h *Host) NewThread() *Thread {
	h.mu.Lock()
	h.nextTID++
	th := &Thread{
		ID:   h.nextTID,
		Ctx:  &machine.Context{Mem: h.mem},
		host: h,
	}
	inits := append([]func(*Thread){}, h.onThread...)
	h.mu.Unlock()
	for _, fn := range inits {
		fn(th)
	}
	return th
}

// ExitThread runs the registered thread-exit callbacks for th.
func (h *Host) ExitThread(th *Thread) {
	h.mu.Lock()
	exits := append([]func(*Thread){}, h.onExit...)
	h.mu.Unlock()
	for _, fn := range exits {
		fn(th)
	}
}

// Shutdown runs the registered exit callbacks. It must be called after
// all threads have exited.
func (h *Host) Shutdown() {
	for _, fn := range h.atExit {
		fn()
	}
}

// SetTLS stores a value into one of the thread's generated-code
// addressable storage slots.
func (th *Thread) SetTLS(slot int, v uint64) {
	th.Ctx.TLS[slot] = v
}

// TLS reads one of the thread's generated-code addressable slots.
func (th *Thread) TLS(slot int) uint64 {
	return th.Ctx.TLS[slot]
}

// SetLocal attaches client-side data to the thread under a slot index.
func (th *Thread) SetLocal(slot int, v interface{}) {
	th.locals[slot] = v
}

// Local returns the client-side data attached under a slot index.
func (th *Thread) Local(slot int) interface{} {
	return th.locals[slot]
}
