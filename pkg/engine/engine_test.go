package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pb2bee/memtrace/pkg/config"
	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/machine"
	"github.com/pb2bee/memtrace/pkg/trace"
)

func newTestEngine(t *testing.T, capacity int) (*host.Host, *Engine) {
	t.Helper()
	h := host.NewHost()
	h.SetErrorReporter(func(err error) {
		t.Errorf("unexpected client error: %v", err)
	})
	cfg := &config.Config{BufferCapacity: &capacity, OutputDir: t.TempDir()}
	e, err := New(h, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, e
}

func alloc(t *testing.T, h *host.Host, size uint64) uint64 {
	t.Helper()
	addr, err := h.Memory().Alloc(size)
	if err != nil {
		t.Fatalf("Alloc(%d): %v", size, err)
	}
	return addr
}

// bufferedRecords reads the valid prefix of the thread's trace buffer.
func bufferedRecords(t *testing.T, h *host.Host, e *Engine, th *host.Thread) []trace.Record {
	t.Helper()
	data := e.data(th)
	cursor, err := e.cursor(data)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	n := int((cursor - data.base) / trace.RecordSize)
	buf := make([]byte, n*trace.RecordSize)
	if _, err := h.Memory().ReadMemory(buf, data.base); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	recs := make([]trace.Record, n)
	for i := range recs {
		recs[i] = trace.DecodeRecord(buf[i*trace.RecordSize:])
	}
	return recs
}

func TestLoadRecordsOneRead(t *testing.T) {
	h, e := newTestEngine(t, 64)
	th := h.NewThread()
	defer h.ExitThread(th)
	addr := alloc(t, h, 0x100)

	const rcxSentinel = 0x55aa55aa55aa55aa
	th.Ctx.R[machine.RBX] = addr
	th.Ctx.R[machine.RCX] = rcxSentinel
	if err := h.ExecuteBlock(th, []byte{0x8b, 0x03}, 0x401000); err != nil { // mov eax,[rbx]
		t.Fatalf("ExecuteBlock: %v", err)
	}

	recs := bufferedRecords(t, h, e, th)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	want := trace.Record{Write: false, Size: 4, Addr: addr, PC: 0x401000}
	if recs[0] != want {
		t.Errorf("record = %+v, want %+v", recs[0], want)
	}

	// The stolen pair is restored on the fast path too, where the
	// sequence never leaves the unit.
	if th.Ctx.R[machine.RBX] != addr {
		t.Errorf("rbx = %#x after fast path, want %#x", th.Ctx.R[machine.RBX], addr)
	}
	if th.Ctx.R[machine.RCX] != rcxSentinel {
		t.Errorf("rcx = %#x after fast path, stolen register not restored", th.Ctx.R[machine.RCX])
	}
}

func TestStoreRecordsOneWrite(t *testing.T) {
	h, e := newTestEngine(t, 64)
	th := h.NewThread()
	defer h.ExitThread(th)
	addr := alloc(t, h, 0x100)

	th.Ctx.R[machine.RBX] = addr
	if err := h.ExecuteBlock(th, []byte{0x89, 0x03}, 0x401000); err != nil { // mov [rbx],eax
		t.Fatalf("ExecuteBlock: %v", err)
	}

	recs := bufferedRecords(t, h, e, th)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if !recs[0].Write || recs[0].Size != 4 || recs[0].Addr != addr {
		t.Errorf("record = %+v, want a 4-byte write of %#x", recs[0], addr)
	}
}

func TestReadModifyWriteRecordsTwice(t *testing.T) {
	h, e := newTestEngine(t, 64)
	th := h.NewThread()
	defer h.ExitThread(th)
	addr := alloc(t, h, 0x100)

	th.Ctx.R[machine.RBX] = addr
	if err := h.ExecuteBlock(th, []byte{0x01, 0x03}, 0x401000); err != nil { // add [rbx],eax
		t.Fatalf("ExecuteBlock: %v", err)
	}

	recs := bufferedRecords(t, h, e, th)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (read and write)", len(recs))
	}
	if recs[0].Write || !recs[1].Write {
		t.Errorf("directions = %v,%v, want read then write", recs[0].Write, recs[1].Write)
	}
	for i, rec := range recs {
		if rec.Addr != addr || rec.Size != 4 || rec.PC != 0x401000 {
			t.Errorf("record %d = %+v, want addr %#x size 4 pc 0x401000", i, rec, addr)
		}
	}
}

func TestRepStosRecordsPerIteration(t *testing.T) {
	h, e := newTestEngine(t, 64)
	th := h.NewThread()
	defer h.ExitThread(th)
	dst := alloc(t, h, 0x100)

	const count = 5
	th.Ctx.R[machine.RAX] = 0x41
	th.Ctx.R[machine.RDI] = dst
	th.Ctx.R[machine.RCX] = count
	if err := h.ExecuteBlock(th, []byte{0xf3, 0xaa}, 0x402000); err != nil { // rep stosb
		t.Fatalf("ExecuteBlock: %v", err)
	}

	recs := bufferedRecords(t, h, e, th)
	if len(recs) != count {
		t.Fatalf("got %d records, want %d (one per iteration)", len(recs), count)
	}
	for i, rec := range recs {
		if !rec.Write || rec.Size != 1 || rec.PC != 0x402000 {
			t.Errorf("record %d = %+v, want a 1-byte write at pc 0x402000", i, rec)
		}
		if rec.Addr != dst+uint64(i) {
			t.Errorf("record %d addr %#x, want %#x", i, rec.Addr, dst+uint64(i))
		}
	}
	if th.Ctx.R[machine.RCX] != 0 {
		t.Errorf("rcx = %d after exhausted rep, want 0", th.Ctx.R[machine.RCX])
	}
	buf := make([]byte, count)
	if _, err := h.Memory().ReadMemory(buf, dst); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != 0x41 {
			t.Errorf("byte %d = %#x, want 0x41", i, b)
		}
	}
}

func TestBufferOverflowFlushes(t *testing.T) {
	h, e := newTestEngine(t, 4)
	th := h.NewThread()
	defer h.ExitThread(th)
	addr := alloc(t, h, 0x100)
	th.Ctx.R[machine.RBX] = addr

	store := []byte{0x89, 0x03} // mov [rbx],eax
	for i := 0; i < 4; i++ {
		if err := h.ExecuteBlock(th, store, 0x401000); err != nil {
			t.Fatalf("ExecuteBlock %d: %v", i, err)
		}
	}

	// The access that fills the buffer stores its record and triggers the
	// flush on its way out, leaving the buffer empty.
	data := e.ThreadData(th)
	if data.Flushes() != 1 {
		t.Errorf("flushes = %d after filling the buffer, want 1", data.Flushes())
	}
	if data.NumRefs() != 4 {
		t.Errorf("flushed refs = %d, want 4", data.NumRefs())
	}
	if recs := bufferedRecords(t, h, e, th); len(recs) != 0 {
		t.Errorf("%d records still buffered after flush, want 0", len(recs))
	}

	// The next access lands in the empty buffer without flushing again.
	if err := h.ExecuteBlock(th, store, 0x401000); err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if data.Flushes() != 1 {
		t.Errorf("flushes = %d after one more access, want 1", data.Flushes())
	}
	if recs := bufferedRecords(t, h, e, th); len(recs) != 1 {
		t.Errorf("%d records buffered, want 1", len(recs))
	}
}

func TestInstrumentationTransparency(t *testing.T) {
	h, e := newTestEngine(t, 1) // every access takes the trampoline path
	th := h.NewThread()
	defer h.ExitThread(th)
	addr := alloc(t, h, 0x100)

	const flagSentinel = 0xd5
	th.Ctx.R[machine.RBX] = addr
	th.Ctx.R[machine.RCX] = 0x1122334455667788
	th.Ctx.Flags = flagSentinel
	if err := h.ExecuteBlock(th, []byte{0x89, 0x03}, 0x401000); err != nil { // mov [rbx],eax
		t.Fatalf("ExecuteBlock: %v", err)
	}

	if data := e.ThreadData(th); data.Flushes() != 1 {
		t.Fatalf("flushes = %d, want 1 (capacity-one buffer)", data.Flushes())
	}
	if th.Ctx.Flags != flagSentinel {
		t.Errorf("flags = %#x after instrumented block, want %#x", th.Ctx.Flags, flagSentinel)
	}
	if th.Ctx.R[machine.RBX] != addr {
		t.Errorf("rbx = %#x, want %#x", th.Ctx.R[machine.RBX], addr)
	}
	if th.Ctx.R[machine.RCX] != 0x1122334455667788 {
		t.Errorf("rcx = %#x, stolen register not restored", th.Ctx.R[machine.RCX])
	}
}

func TestSegmentOperandSkipped(t *testing.T) {
	_, e := newTestEngine(t, 64)
	u, err := host.DecodeUnit([]byte{0x64, 0x8b, 0x03}, 0x1000) // mov eax,fs:[rbx]
	if err != nil {
		t.Fatalf("DecodeUnit: %v", err)
	}
	if err := e.insertPass(u); err != nil {
		t.Fatalf("insertPass: %v", err)
	}
	if ops := u.InsertedOps(); len(ops) != 0 {
		t.Errorf("segment-relative operand was instrumented: %d ops inserted", len(ops))
	}
}

func TestThreadExitMergesTotals(t *testing.T) {
	h, e := newTestEngine(t, 64)
	addr := alloc(t, h, 0x100)

	for n := 0; n < 2; n++ {
		th := h.NewThread()
		th.Ctx.R[machine.RBX] = addr
		for i := 0; i < 3; i++ {
			if err := h.ExecuteBlock(th, []byte{0x8b, 0x03}, 0x401000); err != nil {
				t.Fatalf("ExecuteBlock: %v", err)
			}
		}
		h.ExitThread(th)
	}

	if got := e.TotalRefs(); got != 6 {
		t.Errorf("TotalRefs = %d, want 6", got)
	}
}

func TestConcurrentColdUnitInstrumentation(t *testing.T) {
	// Threads that capture distinct cold units instrument them
	// concurrently; no reservation conflict may surface between them.
	h, e := newTestEngine(t, 64)
	const (
		nthreads = 4
		stores   = 50
	)

	var wg sync.WaitGroup
	errs := make([]error, nthreads)
	for i := 0; i < nthreads; i++ {
		addr := alloc(t, h, 0x100)
		wg.Add(1)
		go func(i int, addr uint64) {
			defer wg.Done()
			th := h.NewThread()
			defer h.ExitThread(th)
			th.Ctx.R[machine.RBX] = addr
			code := bytes.Repeat([]byte{0x89, 0x03}, stores) // mov [rbx],eax
			errs[i] = h.ExecuteBlock(th, code, 0x401000+uint64(i)*0x1000)
		}(i, addr)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("thread %d: %v", i, err)
		}
	}
	if got := e.TotalRefs(); got != nthreads*stores {
		t.Errorf("TotalRefs = %d, want %d", got, nthreads*stores)
	}
}

func TestTraceLogRoundTrip(t *testing.T) {
	h, e := newTestEngine(t, 64)
	th := h.NewThread()
	addr := alloc(t, h, 0x100)

	th.Ctx.R[machine.RBX] = addr
	if err := h.ExecuteBlock(th, []byte{0x01, 0x03}, 0x401000); err != nil { // add [rbx],eax
		t.Fatalf("ExecuteBlock: %v", err)
	}
	h.ExitThread(th)

	name := filepath.Join(e.cfg.OutputDir, fmt.Sprintf("memtrace.%d.%04d.log", os.Getpid(), th.ID))
	f, err := os.Open(name)
	if err != nil {
		t.Fatalf("trace log missing: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() || sc.Text() != trace.FormatHeader {
		t.Fatalf("first line = %q, want format header", sc.Text())
	}
	var recs []trace.Record
	for sc.Scan() {
		rec, err := trace.ParseLine(sc.Text())
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("log holds %d records, want 2", len(recs))
	}
	want := []trace.Record{
		{Write: false, Size: 4, Addr: addr, PC: 0x401000},
		{Write: true, Size: 4, Addr: addr, PC: 0x401000},
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, recs[i], want[i])
		}
	}
}

func TestTrampolinePageFrozen(t *testing.T) {
	_, e := newTestEngine(t, 64)
	p := e.tramp.Page()
	if !p.Frozen() {
		t.Fatalf("trampoline page not frozen")
	}
	if err := p.Write([]byte{0}); err != host.ErrPageFrozen {
		t.Errorf("write to trampoline page returned %v, want ErrPageFrozen", err)
	}
}
