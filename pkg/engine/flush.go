package engine

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/trace"
)

// cleanCall is the routine the trampoline's context-preserving call
// lands in. It takes no arguments; the current thread's buffer is
// resolved through thread-local lookup.
func (e *Engine) cleanCall(th *host.Thread) {
	e.flushThread(th)
}

// flushThread serializes the valid prefix of the thread's buffer to its
// log, accounts the records, and resets the cursor. An I/O failure
// loses that trace segment only: it is reported, not retried, and the
// buffer is reset regardless so tracing continues.
func (e *Engine) flushThread(th *host.Thread) {
	data := e.data(th)
	cursor, err := e.cursor(data)
	if err != nil {
		e.h.ReportError(err)
		return
	}
	n := int((cursor - data.base) / trace.RecordSize)
	e.flushLog.Debugf("thread %d: flushing %d records", th.ID, n)

	buf := make([]byte, n*trace.RecordSize)
	if _, err := e.h.Memory().ReadMemory(buf, data.base); err != nil {
		e.h.ReportError(err)
		return
	}
	if data.log != nil {
		if err := dumpBuffer(data.log, buf, n); err != nil {
			e.h.ReportError(fmt.Errorf("thread %d: trace flush: %v", th.ID, err))
		}
	}

	data.numRefs += uint64(n)
	data.flushes++
	if err := e.resetCursor(data); err != nil {
		e.h.ReportError(err)
	}
}

// writeFormatted dumps records one text line each, preceded by the
// format header.
func writeFormatted(w io.Writer, buf []byte, n int) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, trace.FormatHeader); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		rec := trace.DecodeRecord(buf[i*trace.RecordSize:])
		if _, err := fmt.Fprintln(bw, trace.FormatLine(rec)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeRaw dumps the untransformed byte image of the buffer's valid
// prefix.
func writeRaw(w io.Writer, buf []byte, n int) error {
	_, err := w.Write(buf[:n*trace.RecordSize])
	return err
}
