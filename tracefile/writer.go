package tracefile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang/snappy"

	"github.com/retracesoftware/retrace/trace"
)

// Writer is the append-only provenance log. It is single-producer per
// file and holds an exclusive advisory lock for its lifetime. Events
// are buffered per thread and flushed on end-of-frame, when a buffer
// exceeds FlushThreshold, and at Close.
type Writer struct {
	mu sync.Mutex

	path string
	file *os.File
	lock *flock.Flock

	pid     int
	size    uint64
	created time.Time

	lanes map[uint16]*lane

	codesMu sync.Mutex
	codes   map[uint32]*trace.CodeObject

	index      []IndexEntry
	eventCount uint64

	closed bool
}

// lane buffers one thread's pending events.
type lane struct {
	buf          []byte
	startCounter uint64
	pending      []pendingEntry
}

// pendingEntry is an index candidate whose absolute offset is resolved
// at flush time.
type pendingEntry struct {
	counter   uint64
	bufOffset uint64
}

// Create opens path for writing, takes the advisory lock and writes a
// provisional header. Close patches the header with the code table and
// index offsets.
func Create(path string) (*Writer, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("trace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("trace lock: %s already held", path)
	}
	f, err := os.Create(path)
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	w := &Writer{
		path:    path,
		file:    f,
		lock:    lk,
		pid:     os.Getpid(),
		created: time.Now(),
		lanes:   make(map[uint16]*lane),
		codes:   make(map[uint32]*trace.CodeObject),
	}
	hdr := Header{
		Version:   Version,
		Flags:     FlagCompressedLineMaps,
		CreatedNS: uint64(w.created.UnixNano()),
	}
	if _, err := f.Write(hdr.marshal()); err != nil {
		_ = f.Close()
		_ = lk.Unlock()
		return nil, err
	}
	w.size = HeaderSize
	return w, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Pid returns the process the writer belongs to.
func (w *Writer) Pid() int {
	return w.pid
}

// RegisterCode records a code object for the code table. Registering
// the same id twice keeps the first entry.
func (w *Writer) RegisterCode(c *trace.CodeObject) {
	w.codesMu.Lock()
	defer w.codesMu.Unlock()
	if _, ok := w.codes[c.ID]; !ok {
		w.codes[c.ID] = c
	}
}

// Append buffers one event on its thread's lane. Frame-exit and abort
// events force a flush so a crash loses at most the open frame.
func (w *Writer) Append(e *trace.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if os.Getpid() != w.pid {
		return ErrForkDetected
	}

	ln := w.lanes[e.Thread]
	if ln == nil {
		ln = &lane{startCounter: e.Counter}
		w.lanes[e.Thread] = ln
	}
	if len(ln.buf) == 0 {
		ln.startCounter = e.Counter
	}

	if w.eventCount%IndexStride == 0 {
		ln.pending = append(ln.pending, pendingEntry{counter: e.Counter, bufOffset: uint64(len(ln.buf))})
	}
	w.eventCount++

	ln.buf = append(ln.buf, encodeEvent(e)...)

	if e.Tag == trace.TagFrameExit || e.Tag == trace.TagAborted || len(ln.buf) >= FlushThreshold {
		return w.flushLane(e.Thread, ln)
	}
	return nil
}

// Flush forces all lanes to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushAll()
}

func (w *Writer) flushAll() error {
	for tid, ln := range w.lanes {
		if err := w.flushLane(tid, ln); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushLane(tid uint16, ln *lane) error {
	if len(ln.buf) == 0 {
		return nil
	}
	hdr := make([]byte, segmentHeaderSize)
	hdr[0] = byte(trace.TagSegment)
	binary.LittleEndian.PutUint16(hdr[1:3], tid)
	binary.LittleEndian.PutUint64(hdr[3:11], uint64(len(ln.buf)))
	binary.LittleEndian.PutUint64(hdr[11:19], ln.startCounter)
	if _, err := w.file.Write(hdr); err != nil {
		return err
	}
	if _, err := w.file.Write(ln.buf); err != nil {
		return err
	}
	for _, p := range ln.pending {
		w.index = append(w.index, IndexEntry{
			Thread:  tid,
			Counter: p.counter,
			Offset:  w.size + segmentHeaderSize + p.bufOffset,
		})
	}
	w.size += segmentHeaderSize + uint64(len(ln.buf))
	ln.buf = ln.buf[:0]
	ln.pending = ln.pending[:0]
	return nil
}

// Close flushes the lanes, writes the code table and index tail,
// patches the header and releases the lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	defer func() {
		_ = w.lock.Unlock()
	}()

	if err := w.flushAll(); err != nil {
		_ = w.file.Close()
		return err
	}

	codeOff := w.size
	if err := w.writeCodeTable(); err != nil {
		_ = w.file.Close()
		return err
	}
	indexOff := w.size
	if err := w.writeIndex(); err != nil {
		_ = w.file.Close()
		return err
	}

	hdr := Header{
		Version:         Version,
		Flags:           FlagCompressedLineMaps,
		ThreadCount:     uint16(len(w.lanes)),
		CreatedNS:       uint64(w.created.UnixNano()),
		CodeTableOffset: codeOff,
		IndexOffset:     indexOff,
		EventCount:      w.eventCount,
	}
	if _, err := w.file.WriteAt(hdr.marshal(), 0); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) writeCodeTable() error {
	w.codesMu.Lock()
	codes := make([]*trace.CodeObject, 0, len(w.codes))
	for _, c := range w.codes {
		codes = append(codes, c)
	}
	w.codesMu.Unlock()
	sort.Slice(codes, func(i, j int) bool { return codes[i].ID < codes[j].ID })

	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(codes)))
	for _, c := range codes {
		buf = binary.LittleEndian.AppendUint32(buf, c.ID)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.SourcePath)))
		buf = append(buf, c.SourcePath...)

		lineMap := make([]byte, 0, len(c.LineMap)*8)
		for _, le := range c.LineMap {
			lineMap = binary.AppendUvarint(lineMap, uint64(le.Offset))
			lineMap = binary.AppendUvarint(lineMap, uint64(le.Line))
		}
		compressed := snappy.Encode(nil, lineMap)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(compressed)))
		buf = append(buf, compressed...)

		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.LocalNames)))
		for _, name := range c.LocalNames {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
			buf = append(buf, name...)
		}
		buf = binary.LittleEndian.AppendUint32(buf, c.ConstCount)
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.size += uint64(len(buf))
	return nil
}

func (w *Writer) writeIndex() error {
	sort.Slice(w.index, func(i, j int) bool {
		if w.index[i].Thread != w.index[j].Thread {
			return w.index[i].Thread < w.index[j].Thread
		}
		return w.index[i].Counter < w.index[j].Counter
	})
	buf := make([]byte, 0, 4+len(w.index)*18)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.index)))
	for _, e := range w.index {
		buf = binary.LittleEndian.AppendUint16(buf, e.Thread)
		buf = binary.LittleEndian.AppendUint64(buf, e.Counter)
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	w.size += uint64(len(buf))
	return nil
}
