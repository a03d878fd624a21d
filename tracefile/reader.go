package tracefile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/golang/snappy"

	"github.com/retracesoftware/retrace/trace"
)

// Reader decodes a closed trace file. The file is loaded once and
// shared read-only; all methods are safe for concurrent use.
type Reader struct {
	data   []byte
	header Header
	codes  map[uint32]*trace.CodeObject
	index  []IndexEntry
	lanes  map[uint16][]IndexEntry // per-thread entries, counter order
}

// Open reads and validates path. A file whose close-time sections are
// missing is reported as truncated.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	hdr, err := unmarshalHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if hdr.Version > Version {
		return nil, fmt.Errorf("%s: unsupported trace version %d: %w", path, hdr.Version, ErrCorrupt)
	}
	r := &Reader{data: data, header: hdr}
	if hdr.CodeTableOffset == 0 || hdr.IndexOffset == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrTruncated)
	}
	if err := r.readCodeTable(); err != nil {
		return nil, fmt.Errorf("%s: code table: %w", path, err)
	}
	if err := r.readIndex(); err != nil {
		return nil, fmt.Errorf("%s: index: %w", path, err)
	}
	return r, nil
}

// Header returns the decoded file header.
func (r *Reader) Header() Header {
	return r.header
}

// Codes returns the code table keyed by code id.
func (r *Reader) Codes() map[uint32]*trace.CodeObject {
	return r.codes
}

// Code resolves one code object, or nil.
func (r *Reader) Code(id uint32) *trace.CodeObject {
	return r.codes[id]
}

// Index returns the sparse counter index, sorted by thread then
// counter.
func (r *Reader) Index() []IndexEntry {
	return r.index
}

// Size returns the file size in bytes.
func (r *Reader) Size() int {
	return len(r.data)
}

// NearestOffset returns the largest indexed offset on thread whose
// counter does not exceed counter, or the start of the event stream.
// Counters are per-thread clocks, so only that thread's index entries
// are consulted.
func (r *Reader) NearestOffset(thread uint16, counter uint64) uint64 {
	lane := r.lanes[thread]
	off := uint64(HeaderSize)
	i := sort.Search(len(lane), func(i int) bool { return lane[i].Counter > counter })
	if i > 0 {
		off = lane[i-1].Offset
	}
	return off
}

// Scan iterates events in file order starting at the event stream
// head, calling fn until it returns false or the stream ends. Events
// with unknown tags are skipped by their length frame.
func (r *Reader) Scan(fn func(e *trace.Event, offset uint64) bool) error {
	return r.ScanFrom(HeaderSize, fn)
}

// ScanFrom iterates events from an absolute file offset, which must be
// a segment or event boundary previously obtained from the index.
func (r *Reader) ScanFrom(offset uint64, fn func(e *trace.Event, offset uint64) bool) error {
	pos := offset
	end := r.header.CodeTableOffset

	for pos < end {
		if r.data[pos] == byte(trace.TagSegment) {
			if pos+segmentHeaderSize > end {
				return ErrCorrupt
			}
			segLen := binary.LittleEndian.Uint64(r.data[pos+3 : pos+11])
			pos += segmentHeaderSize
			if pos+segLen > end {
				return ErrCorrupt
			}
			continue
		}
		e, next, err := r.eventAt(pos)
		if err != nil {
			return err
		}
		if e != nil && !fn(e, pos) {
			return nil
		}
		pos = next
	}
	return nil
}

// EventAt decodes the single event at an absolute offset.
func (r *Reader) EventAt(offset uint64) (*trace.Event, error) {
	e, _, err := r.eventAt(offset)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrCorrupt
	}
	return e, nil
}

// eventAt returns the decoded event (nil for unknown tags) and the
// offset of the next record.
func (r *Reader) eventAt(pos uint64) (*trace.Event, uint64, error) {
	if pos >= uint64(len(r.data)) {
		return nil, 0, ErrCorrupt
	}
	tag := trace.EventTag(r.data[pos])
	plen, n := binary.Uvarint(r.data[pos+1:])
	if n <= 0 {
		return nil, 0, ErrCorrupt
	}
	payloadStart := pos + 1 + uint64(n)
	payloadEnd := payloadStart + plen
	if payloadEnd+4 > uint64(len(r.data)) {
		return nil, 0, ErrCorrupt
	}
	payload := r.data[payloadStart:payloadEnd]
	want := binary.LittleEndian.Uint32(r.data[payloadEnd : payloadEnd+4])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, 0, fmt.Errorf("event at %d: checksum mismatch: %w", pos, ErrCorrupt)
	}
	next := payloadEnd + 4

	switch tag {
	case trace.TagInstruction, trace.TagFrameEnter, trace.TagFrameExit, trace.TagAborted:
		e, err := decodeEvent(tag, payload)
		if err != nil {
			return nil, 0, err
		}
		return e, next, nil
	default:
		// Unknown tag: forward compatibility, skip by length.
		return nil, next, nil
	}
}

func (r *Reader) readCodeTable() error {
	pos := r.header.CodeTableOffset
	if pos+4 > uint64(len(r.data)) {
		return ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(r.data[pos : pos+4])
	pos += 4
	r.codes = make(map[uint32]*trace.CodeObject, count)

	for i := uint32(0); i < count; i++ {
		if pos+6 > uint64(len(r.data)) {
			return ErrCorrupt
		}
		c := &trace.CodeObject{ID: binary.LittleEndian.Uint32(r.data[pos : pos+4])}
		pathLen := uint64(binary.LittleEndian.Uint16(r.data[pos+4 : pos+6]))
		pos += 6
		if pos+pathLen > uint64(len(r.data)) {
			return ErrCorrupt
		}
		c.SourcePath = string(r.data[pos : pos+pathLen])
		pos += pathLen

		if pos+4 > uint64(len(r.data)) {
			return ErrCorrupt
		}
		mapLen := uint64(binary.LittleEndian.Uint32(r.data[pos : pos+4]))
		pos += 4
		if pos+mapLen > uint64(len(r.data)) {
			return ErrCorrupt
		}
		lineMap := r.data[pos : pos+mapLen]
		pos += mapLen
		if r.header.Flags&FlagCompressedLineMaps != 0 {
			decoded, err := snappy.Decode(nil, lineMap)
			if err != nil {
				return fmt.Errorf("line map: %w", ErrCorrupt)
			}
			lineMap = decoded
		}
		for off := 0; off < len(lineMap); {
			o, n1 := binary.Uvarint(lineMap[off:])
			if n1 <= 0 {
				return ErrCorrupt
			}
			l, n2 := binary.Uvarint(lineMap[off+n1:])
			if n2 <= 0 {
				return ErrCorrupt
			}
			c.LineMap = append(c.LineMap, trace.LineEntry{Offset: uint32(o), Line: uint32(l)})
			off += n1 + n2
		}

		if pos+4 > uint64(len(r.data)) {
			return ErrCorrupt
		}
		nameCount := binary.LittleEndian.Uint32(r.data[pos : pos+4])
		pos += 4
		for j := uint32(0); j < nameCount; j++ {
			if pos+2 > uint64(len(r.data)) {
				return ErrCorrupt
			}
			nameLen := uint64(binary.LittleEndian.Uint16(r.data[pos : pos+2]))
			pos += 2
			if pos+nameLen > uint64(len(r.data)) {
				return ErrCorrupt
			}
			c.LocalNames = append(c.LocalNames, string(r.data[pos:pos+nameLen]))
			pos += nameLen
		}
		if pos+4 > uint64(len(r.data)) {
			return ErrCorrupt
		}
		c.ConstCount = binary.LittleEndian.Uint32(r.data[pos : pos+4])
		pos += 4

		r.codes[c.ID] = c
	}
	return nil
}

func (r *Reader) readIndex() error {
	pos := r.header.IndexOffset
	if pos+4 > uint64(len(r.data)) {
		return ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(r.data[pos : pos+4])
	pos += 4
	r.index = make([]IndexEntry, 0, count)
	r.lanes = make(map[uint16][]IndexEntry)
	for i := uint32(0); i < count; i++ {
		if pos+18 > uint64(len(r.data)) {
			return ErrCorrupt
		}
		entry := IndexEntry{
			Thread:  binary.LittleEndian.Uint16(r.data[pos : pos+2]),
			Counter: binary.LittleEndian.Uint64(r.data[pos+2 : pos+10]),
			Offset:  binary.LittleEndian.Uint64(r.data[pos+10 : pos+18]),
		}
		r.index = append(r.index, entry)
		r.lanes[entry.Thread] = append(r.lanes[entry.Thread], entry)
		pos += 18
	}
	for _, lane := range r.lanes {
		sort.Slice(lane, func(i, j int) bool { return lane[i].Counter < lane[j].Counter })
	}
	return nil
}
