package tracefile

import (
	"encoding/binary"
	"errors"
)

// Trace file layout:
//
//	Header (48 B)
//	Event stream: per-thread segments, each framed by a segment header
//	Code table   (offset patched into the header at close)
//	Index tail   (sparse counter -> offset entries, patched at close)
//
// All fixed-width fields are little endian; event payload fields are
// unsigned varints. Each event is framed as
//
//	tag u8 | payload_len uvarint | payload | crc32 u32
//
// so readers skip unknown tags by length and verify payload integrity
// independently of understanding it.

const (
	Magic   = "RTRC"
	Version = 1

	// Header flag bits.
	FlagCompressedLineMaps uint16 = 1 << 0

	HeaderSize = 48

	// segmentHeaderSize frames one per-thread run of events:
	// tag u8 | thread_id u16 | seg_len u64 | start_counter u64.
	segmentHeaderSize = 1 + 2 + 8 + 8

	// FlushThreshold is the per-thread buffer size that forces a flush.
	FlushThreshold = 64 << 10

	// IndexStride is the event interval between sparse index entries.
	IndexStride = 4096
)

var (
	// ErrCorrupt reports a malformed or checksum-failing trace.
	ErrCorrupt = errors.New("trace file corrupt")

	// ErrTruncated reports a trace whose close-time sections are
	// missing (the recording crashed before Close).
	ErrTruncated = errors.New("trace file truncated")

	// ErrForkDetected reports an append attempted from a process other
	// than the one that opened the writer.
	ErrForkDetected = errors.New("fork detected: writer belongs to another process")

	// ErrWriterClosed reports an append after Close.
	ErrWriterClosed = errors.New("trace writer closed")
)

// Header is the fixed-size trace file header.
type Header struct {
	Version         uint16
	Flags           uint16
	ThreadCount     uint16
	CreatedNS       uint64
	CodeTableOffset uint64
	IndexOffset     uint64
	EventCount      uint64
}

func (h *Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint16(buf[8:10], h.ThreadCount)
	// buf[10:12] reserved
	binary.LittleEndian.PutUint64(buf[12:20], h.CreatedNS)
	binary.LittleEndian.PutUint64(buf[20:28], h.CodeTableOffset)
	binary.LittleEndian.PutUint64(buf[28:36], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[36:44], h.EventCount)
	// buf[44:48] reserved
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize || string(buf[0:4]) != Magic {
		return h, ErrCorrupt
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.ThreadCount = binary.LittleEndian.Uint16(buf[8:10])
	h.CreatedNS = binary.LittleEndian.Uint64(buf[12:20])
	h.CodeTableOffset = binary.LittleEndian.Uint64(buf[20:28])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[28:36])
	h.EventCount = binary.LittleEndian.Uint64(buf[36:44])
	return h, nil
}

// IndexEntry maps an instruction counter to the file offset of its
// event record. Counters are per-thread clocks, so every entry is
// stamped with the lane's thread id; lookups never mix counter spaces.
type IndexEntry struct {
	Thread  uint16
	Counter uint64
	Offset  uint64
}
