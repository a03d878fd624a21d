package tracefile

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/trace"
)

func sampleEvents() []*trace.Event {
	return []*trace.Event{
		{
			Tag: trace.TagFrameEnter, Counter: 1, Frame: 1, Thread: 0, CodeID: 7,
			Writes: []trace.Binding{{NameID: 0, Tok: trace.NewTok(0, 99), Repr: "30"}},
		},
		{
			Tag: trace.TagInstruction, Counter: 2, Frame: 1, Thread: 0,
			Opcode: opcodes.OP_LOAD_CONST, CodeID: 7, InstrOffset: 0,
			Kind:     trace.KindConst,
			Produced: []trace.Tok{trace.NewTok(0, 2)},
		},
		{
			Tag: trace.TagInstruction, Counter: 3, Frame: 1, Thread: 0,
			Opcode: opcodes.OP_CALL, CodeID: 7, InstrOffset: 1,
			Kind:     trace.KindExternal,
			Consumed: []trace.Tok{trace.NewTok(0, 2)},
			Produced: []trace.Tok{trace.NewTok(0, 3)},
			Ext:      &trace.ExternalCall{Callee: "random.randint", SignatureHash: 0xdeadbeef},
		},
		{
			Tag: trace.TagInstruction, Counter: 4, Frame: 1, Thread: 0,
			Opcode: opcodes.OP_STORE_LOCAL, CodeID: 7, InstrOffset: 2,
			Consumed: []trace.Tok{trace.NewTok(0, 3)},
			Writes:   []trace.Binding{{NameID: 1, Tok: trace.NewTok(0, 3), Repr: "42"}},
		},
		{Tag: trace.TagFrameExit, Counter: 5, Frame: 1, Thread: 0, Produced: []trace.Tok{trace.NewTok(0, 4)}},
		{Tag: trace.TagAborted, Counter: 6, Frame: 0, Thread: 0, Flags: trace.FlagAborted, Reason: "cancelled"},
	}
}

func writeSample(t *testing.T, path string) []*trace.Event {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	w.RegisterCode(&trace.CodeObject{
		ID:         7,
		SourcePath: "sample.rt",
		LineMap:    []trace.LineEntry{{Offset: 0, Line: 1}, {Offset: 2, Line: 3}},
		LocalNames: []string{"a", "b"},
		ConstCount: 2,
	})
	events := sampleEvents()
	for _, e := range events {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())
	return events
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.rtrc")
	want := writeSample(t, path)

	r, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(Version), r.Header().Version)
	assert.Equal(t, uint64(len(want)), r.Header().EventCount)

	var got []*trace.Event
	require.NoError(t, r.Scan(func(e *trace.Event, _ uint64) bool {
		got = append(got, e)
		return true
	}))
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i], "event %d", i)
	}

	code := r.Code(7)
	require.NotNil(t, code)
	assert.Equal(t, "sample.rt", code.SourcePath)
	assert.Equal(t, []string{"a", "b"}, code.LocalNames)
	assert.Equal(t, uint32(3), code.LineFor(2))
	assert.Equal(t, uint32(1), code.LineFor(1))
}

func TestCountersMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.rtrc")
	writeSample(t, path)

	r, err := Open(path)
	require.NoError(t, err)

	last := uint64(0)
	require.NoError(t, r.Scan(func(e *trace.Event, _ uint64) bool {
		assert.Equal(t, last+1, e.Counter, "per-thread counters must increase by 1")
		last = e.Counter
		return true
	}))
}

func TestTruncatedTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.rtrc")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleEvents()[0]))
	// Simulate a crash: flush but never Close, so the header offsets
	// stay zero.
	require.NoError(t, w.Flush())
	require.NoError(t, w.file.Close())
	require.NoError(t, w.lock.Unlock())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestLockExcludesSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.rtrc")
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = Create(path)
	assert.Error(t, err, "second writer must not acquire the lock")
}

func TestUnknownTagSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fwd.rtrc")
	writeSample(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Splice an unknown-tag record in front of the event stream, inside
	// a fresh single-record segment.
	payload := []byte{0x01, 0x02, 0x03}
	rec := []byte{0x7F}
	rec = binary.AppendUvarint(rec, uint64(len(payload)))
	rec = append(rec, payload...)
	rec = binary.LittleEndian.AppendUint32(rec, crc32.ChecksumIEEE(payload))

	seg := make([]byte, segmentHeaderSize)
	seg[0] = byte(trace.TagSegment)
	binary.LittleEndian.PutUint16(seg[1:3], 0)
	binary.LittleEndian.PutUint64(seg[3:11], uint64(len(rec)))
	binary.LittleEndian.PutUint64(seg[11:19], 0)

	spliced := append([]byte{}, data[:HeaderSize]...)
	spliced = append(spliced, seg...)
	spliced = append(spliced, rec...)
	spliced = append(spliced, data[HeaderSize:]...)

	// Patch the close-time offsets for the inserted bytes.
	shift := uint64(len(seg) + len(rec))
	hdr, err := unmarshalHeader(spliced)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(spliced[20:28], hdr.CodeTableOffset+shift)
	binary.LittleEndian.PutUint64(spliced[28:36], hdr.IndexOffset+shift)

	patched := filepath.Join(t.TempDir(), "fwd2.rtrc")
	require.NoError(t, os.WriteFile(patched, spliced, 0o644))

	r, err := Open(patched)
	require.NoError(t, err)
	count := 0
	require.NoError(t, r.Scan(func(e *trace.Event, _ uint64) bool {
		count++
		return true
	}))
	assert.Equal(t, len(sampleEvents()), count, "unknown tag must be skipped, known events kept")
}

func TestChecksumDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crc.rtrc")
	writeSample(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the first event payload (after header and the
	// first segment header).
	data[HeaderSize+segmentHeaderSize+4] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	err = r.Scan(func(e *trace.Event, _ uint64) bool { return true })
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestIndexOffsetsResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.rtrc")
	writeSample(t, path)

	r, err := Open(path)
	require.NoError(t, err)
	require.NotEmpty(t, r.Index())
	for _, entry := range r.Index() {
		e, err := r.EventAt(entry.Offset)
		require.NoError(t, err)
		assert.Equal(t, entry.Counter, e.Counter)
		assert.Equal(t, entry.Thread, e.Thread)
	}
	assert.Equal(t, uint64(HeaderSize), r.NearestOffset(0, 0),
		"counters below the first entry start at the stream head")
	assert.Equal(t, uint64(HeaderSize), r.NearestOffset(9, 100),
		"an unindexed thread starts at the stream head")
}
