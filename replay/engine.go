package replay

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/retracesoftware/retrace/trace"
	"github.com/retracesoftware/retrace/tracefile"
)

// ErrReplayMissing reports a query referencing a counter or token
// outside the trace; caller-visible, non-fatal.
var ErrReplayMissing = errors.New("not in trace")

// eventCacheSize bounds the decoded-event cache; parents-of walks hit
// the same counters repeatedly.
const eventCacheSize = 4096

// Engine replays a closed trace: it reconstructs frame and binding
// state at any counter and resolves provenance parents. All methods
// are read-only and safe for concurrent use.
type Engine struct {
	reader *tracefile.Reader
	log    zerolog.Logger

	cache *lru.Cache // trace.Tok -> *trace.Event

	cpMu        sync.Mutex
	checkpoints []*checkpoint

	searchMu sync.Mutex
	search   *searchIndex
}

// Open loads the trace at path.
func Open(path string, logger zerolog.Logger) (*Engine, error) {
	r, err := tracefile.Open(path)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(eventCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{reader: r, log: logger, cache: cache}, nil
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	e.searchMu.Lock()
	defer e.searchMu.Unlock()
	if e.search != nil {
		err := e.search.close()
		e.search = nil
		return err
	}
	return nil
}

// Header returns the trace file header.
func (e *Engine) Header() tracefile.Header {
	return e.reader.Header()
}

// Codes returns the trace's code table.
func (e *Engine) Codes() map[uint32]*trace.CodeObject {
	return e.reader.Codes()
}

// Code resolves one code object, or nil.
func (e *Engine) Code(id uint32) *trace.CodeObject {
	return e.reader.Code(id)
}

// Size returns the trace size in bytes.
func (e *Engine) Size() int {
	return e.reader.Size()
}

// EventByTok resolves the event that minted t: the event whose counter
// is the token's low 48 bits on the token's thread.
func (e *Engine) EventByTok(t trace.Tok) (*trace.Event, error) {
	if t.IsNone() {
		return nil, fmt.Errorf("token %s: %w", t, ErrReplayMissing)
	}
	if cached, ok := e.cache.Get(t); ok {
		return cached.(*trace.Event), nil
	}

	// Index entries are per-thread, so the scan starts at the nearest
	// checkpoint on the token's own counter clock.
	start := e.reader.NearestOffset(t.Thread(), t.Counter())

	var found *trace.Event
	err := e.reader.ScanFrom(start, func(ev *trace.Event, _ uint64) bool {
		if ev.Thread == t.Thread() && ev.Counter == t.Counter() {
			found = ev
			return false
		}
		return ev.Counter <= t.Counter() || ev.Thread != t.Thread()
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("token %s: %w", t, ErrReplayMissing)
	}
	e.cache.Add(t, found)
	return found, nil
}

// ParentsOf resolves the provenance parents of t. Root tokens
// (constants and opaque-call results) have no parents; opaque results
// additionally surface the external boundary.
func (e *Engine) ParentsOf(t trace.Tok) ([]trace.Tok, *trace.ExternalCall, error) {
	ev, err := e.EventByTok(t)
	if err != nil {
		return nil, nil, err
	}
	if ev.Kind.IsRoot() {
		return nil, ev.Ext, nil
	}
	return ev.Parents(), ev.Ext, nil
}

// replayState is the reconstructed trace state at a counter.
type replayState struct {
	frames     map[uint64]*trace.FrameRecord
	live       map[uint16][]uint64 // per-thread live frame ordinals, outermost first
	last       *trace.Event
	maxApplied uint64
}

func newReplayState() *replayState {
	return &replayState{
		frames: make(map[uint64]*trace.FrameRecord),
		live:   make(map[uint16][]uint64),
	}
}

// clone deep-copies the mutable state; events and code objects are
// immutable and shared.
func (st *replayState) clone() *replayState {
	out := &replayState{
		frames:     make(map[uint64]*trace.FrameRecord, len(st.frames)),
		live:       make(map[uint16][]uint64, len(st.live)),
		last:       st.last,
		maxApplied: st.maxApplied,
	}
	for ord, fr := range st.frames {
		cp := &trace.FrameRecord{
			Ord:          fr.Ord,
			CodeID:       fr.CodeID,
			ParentOrd:    fr.ParentOrd,
			EntryCounter: fr.EntryCounter,
			ExitCounter:  fr.ExitCounter,
			Locals:       make(map[uint32]trace.Tok, len(fr.Locals)),
			LocalReprs:   make(map[uint32]string, len(fr.LocalReprs)),
		}
		for k, v := range fr.Locals {
			cp.Locals[k] = v
		}
		for k, v := range fr.LocalReprs {
			cp.LocalReprs[k] = v
		}
		out.frames[ord] = cp
	}
	for tid, stack := range st.live {
		out.live[tid] = append([]uint64(nil), stack...)
	}
	return out
}

// checkpoint is a snapshot of the state after applying every event
// that precedes offset. It serves any target counter at or above
// maxCounter: all earlier events are already in, later ones are picked
// up by resuming the scan at offset.
type checkpoint struct {
	maxCounter uint64
	offset     uint64
	state      *replayState
}

// checkpointStride matches the on-disk index granularity.
const checkpointStride = tracefile.IndexStride

// maxCheckpoints bounds the snapshot memory held per engine.
const maxCheckpoints = 64

// nearestCheckpoint returns a working copy of the best snapshot for
// counter and the offset to resume scanning at.
func (e *Engine) nearestCheckpoint(counter uint64) (*replayState, uint64) {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	var best *checkpoint
	for _, cp := range e.checkpoints {
		if cp.maxCounter <= counter && (best == nil || cp.maxCounter > best.maxCounter) {
			best = cp
		}
	}
	if best == nil {
		return newReplayState(), tracefile.HeaderSize
	}
	return best.state.clone(), best.offset
}

func (e *Engine) saveCheckpoint(state *replayState, offset uint64) {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	if len(e.checkpoints) >= maxCheckpoints {
		return
	}
	for _, cp := range e.checkpoints {
		if cp.maxCounter == state.maxApplied {
			return
		}
	}
	e.checkpoints = append(e.checkpoints, &checkpoint{
		maxCounter: state.maxApplied,
		offset:     offset,
		state:      state,
	})
}

// Seek reconstructs frame and binding state at counter by scanning
// forward from the nearest checkpoint and returns the live frames,
// innermost first.
func (e *Engine) Seek(counter uint64) ([]*trace.FrameRecord, error) {
	st, err := e.stateAt(counter)
	if err != nil {
		return nil, err
	}
	var out []*trace.FrameRecord
	for _, ords := range st.live {
		for _, ord := range ords {
			out = append(out, st.frames[ord])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ord > out[j].Ord })
	return out, nil
}

// FramesAt is Seek under the name the query surface uses.
func (e *Engine) FramesAt(counter uint64) ([]*trace.FrameRecord, error) {
	return e.Seek(counter)
}

// LocalsAt materialises the bindings of one frame as of counter. The
// frame may already have exited.
func (e *Engine) LocalsAt(frameOrd, counter uint64) (map[string]Local, error) {
	st, err := e.stateAt(counter)
	if err != nil {
		return nil, err
	}
	fr := st.frames[frameOrd]
	if fr == nil {
		return nil, fmt.Errorf("frame %d at counter %d: %w", frameOrd, counter, ErrReplayMissing)
	}
	code := e.reader.Code(fr.CodeID)
	out := make(map[string]Local, len(fr.Locals))
	for nameID, tok := range fr.Locals {
		name := fmt.Sprintf("#%d", nameID)
		if code != nil {
			if n := code.NameOf(nameID); n != "" {
				name = n
			}
		}
		out[name] = Local{Tok: tok, Repr: fr.LocalReprs[nameID]}
	}
	return out, nil
}

// Local is one materialised binding: the origin token and the concrete
// representation captured at write time.
type Local struct {
	Tok  trace.Tok
	Repr string
}

// stateAt reconstructs the trace state at counter, scanning forward
// from the nearest checkpoint. While no event has been skipped the
// scan snapshots a new checkpoint every checkpointStride applied
// events, so later seeks resume mid-stream instead of at the head.
func (e *Engine) stateAt(counter uint64) (*replayState, error) {
	st, start := e.nearestCheckpoint(counter)

	skipped := false
	applied := 0
	var pending *replayState
	err := e.reader.ScanFrom(start, func(ev *trace.Event, offset uint64) bool {
		if pending != nil {
			// The snapshot covers everything before this record.
			e.saveCheckpoint(pending, offset)
			pending = nil
		}
		if ev.Counter > counter {
			skipped = true
			return true // other threads may still be below the target
		}
		st.apply(ev)
		applied++
		if !skipped && applied%checkpointStride == 0 {
			pending = st.clone()
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if st.last == nil {
		return nil, fmt.Errorf("counter %d: %w", counter, ErrReplayMissing)
	}
	return st, nil
}

func (st *replayState) apply(ev *trace.Event) {
	st.last = ev
	if ev.Counter > st.maxApplied {
		st.maxApplied = ev.Counter
	}
	switch ev.Tag {
	case trace.TagFrameEnter:
		fr := &trace.FrameRecord{
			Ord:          ev.Frame,
			CodeID:       ev.CodeID,
			ParentOrd:    ev.ParentFrame,
			EntryCounter: ev.Counter,
			Locals:       make(map[uint32]trace.Tok),
			LocalReprs:   make(map[uint32]string),
		}
		for _, b := range ev.Writes {
			fr.Locals[b.NameID] = b.Tok
			fr.LocalReprs[b.NameID] = b.Repr
		}
		st.frames[ev.Frame] = fr
		st.live[ev.Thread] = append(st.live[ev.Thread], ev.Frame)
	case trace.TagFrameExit:
		if fr := st.frames[ev.Frame]; fr != nil {
			fr.ExitCounter = ev.Counter
		}
		if stack := st.live[ev.Thread]; len(stack) > 0 && stack[len(stack)-1] == ev.Frame {
			st.live[ev.Thread] = stack[:len(stack)-1]
		}
	case trace.TagInstruction:
		if fr := st.frames[ev.Frame]; fr != nil {
			for _, b := range ev.Writes {
				fr.Locals[b.NameID] = b.Tok
				fr.LocalReprs[b.NameID] = b.Repr
			}
		}
	}
}

// DumpEvents streams every event in file order to fn until it returns
// false.
func (e *Engine) DumpEvents(fn func(*trace.Event) bool) error {
	return e.reader.Scan(func(ev *trace.Event, _ uint64) bool {
		return fn(ev)
	})
}
