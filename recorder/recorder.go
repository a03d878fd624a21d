package recorder

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/retracesoftware/retrace/config"
	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/trace"
	"github.com/retracesoftware/retrace/tracefile"
	"github.com/retracesoftware/retrace/vm"
)

// Recorder observes every instruction a guest VM dispatches and
// appends the provenance event stream to a trace file. It implements
// vm.DispatchHook; install it with vm.SetDispatchHook. One recorder
// serves one trace file; guest threads are distinguished by the
// execution context's ThreadID.
type Recorder struct {
	cfg     config.Config
	log     zerolog.Logger
	handler *Handler

	callback StepCallback

	mu      sync.Mutex
	writer  *tracefile.Writer
	threads map[uint16]*ThreadContext
	shadows map[*vm.CallFrame]*FrameShadow
	globals map[string]trace.Tok
	codes   map[uint32]bool

	profile *profileState

	cancelled    bool
	abortEmitted bool
	disabled     bool
	abortReason  string
	closed       bool
}

// New creates a recorder writing to path. The callback threshold and
// fork policy come from cfg.
func New(cfg config.Config, path string) (*Recorder, error) {
	w, err := tracefile.Create(path)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		cfg:     cfg,
		log:     cfg.Logger(os.Stderr),
		handler: NewHandler(),
		writer:  w,
		threads: make(map[uint16]*ThreadContext),
		shadows: make(map[*vm.CallFrame]*FrameShadow),
		globals: make(map[string]trace.Tok),
		codes:   make(map[uint32]bool),
		profile: newProfileState(),
	}, nil
}

// SetCallback installs the stepping callback; it fires when a thread's
// instruction counter reaches its armed threshold.
func (r *Recorder) SetCallback(cb StepCallback) {
	r.mu.Lock()
	r.callback = cb
	r.mu.Unlock()
}

// TracePath returns the file the recorder appends to.
func (r *Recorder) TracePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Path()
}

// Cancel requests cooperative cancellation; the next opcode boundary
// emits an aborted event and unwinds.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Disabled reports whether recording was switched off (forked child
// under the refuse policy).
func (r *Recorder) Disabled() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled, r.abortReason
}

// HotSpots returns the most frequently observed opcodes.
func (r *Recorder) HotSpots(n int) []HotSpot {
	return r.profile.hotSpots(n)
}

// TotalObserved returns the number of instructions observed.
func (r *Recorder) TotalObserved() int {
	return r.profile.totalObserved()
}

// Close flushes and finalises the trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.writer.Close()
}

func (r *Recorder) thread(id uint16) *ThreadContext {
	tc := r.threads[id]
	if tc == nil {
		tc = &ThreadContext{ThreadID: id, CallbackAt: r.cfg.CallbackAt}
		r.threads[id] = tc
	}
	return tc
}

func (r *Recorder) globalTok(name string) trace.Tok {
	return r.globals[name]
}

func (r *Recorder) setGlobalTok(name string, t trace.Tok) {
	r.globals[name] = t
}

// checkFork applies the configured fork policy when the current pid no
// longer matches the writer's. Returns false when recording must stop.
func (r *Recorder) checkFork() (bool, error) {
	pid := os.Getpid()
	if pid == r.writer.Pid() {
		return true, nil
	}
	switch r.cfg.ForkPolicy {
	case config.ForkRespawn:
		childPath := fmt.Sprintf("%s.%d", r.writer.Path(), pid)
		w, err := tracefile.Create(childPath)
		if err != nil {
			r.disabled = true
			r.abortReason = "forked-child"
			return false, err
		}
		r.log.Info().Str("path", childPath).Msg("fork detected, respawned trace file")
		r.writer = w
		// Code objects seen so far must reappear in the child's table.
		r.codes = make(map[uint32]bool)
		return true, nil
	default:
		r.disabled = true
		r.abortReason = "forked-child"
		r.log.Warn().Msg("fork detected, recording refused in child")
		return false, nil
	}
}

// FrameEntered allocates the frame's shadow before its first opcode
// executes and logs the frame-enter event.
func (r *Recorder) FrameEntered(ctx *vm.ExecutionContext, frame *vm.CallFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled {
		return nil
	}
	if ok, err := r.checkFork(); !ok {
		return err
	}

	tc := r.thread(ctx.ThreadID)
	codeID := frame.Program.CodeID
	if !r.codes[codeID] {
		r.writer.RegisterCode(frame.Program.CodeObject())
		r.codes[codeID] = true
	}

	parentOrd := uint64(0)
	if n := len(ctx.CallStack); n >= 2 {
		if parent := r.shadows[ctx.CallStack[n-2]]; parent != nil {
			parentOrd = parent.Ord
		}
	}

	ord := tc.nextFrameOrd()
	if parentOrd >= ord {
		return r.fail(corruptionAt("I5", "parent frame ordinal not smaller than frame ordinal", tc.InstructionCounter))
	}
	shadow := newFrameShadow(ord, parentOrd, codeID)
	r.shadows[frame] = shadow

	event := &trace.Event{
		Tag:         trace.TagFrameEnter,
		Counter:     tc.tick(),
		Frame:       ord,
		Thread:      tc.ThreadID,
		CodeID:      codeID,
		ParentFrame: parentOrd,
	}
	for i, argTok := range tc.pendingArgs {
		slot := uint32(i)
		shadow.setLocal(slot, argTok)
		event.Writes = append(event.Writes, trace.Binding{
			NameID: slot,
			Tok:    argTok,
			Repr:   renderValue(frame.Local(slot)),
		})
	}
	tc.pendingArgs = tc.pendingArgs[:0]

	r.log.Debug().Uint64("frame", ord).Uint32("code", codeID).Msg("frame entered")
	return r.append(event)
}

// OnOpcode increments the counter and checks cancellation before the
// host executes the instruction.
func (r *Recorder) OnOpcode(ctx *vm.ExecutionContext, frame *vm.CallFrame, inst opcodes.Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled {
		return nil
	}
	if ok, err := r.checkFork(); !ok {
		return err
	}

	tc := r.thread(ctx.ThreadID)
	if r.cancelled {
		return r.emitAborted(tc, frame, "cancelled", ErrCancelled)
	}

	tc.currentOffset = uint32(frame.IP)
	tc.tick()
	r.profile.observe(inst.Opcode)
	return nil
}

// OnOpcodeDone updates the shadow stack from the combine table and
// emits the instruction event. A guest fault mints the exception
// token at the current counter with every unwound token as parent.
func (r *Recorder) OnOpcodeDone(ctx *vm.ExecutionContext, frame *vm.CallFrame, inst opcodes.Instruction, fault *vm.GuestFault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled {
		return nil
	}

	tc := r.thread(ctx.ThreadID)
	shadow := r.shadows[frame]
	if shadow == nil {
		return r.fail(corruptionAt("I2", "no shadow for executing frame", tc.InstructionCounter))
	}

	event := &trace.Event{
		Tag:         trace.TagInstruction,
		Counter:     tc.InstructionCounter,
		Frame:       shadow.Ord,
		Thread:      tc.ThreadID,
		Opcode:      inst.Opcode,
		CodeID:      shadow.CodeID,
		InstrOffset: tc.currentOffset,
	}

	if fault != nil {
		if err := r.combineFault(tc, shadow, frame, inst, event, fault); err != nil {
			return r.fail(err)
		}
	} else {
		st := &step{rec: r, tc: tc, shadow: shadow, frame: frame, inst: inst, event: event}
		if err := r.handler.Combine(st); err != nil {
			return r.fail(err)
		}
		if shadow.Depth() != frame.StackDepth() {
			return r.fail(corruptionAt("I2",
				fmt.Sprintf("shadow depth %d diverged from stack depth %d after %s", shadow.Depth(), frame.StackDepth(), inst.Opcode),
				event.Counter))
		}
	}

	if err := r.append(event); err != nil {
		return err
	}

	if tc.callbackArmed() && r.callback != nil {
		next, err := r.callback(tc)
		if err != nil {
			abortErr := fmt.Errorf("%w: %v", ErrCallbackFailed, err)
			return r.emitAborted(tc, frame, "callback-failure", abortErr)
		}
		tc.CallbackAt = next
	}
	return nil
}

// combineFault applies the exception-unwind semantics: consume the
// faulting opcode's operands plus everything drained to the handler,
// flag the event, and mint the exception token at this counter.
func (r *Recorder) combineFault(tc *ThreadContext, shadow *FrameShadow, frame *vm.CallFrame, inst opcodes.Instruction, event *trace.Event, fault *vm.GuestFault) error {
	consumed, err := shadow.popN(r.handler.InArity(inst.Opcode, inst.Arg))
	if err != nil {
		return err
	}
	if fault.Handled && fault.Drained > 0 {
		drained, err := shadow.popN(fault.Drained)
		if err != nil {
			return err
		}
		consumed = append(consumed, drained...)
	}
	event.Consumed = consumed
	event.Kind = trace.KindException
	event.Flags |= trace.FlagGuestFault

	excTok := trace.NewTok(tc.ThreadID, event.Counter)
	if fault.Handled {
		shadow.push(excTok)
		if shadow.Depth() != frame.StackDepth() {
			return corruptionAt("I2", "shadow depth diverged across exception unwind", event.Counter)
		}
	} else {
		tc.pendingExc = excTok
	}
	return nil
}

// FaultCaught lands a propagating exception in an outer frame: the
// drained tokens leave the shadow and the pending exception token
// takes their place.
func (r *Recorder) FaultCaught(ctx *vm.ExecutionContext, frame *vm.CallFrame, drained int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled {
		return nil
	}
	tc := r.thread(ctx.ThreadID)
	shadow := r.shadows[frame]
	if shadow == nil {
		return r.fail(corruptionAt("I2", "no shadow for catching frame", tc.InstructionCounter))
	}
	if drained > 0 {
		if _, err := shadow.popN(drained); err != nil {
			return r.fail(err)
		}
	}
	shadow.push(tc.pendingExc)
	tc.pendingExc = trace.TokNone
	return nil
}

// FrameReturned logs the frame-exit event, hands the return token to
// the caller's shadow and frees the frame's shadow.
func (r *Recorder) FrameReturned(ctx *vm.ExecutionContext, frame *vm.CallFrame, faulted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled {
		return nil
	}
	tc := r.thread(ctx.ThreadID)
	shadow := r.shadows[frame]
	if shadow == nil {
		return r.fail(corruptionAt("I5", "frame exit without matching enter", tc.InstructionCounter))
	}
	delete(r.shadows, frame)
	defer shadow.release()

	event := &trace.Event{
		Tag:     trace.TagFrameExit,
		Counter: tc.tick(),
		Frame:   shadow.Ord,
		Thread:  tc.ThreadID,
	}
	if faulted {
		event.Flags |= trace.FlagGuestFault
	} else {
		rtok := shadow.pendingReturn
		if rtok.IsNone() {
			// Implicit null return mints at the exit event.
			rtok = trace.NewTok(tc.ThreadID, event.Counter)
		}
		event.Produced = []trace.Tok{rtok}
		if n := len(ctx.CallStack); n >= 2 {
			if caller := r.shadows[ctx.CallStack[n-2]]; caller != nil {
				caller.push(rtok)
			}
		}
	}
	r.log.Debug().Uint64("frame", shadow.Ord).Bool("faulted", faulted).Msg("frame returned")
	return r.append(event)
}

// Aborted emits the final aborted event once and closes the log.
func (r *Recorder) Aborted(ctx *vm.ExecutionContext, frame *vm.CallFrame, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled || r.abortEmitted {
		return nil
	}
	tc := r.thread(ctx.ThreadID)
	return r.emitAborted(tc, frame, reason, nil)
}

// emitAborted writes the aborted event, closes the writer and returns
// cause. Callers hold r.mu.
func (r *Recorder) emitAborted(tc *ThreadContext, frame *vm.CallFrame, reason string, cause error) error {
	if !r.abortEmitted {
		r.abortEmitted = true
		frameOrd := uint64(0)
		if shadow := r.shadows[frame]; shadow != nil {
			frameOrd = shadow.Ord
		}
		event := &trace.Event{
			Tag:     trace.TagAborted,
			Counter: tc.tick(),
			Frame:   frameOrd,
			Thread:  tc.ThreadID,
			Flags:   trace.FlagAborted,
			Reason:  reason,
		}
		if err := r.writer.Append(event); err != nil {
			r.log.Error().Err(err).Msg("abort event lost")
		}
		r.closed = true
		if err := r.writer.Close(); err != nil {
			r.log.Error().Err(err).Msg("trace close failed")
		}
		r.log.Info().Str("reason", reason).Msg("recording aborted")
	}
	return cause
}

// append writes an event; an I/O failure is fatal to the session.
func (r *Recorder) append(event *trace.Event) error {
	if err := r.writer.Append(event); err != nil {
		r.closed = true
		r.log.Error().Err(err).Msg("trace append failed, session closed")
		return err
	}
	return nil
}

// fail closes the session on an invariant violation; the file stays
// truncated and the violated invariant is in the error.
func (r *Recorder) fail(err error) error {
	r.closed = true
	r.log.Error().Err(err).Msg("recording failed")
	return err
}

func corruptionAt(invariant, detail string, counter uint64) error {
	return &CorruptionError{Invariant: invariant, Detail: detail, Counter: counter}
}
