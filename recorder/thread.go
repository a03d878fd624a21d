package recorder

import "github.com/retracesoftware/retrace/trace"

// StepCallback runs in the recorder's context when the instruction
// counter reaches the armed threshold; the guest is paused for its
// duration. The returned value is the next threshold (CallbackNone
// disarms). An error aborts the session.
type StepCallback func(tc *ThreadContext) (uint64, error)

// CallbackNone disarms the stepping callback.
const CallbackNone uint64 = 0

// ThreadContext is the per-thread recording state: the monotonic
// instruction counter, the frame ordinal counter and the armed
// callback threshold. Counters increment only on observable opcodes
// and frame transitions.
type ThreadContext struct {
	ThreadID uint16

	InstructionCounter uint64
	FrameCounter       uint64

	// CallbackAt arms the stepping callback when the instruction
	// counter reaches it; CallbackNone disables.
	CallbackAt uint64

	// pendingArgs carries argument tokens from a CALL event to the
	// callee's frame-enter binding.
	pendingArgs []trace.Tok

	// pendingExc carries the exception token of an unhandled fault to
	// the frame that eventually catches it.
	pendingExc trace.Tok

	// currentOffset is the instruction offset observed at OnOpcode.
	currentOffset uint32
}

// tick consumes the next instruction counter value.
func (tc *ThreadContext) tick() uint64 {
	tc.InstructionCounter++
	return tc.InstructionCounter
}

// nextFrameOrd consumes the next frame ordinal.
func (tc *ThreadContext) nextFrameOrd() uint64 {
	tc.FrameCounter++
	return tc.FrameCounter
}

// callbackArmed reports whether the threshold has been reached.
func (tc *ThreadContext) callbackArmed() bool {
	return tc.CallbackAt != CallbackNone && tc.InstructionCounter >= tc.CallbackAt
}
