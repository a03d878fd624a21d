package vm

import (
	"fmt"

	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/values"
)

// DispatchHook is the frame-evaluation extension point. The VM invokes
// OnOpcode before every guest opcode and OnOpcodeDone after the host
// has advanced; frame transitions and exception unwinding are
// surfaced explicitly so a hook can mirror the operand stack in
// lock-step. Any host VM exposing this interface can be recorded.
type DispatchHook interface {
	// FrameEntered fires after a frame is pushed, before its first opcode.
	FrameEntered(ctx *ExecutionContext, frame *CallFrame) error

	// OnOpcode fires before the host executes inst.
	OnOpcode(ctx *ExecutionContext, frame *CallFrame, inst opcodes.Instruction) error

	// OnOpcodeDone fires after the host step. fault is non-nil when the
	// guest raised; fault.Handled and fault.Drained describe the unwind
	// inside the faulting frame.
	OnOpcodeDone(ctx *ExecutionContext, frame *CallFrame, inst opcodes.Instruction, fault *GuestFault) error

	// FaultCaught fires when a propagating exception lands in an outer
	// frame's handler; drained is the slots dropped in that frame.
	FaultCaught(ctx *ExecutionContext, frame *CallFrame, drained int) error

	// FrameReturned fires before the frame is popped. faulted is true
	// when the frame is discarded by exception propagation.
	FrameReturned(ctx *ExecutionContext, frame *CallFrame, faulted bool) error

	// Aborted fires once when execution stops on cancellation or a
	// hook failure; reason is a short stable string.
	Aborted(ctx *ExecutionContext, frame *CallFrame, reason string) error
}

// nopHook is installed when no recorder is attached.
type nopHook struct{}

func (nopHook) FrameEntered(*ExecutionContext, *CallFrame) error { return nil }
func (nopHook) OnOpcode(*ExecutionContext, *CallFrame, opcodes.Instruction) error {
	return nil
}
func (nopHook) OnOpcodeDone(*ExecutionContext, *CallFrame, opcodes.Instruction, *GuestFault) error {
	return nil
}
func (nopHook) FaultCaught(*ExecutionContext, *CallFrame, int) error    { return nil }
func (nopHook) FrameReturned(*ExecutionContext, *CallFrame, bool) error { return nil }
func (nopHook) Aborted(*ExecutionContext, *CallFrame, string) error     { return nil }

// VirtualMachine is the bytecode interpreter that executes compiled
// guest instructions.
type VirtualMachine struct {
	hook DispatchHook

	DebugMode bool
}

// NewVirtualMachine constructs a VM with no dispatch hook installed.
func NewVirtualMachine() *VirtualMachine {
	return &VirtualMachine{hook: nopHook{}}
}

// SetDispatchHook installs hook for the lifetime of the VM; passing
// nil removes the current hook.
func (vm *VirtualMachine) SetDispatchHook(hook DispatchHook) {
	if hook == nil {
		vm.hook = nopHook{}
		return
	}
	vm.hook = hook
}

// stepResult reports what one instruction did to control flow.
type stepResult struct {
	advance bool
	jumpTo  int // -1 means no jump

	enter  *CallFrame     // non-nil: push this frame
	ret    *values.Value  // non-nil with retSet: frame returns
	retSet bool
	halt   bool

	fault *values.Value // non-nil: guest raised this value
}

func advanceResult() stepResult { return stepResult{advance: true, jumpTo: -1} }
func jumpResult(ip int) stepResult {
	return stepResult{jumpTo: ip}
}
func faultResult(v *values.Value) stepResult {
	return stepResult{jumpTo: -1, fault: v}
}

// Execute runs program inside the supplied execution context until the
// outermost frame returns, the guest halts, or an error surfaces.
func (vm *VirtualMachine) Execute(ctx *ExecutionContext, program *Program) (*values.Value, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	ctx.RegisterProgram(program)
	frame := newCallFrame("{main}", program)
	ctx.pushFrame(frame)
	if err := vm.hook.FrameEntered(ctx, frame); err != nil {
		return nil, vm.abort(ctx, frame, "hook-failure", err)
	}
	return vm.run(ctx)
}

func (vm *VirtualMachine) run(ctx *ExecutionContext) (*values.Value, error) {
	for {
		frame := ctx.currentFrame()
		if frame == nil {
			ctx.Halted = true
			return ctx.Result, nil
		}

		if ctx.Cancelled() {
			return nil, vm.abort(ctx, frame, "cancelled", ErrCancelled)
		}

		if frame.IP < 0 || frame.IP >= len(frame.Program.Instructions) {
			// Implicit return null when reaching the end of the stream.
			if err := vm.handleReturn(ctx, frame, values.NewNull()); err != nil {
				return nil, err
			}
			continue
		}

		inst := frame.Program.Instructions[frame.IP]

		if err := vm.hook.OnOpcode(ctx, frame, inst); err != nil {
			return nil, vm.abort(ctx, frame, "hook-failure", err)
		}

		res, err := vm.executeInstruction(ctx, frame, inst)
		if err != nil {
			return nil, vm.decorateError(frame, inst, err)
		}

		if res.fault != nil {
			if err := vm.handleFault(ctx, frame, inst, res.fault); err != nil {
				return nil, err
			}
			continue
		}

		if err := vm.hook.OnOpcodeDone(ctx, frame, inst, nil); err != nil {
			return nil, vm.abort(ctx, frame, "hook-failure", err)
		}

		switch {
		case res.halt:
			ctx.Halted = true
			return ctx.Result, nil
		case res.enter != nil:
			frame.IP++
			ctx.pushFrame(res.enter)
			if err := vm.hook.FrameEntered(ctx, res.enter); err != nil {
				return nil, vm.abort(ctx, res.enter, "hook-failure", err)
			}
		case res.retSet:
			if err := vm.handleReturn(ctx, frame, res.ret); err != nil {
				return nil, err
			}
		case res.jumpTo >= 0:
			if res.jumpTo > len(frame.Program.Instructions) {
				return nil, vm.decorateError(frame, inst, ErrJumpOutOfRange)
			}
			frame.IP = res.jumpTo
		case res.advance:
			frame.IP++
		}
	}
}

// handleReturn pops the completed frame and hands value to the caller.
func (vm *VirtualMachine) handleReturn(ctx *ExecutionContext, frame *CallFrame, value *values.Value) error {
	if err := vm.hook.FrameReturned(ctx, frame, false); err != nil {
		return vm.abort(ctx, frame, "hook-failure", err)
	}
	ctx.popFrame()
	caller := ctx.currentFrame()
	if caller == nil {
		ctx.Halted = true
		ctx.Result = value
		return nil
	}
	caller.push(value)
	return nil
}

// handleFault resolves a raised guest value: unwind inside the
// faulting frame when it has a handler, otherwise propagate outward,
// discarding frames until a handler catches or the stack empties.
func (vm *VirtualMachine) handleFault(ctx *ExecutionContext, frame *CallFrame, inst opcodes.Instruction, exc *values.Value) error {
	fault := &GuestFault{Value: exc}
	if h, ok := frame.takeHandler(); ok {
		fault.Handled = true
		fault.Drained = frame.drainTo(h.depth)
		frame.push(exc)
		frame.IP = h.catchIP
		if err := vm.hook.OnOpcodeDone(ctx, frame, inst, fault); err != nil {
			return vm.abort(ctx, frame, "hook-failure", err)
		}
		return nil
	}

	if err := vm.hook.OnOpcodeDone(ctx, frame, inst, fault); err != nil {
		return vm.abort(ctx, frame, "hook-failure", err)
	}

	for {
		if err := vm.hook.FrameReturned(ctx, frame, true); err != nil {
			return vm.abort(ctx, frame, "hook-failure", err)
		}
		ctx.popFrame()
		frame = ctx.currentFrame()
		if frame == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, exc)
		}
		if h, ok := frame.takeHandler(); ok {
			drained := frame.drainTo(h.depth)
			frame.push(exc)
			frame.IP = h.catchIP
			if err := vm.hook.FaultCaught(ctx, frame, drained); err != nil {
				return vm.abort(ctx, frame, "hook-failure", err)
			}
			return nil
		}
	}
}

func (vm *VirtualMachine) abort(ctx *ExecutionContext, frame *CallFrame, reason string, err error) error {
	_ = vm.hook.Aborted(ctx, frame, reason)
	ctx.Halted = true
	return err
}

func (vm *VirtualMachine) decorateError(frame *CallFrame, inst opcodes.Instruction, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("vm error at ip=%d opcode=%s: %w", frame.IP, inst.Opcode, err)
}

// takeHandler pops the innermost armed exception handler.
func (f *CallFrame) takeHandler() (exHandler, bool) {
	if len(f.exHandlers) == 0 {
		return exHandler{}, false
	}
	idx := len(f.exHandlers) - 1
	h := f.exHandlers[idx]
	f.exHandlers = f.exHandlers[:idx]
	return h, true
}

// drainTo drops operand-stack slots down to depth, returning how many.
func (f *CallFrame) drainTo(depth int) int {
	if depth < 0 || depth > len(f.Stack) {
		return 0
	}
	drained := len(f.Stack) - depth
	for i := depth; i < len(f.Stack); i++ {
		f.Stack[i] = nil
	}
	f.Stack = f.Stack[:depth]
	return drained
}

func (vm *VirtualMachine) executeInstruction(ctx *ExecutionContext, frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	switch inst.Opcode {
	case opcodes.OP_NOP:
		return advanceResult(), nil
	case opcodes.OP_LOAD_CONST:
		if int(inst.Arg) >= len(frame.Program.Constants) {
			return stepResult{}, ErrConstantOutOfRange
		}
		frame.push(frame.Program.Constants[inst.Arg])
		return advanceResult(), nil
	case opcodes.OP_LOAD_LOCAL:
		if int(inst.Arg) >= len(frame.Locals) {
			return stepResult{}, ErrLocalOutOfRange
		}
		v := frame.Locals[inst.Arg]
		if v == nil {
			v = values.NewNull()
		}
		frame.push(v)
		return advanceResult(), nil
	case opcodes.OP_STORE_LOCAL:
		v, err := frame.pop()
		if err != nil {
			return stepResult{}, err
		}
		if err := frame.setLocal(inst.Arg, v); err != nil {
			return stepResult{}, err
		}
		return advanceResult(), nil
	case opcodes.OP_LOAD_GLOBAL:
		if int(inst.Arg) >= len(frame.Program.LocalNames) {
			return stepResult{}, ErrLocalOutOfRange
		}
		name := frame.Program.LocalNames[inst.Arg]
		v := ctx.Globals[name]
		if v == nil {
			v = values.NewNull()
		}
		frame.push(v)
		return advanceResult(), nil
	case opcodes.OP_STORE_GLOBAL:
		if int(inst.Arg) >= len(frame.Program.LocalNames) {
			return stepResult{}, ErrLocalOutOfRange
		}
		v, err := frame.pop()
		if err != nil {
			return stepResult{}, err
		}
		ctx.Globals[frame.Program.LocalNames[inst.Arg]] = v
		return advanceResult(), nil
	case opcodes.OP_POP:
		if _, err := frame.pop(); err != nil {
			return stepResult{}, err
		}
		return advanceResult(), nil
	case opcodes.OP_DUP:
		return vm.execDup(frame, inst)
	case opcodes.OP_SWAP:
		return vm.execSwap(frame)
	case opcodes.OP_ROT:
		return vm.execRot(frame, inst)
	case opcodes.OP_ADD, opcodes.OP_SUB, opcodes.OP_MUL, opcodes.OP_DIV, opcodes.OP_MOD, opcodes.OP_POW:
		return vm.execArithmetic(frame, inst)
	case opcodes.OP_NEG, opcodes.OP_NOT:
		return vm.execUnary(frame, inst)
	case opcodes.OP_IS_EQUAL, opcodes.OP_IS_NOT_EQUAL, opcodes.OP_IS_SMALLER,
		opcodes.OP_IS_SMALLER_OR_EQUAL, opcodes.OP_IS_GREATER, opcodes.OP_IS_GREATER_OR_EQUAL:
		return vm.execComparison(frame, inst)
	case opcodes.OP_BUILD_LIST:
		elems, err := frame.popN(int(inst.Arg))
		if err != nil {
			return stepResult{}, err
		}
		frame.push(values.NewList(elems...))
		return advanceResult(), nil
	case opcodes.OP_UNPACK_SEQUENCE:
		return vm.execUnpack(frame, inst)
	case opcodes.OP_INDEX:
		return vm.execIndex(frame)
	case opcodes.OP_JUMP:
		return jumpResult(int(inst.Arg)), nil
	case opcodes.OP_JUMP_IF_FALSE, opcodes.OP_JUMP_IF_TRUE:
		cond, err := frame.pop()
		if err != nil {
			return stepResult{}, err
		}
		taken := cond.ToBool() == (inst.Opcode == opcodes.OP_JUMP_IF_TRUE)
		if taken {
			return jumpResult(int(inst.Arg)), nil
		}
		return advanceResult(), nil
	case opcodes.OP_RETURN:
		v, err := frame.pop()
		if err != nil {
			return stepResult{}, err
		}
		return stepResult{ret: v, retSet: true, jumpTo: -1}, nil
	case opcodes.OP_HALT:
		return stepResult{halt: true, jumpTo: -1}, nil
	case opcodes.OP_SETUP_EXCEPT:
		frame.exHandlers = append(frame.exHandlers, exHandler{catchIP: int(inst.Arg), depth: len(frame.Stack)})
		return advanceResult(), nil
	case opcodes.OP_POP_BLOCK:
		if len(frame.exHandlers) > 0 {
			frame.exHandlers = frame.exHandlers[:len(frame.exHandlers)-1]
		}
		return advanceResult(), nil
	case opcodes.OP_RAISE:
		v, err := frame.pop()
		if err != nil {
			return stepResult{}, err
		}
		return faultResult(v), nil
	case opcodes.OP_BIND_EXCEPT:
		v, err := frame.pop()
		if err != nil {
			return stepResult{}, err
		}
		if err := frame.setLocal(inst.Arg, v); err != nil {
			return stepResult{}, err
		}
		return advanceResult(), nil
	case opcodes.OP_CALL:
		return vm.execCall(ctx, frame, inst)
	default:
		return stepResult{}, fmt.Errorf("%w: %s", ErrOpcodeNotImplemented, inst.Opcode)
	}
}

func (vm *VirtualMachine) execDup(frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	k := int(inst.Arg)
	if k == 0 {
		k = 1
	}
	if len(frame.Stack) < k {
		return stepResult{}, ErrStackUnderflow
	}
	top := frame.Stack[len(frame.Stack)-k:]
	frame.Stack = append(frame.Stack, top...)
	return advanceResult(), nil
}

func (vm *VirtualMachine) execSwap(frame *CallFrame) (stepResult, error) {
	n := len(frame.Stack)
	if n < 2 {
		return stepResult{}, ErrStackUnderflow
	}
	frame.Stack[n-1], frame.Stack[n-2] = frame.Stack[n-2], frame.Stack[n-1]
	return advanceResult(), nil
}

func (vm *VirtualMachine) execRot(frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	k := int(inst.Arg)
	if k < 2 {
		return advanceResult(), nil
	}
	n := len(frame.Stack)
	if n < k {
		return stepResult{}, ErrStackUnderflow
	}
	top := frame.Stack[n-1]
	copy(frame.Stack[n-k+1:], frame.Stack[n-k:n-1])
	frame.Stack[n-k] = top
	return advanceResult(), nil
}

func (vm *VirtualMachine) execUnpack(frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	v, err := frame.pop()
	if err != nil {
		return stepResult{}, err
	}
	if v.Type != values.TypeList {
		return faultResult(values.NewString(ErrNotASequence.Error())), nil
	}
	elems := v.List().Elements
	if len(elems) != int(inst.Arg) {
		return faultResult(values.NewString(fmt.Sprintf("%s: have %d, want %d", ErrUnpackArity, len(elems), inst.Arg))), nil
	}
	// Push in reverse so element 0 ends on top.
	for i := len(elems) - 1; i >= 0; i-- {
		frame.push(elems[i])
	}
	return advanceResult(), nil
}

func (vm *VirtualMachine) execIndex(frame *CallFrame) (stepResult, error) {
	ops, err := frame.popN(2)
	if err != nil {
		return stepResult{}, err
	}
	seq, idx := ops[0], ops[1]
	if seq.Type != values.TypeList {
		return faultResult(values.NewString(ErrNotASequence.Error())), nil
	}
	i := idx.ToInt()
	elems := seq.List().Elements
	if i < 0 || int(i) >= len(elems) {
		return faultResult(values.NewString(ErrIndexOutOfRange.Error())), nil
	}
	frame.push(elems[i])
	return advanceResult(), nil
}

func (vm *VirtualMachine) execCall(ctx *ExecutionContext, frame *CallFrame, inst opcodes.Instruction) (stepResult, error) {
	argc := int(inst.Arg)
	popped, err := frame.popN(argc + 1)
	if err != nil {
		return stepResult{}, err
	}
	callee, args := popped[0], popped[1:]
	c := callee.Callable()
	if c == nil {
		frame.lastCall = nil
		return faultResult(values.NewString(fmt.Sprintf("%s: %s", ErrNotCallable, callee.TypeName()))), nil
	}
	frame.lastCall = &CallOutcome{Name: c.Name, Builtin: c.Builtin != nil, Args: args}
	if c.Builtin != nil {
		res, err := c.Builtin(args)
		if err != nil {
			return faultResult(values.NewString(err.Error())), nil
		}
		if res == nil {
			res = values.NewNull()
		}
		frame.push(res)
		return advanceResult(), nil
	}
	program := ctx.Program(c.CodeID)
	if program == nil {
		return faultResult(values.NewString(fmt.Sprintf("%s: %s", ErrUnknownCode, c.Name))), nil
	}
	calleeFrame := newCallFrame(c.Name, program)
	for i, arg := range args {
		if i < len(calleeFrame.Locals) {
			calleeFrame.Locals[i] = arg
		}
	}
	return stepResult{enter: calleeFrame, jumpTo: -1}, nil
}
