package vm

import (
	"io"
	"os"
	"sync"

	"github.com/retracesoftware/retrace/values"
)

// ExecutionContext carries the mutable state associated with executing
// a single guest program (and its nested function calls) inside the
// virtual machine. One context belongs to one guest thread.
type ExecutionContext struct {
	ThreadID uint16

	Globals map[string]*values.Value

	CallStack []*CallFrame

	OutputWriter io.Writer

	Halted bool
	Result *values.Value

	programsMu sync.RWMutex
	programs   map[uint32]*Program

	cancelMu  sync.Mutex
	cancelled bool
}

// NewExecutionContext constructs a fresh execution context with sane defaults.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		Globals:      make(map[string]*values.Value),
		CallStack:    make([]*CallFrame, 0, 8),
		OutputWriter: os.Stdout,
		programs:     make(map[uint32]*Program),
	}
}

// RegisterProgram makes a code object callable by CodeID.
func (ctx *ExecutionContext) RegisterProgram(p *Program) {
	ctx.programsMu.Lock()
	defer ctx.programsMu.Unlock()
	ctx.programs[p.CodeID] = p
}

// Program resolves a registered code object.
func (ctx *ExecutionContext) Program(codeID uint32) *Program {
	ctx.programsMu.RLock()
	defer ctx.programsMu.RUnlock()
	return ctx.programs[codeID]
}

// Cancel requests cooperative cancellation; the VM checks the flag at
// every opcode boundary.
func (ctx *ExecutionContext) Cancel() {
	ctx.cancelMu.Lock()
	ctx.cancelled = true
	ctx.cancelMu.Unlock()
}

// Cancelled reports whether cancellation was requested.
func (ctx *ExecutionContext) Cancelled() bool {
	ctx.cancelMu.Lock()
	defer ctx.cancelMu.Unlock()
	return ctx.cancelled
}

func (ctx *ExecutionContext) pushFrame(frame *CallFrame) {
	ctx.CallStack = append(ctx.CallStack, frame)
}

func (ctx *ExecutionContext) popFrame() *CallFrame {
	if len(ctx.CallStack) == 0 {
		return nil
	}
	idx := len(ctx.CallStack) - 1
	frame := ctx.CallStack[idx]
	ctx.CallStack[idx] = nil
	ctx.CallStack = ctx.CallStack[:idx]
	return frame
}

func (ctx *ExecutionContext) currentFrame() *CallFrame {
	if len(ctx.CallStack) == 0 {
		return nil
	}
	return ctx.CallStack[len(ctx.CallStack)-1]
}

// exHandler records one armed SETUP_EXCEPT block: where to land and
// the operand-stack depth to drain to.
type exHandler struct {
	catchIP int
	depth   int
}

// CallFrame is the live state of one guest function activation. The
// operand stack is per-frame; the recorder mirrors it token-for-token.
type CallFrame struct {
	Program      *Program
	FunctionName string

	IP int

	Stack  []*values.Value
	Locals []*values.Value

	exHandlers []exHandler

	// lastCall describes the most recent OP_CALL outcome for hooks.
	lastCall *CallOutcome
}

// CallOutcome is what a dispatch hook can observe about an OP_CALL:
// who was invoked and, for builtin (opaque) callees, with what.
type CallOutcome struct {
	Name    string
	Builtin bool
	Args    []*values.Value
}

func newCallFrame(name string, p *Program) *CallFrame {
	return &CallFrame{
		Program:      p,
		FunctionName: name,
		Stack:        make([]*values.Value, 0, 8),
		Locals:       make([]*values.Value, len(p.LocalNames)),
	}
}

// StackDepth returns the operand-stack depth.
func (f *CallFrame) StackDepth() int {
	return len(f.Stack)
}

// LastCall returns the most recent call outcome, or nil.
func (f *CallFrame) LastCall() *CallOutcome {
	return f.lastCall
}

// Local returns the value bound at slot, or nil.
func (f *CallFrame) Local(slot uint32) *values.Value {
	if int(slot) >= len(f.Locals) {
		return nil
	}
	return f.Locals[slot]
}

func (f *CallFrame) push(v *values.Value) {
	f.Stack = append(f.Stack, v)
}

func (f *CallFrame) pop() (*values.Value, error) {
	if len(f.Stack) == 0 {
		return nil, ErrStackUnderflow
	}
	idx := len(f.Stack) - 1
	v := f.Stack[idx]
	f.Stack[idx] = nil
	f.Stack = f.Stack[:idx]
	return v, nil
}

func (f *CallFrame) popN(n int) ([]*values.Value, error) {
	if len(f.Stack) < n {
		return nil, ErrStackUnderflow
	}
	out := make([]*values.Value, n)
	copy(out, f.Stack[len(f.Stack)-n:])
	for i := len(f.Stack) - n; i < len(f.Stack); i++ {
		f.Stack[i] = nil
	}
	f.Stack = f.Stack[:len(f.Stack)-n]
	return out, nil
}

func (f *CallFrame) peek() (*values.Value, error) {
	if len(f.Stack) == 0 {
		return nil, ErrStackUnderflow
	}
	return f.Stack[len(f.Stack)-1], nil
}

func (f *CallFrame) setLocal(slot uint32, v *values.Value) error {
	if int(slot) >= len(f.Locals) {
		return ErrLocalOutOfRange
	}
	f.Locals[slot] = v
	return nil
}
