package replay

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracesoftware/retrace/config"
	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/recorder"
	"github.com/retracesoftware/retrace/trace"
	"github.com/retracesoftware/retrace/values"
	"github.com/retracesoftware/retrace/vm"
)

func inst(op opcodes.Opcode, arg uint32) opcodes.Instruction {
	return opcodes.Instruction{Opcode: op, Arg: arg}
}

// chainProgram computes a = 30; b = 0.01; c = a * b; d = c * 0.9 * 0.85.
func chainProgram() *vm.Program {
	return &vm.Program{
		CodeID:     1,
		SourcePath: "chain.rt",
		Constants: []*values.Value{
			values.NewInt(30), values.NewFloat(0.01),
			values.NewFloat(0.9), values.NewFloat(0.85),
		},
		LocalNames: []string{"a", "b", "c", "d"},
		Instructions: []opcodes.Instruction{
			inst(opcodes.OP_LOAD_CONST, 0),
			inst(opcodes.OP_STORE_LOCAL, 0),
			inst(opcodes.OP_LOAD_CONST, 1),
			inst(opcodes.OP_STORE_LOCAL, 1),
			inst(opcodes.OP_LOAD_LOCAL, 0),
			inst(opcodes.OP_LOAD_LOCAL, 1),
			inst(opcodes.OP_MUL, 0),
			inst(opcodes.OP_STORE_LOCAL, 2),
			inst(opcodes.OP_LOAD_LOCAL, 2),
			inst(opcodes.OP_LOAD_CONST, 2),
			inst(opcodes.OP_MUL, 0),
			inst(opcodes.OP_LOAD_CONST, 3),
			inst(opcodes.OP_MUL, 0),
			inst(opcodes.OP_STORE_LOCAL, 3),
			inst(opcodes.OP_LOAD_LOCAL, 3),
			inst(opcodes.OP_RETURN, 0),
		},
	}
}

// callProgram invokes double(21) so two frames appear in the trace.
func callProgram() (*vm.Program, *vm.Program) {
	callee := &vm.Program{
		CodeID:     11,
		SourcePath: "double.rt",
		LocalNames: []string{"x"},
		Constants:  []*values.Value{values.NewInt(2)},
		Instructions: []opcodes.Instruction{
			inst(opcodes.OP_LOAD_LOCAL, 0),
			inst(opcodes.OP_LOAD_CONST, 0),
			inst(opcodes.OP_MUL, 0),
			inst(opcodes.OP_RETURN, 0),
		},
	}
	main := &vm.Program{
		CodeID:     10,
		SourcePath: "main.rt",
		LocalNames: []string{"r"},
		Constants: []*values.Value{
			values.NewCallable(&values.Callable{Name: "double", CodeID: 11}),
			values.NewInt(21),
		},
		Instructions: []opcodes.Instruction{
			inst(opcodes.OP_LOAD_CONST, 0),
			inst(opcodes.OP_LOAD_CONST, 1),
			inst(opcodes.OP_CALL, 1),
			inst(opcodes.OP_STORE_LOCAL, 0),
			inst(opcodes.OP_LOAD_LOCAL, 0),
			inst(opcodes.OP_RETURN, 0),
		},
	}
	return main, callee
}

// recordTrace runs programs[0] with any extra programs registered and
// returns an engine over the resulting trace.
func recordTrace(t *testing.T, setup func(*vm.ExecutionContext), programs ...*vm.Program) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.rtrc")
	rec, err := recorder.New(config.Default(), path)
	require.NoError(t, err)

	machine := vm.NewVirtualMachine()
	machine.SetDispatchHook(rec)
	ctx := vm.NewExecutionContext()
	for _, p := range programs[1:] {
		ctx.RegisterProgram(p)
	}
	if setup != nil {
		setup(ctx)
	}
	_, err = machine.Execute(ctx, programs[0])
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	engine, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// lastWriteOf returns the token last written to name.
func lastWriteOf(t *testing.T, e *Engine, name string) trace.Tok {
	t.Helper()
	hits, err := e.SearchVariables(name)
	require.NoError(t, err)
	require.NotEmpty(t, hits, "no writes of %s", name)
	return hits[len(hits)-1].Tok
}

func TestBackWalkReachesConstRoots(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())

	dTok := lastWriteOf(t, engine, "d")
	dag, err := engine.BackWalk(dTok, 0)
	require.NoError(t, err)
	assert.False(t, dag.Truncated, "default depth must exhaust this chain")

	roots := dag.Roots()
	require.NotEmpty(t, roots)
	constRoots := 0
	for _, r := range roots {
		if r.Kind == trace.KindConst {
			constRoots++
		}
	}
	// 30, 0.01, 0.9 and 0.85 all terminate the walk.
	assert.Equal(t, 4, constRoots)
}

func TestBackWalkDepthBound(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())
	dTok := lastWriteOf(t, engine, "d")

	dag, err := engine.BackWalk(dTok, 1)
	require.NoError(t, err)
	assert.True(t, dag.Truncated)
}

func TestParentsOfConstIsEmpty(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())
	aTok := lastWriteOf(t, engine, "a")

	// a's binding token is the constant-load token itself.
	parents, ext, err := engine.ParentsOf(aTok)
	require.NoError(t, err)
	assert.Empty(t, parents)
	assert.Nil(t, ext)
}

func TestParentsOfOpaqueCall(t *testing.T) {
	program := &vm.Program{
		CodeID:     2,
		SourcePath: "rand.rt",
		LocalNames: []string{"random.randint", "n"},
		Constants:  []*values.Value{values.NewInt(1), values.NewInt(100)},
		Instructions: []opcodes.Instruction{
			inst(opcodes.OP_LOAD_GLOBAL, 0),
			inst(opcodes.OP_LOAD_CONST, 0),
			inst(opcodes.OP_LOAD_CONST, 1),
			inst(opcodes.OP_CALL, 2),
			inst(opcodes.OP_STORE_LOCAL, 1),
			inst(opcodes.OP_LOAD_LOCAL, 1),
			inst(opcodes.OP_RETURN, 0),
		},
	}
	engine := recordTrace(t, func(ctx *vm.ExecutionContext) {
		vm.BindBuiltins(ctx, vm.Builtins())
	}, program)

	nTok := lastWriteOf(t, engine, "n")
	parents, ext, err := engine.ParentsOf(nTok)
	require.NoError(t, err)
	assert.Empty(t, parents, "opaque results are provenance roots")
	require.NotNil(t, ext)
	assert.Equal(t, "random.randint", ext.Callee)
}

func TestSeekAndLocals(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())

	// The trace ends with frame-exit; just before it the frame is live.
	end := engine.Header().EventCount - 1
	frames, err := engine.Seek(end)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].Ord)
	assert.True(t, frames[0].Live())

	locals, err := engine.LocalsAt(1, end)
	require.NoError(t, err)
	require.Contains(t, locals, "a")
	require.Contains(t, locals, "d")
	assert.Equal(t, "30", locals["a"].Repr)
	assert.NotEmpty(t, locals["d"].Repr)
}

func TestFramesInnermostFirst(t *testing.T) {
	main, callee := callProgram()
	engine := recordTrace(t, nil, main, callee)

	// Find a counter inside the callee: its frame-enter event.
	var enterCounter uint64
	require.NoError(t, engine.DumpEvents(func(e *trace.Event) bool {
		if e.Tag == trace.TagFrameEnter && e.CodeID == 11 {
			enterCounter = e.Counter
			return false
		}
		return true
	}))
	require.NotZero(t, enterCounter)

	frames, err := engine.FramesAt(enterCounter + 1)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[0].Ord, "innermost first")
	assert.Equal(t, uint64(1), frames[1].Ord)
	assert.Equal(t, uint64(1), frames[0].ParentOrd)
}

func TestSearchVariablesGlob(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())

	hits, err := engine.SearchVariables("*")
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, h := range hits {
		names[h.Name] = true
		assert.NotZero(t, h.Counter)
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		assert.True(t, names[want], "missing variable %s", want)
	}

	only, err := engine.SearchVariables("c")
	require.NoError(t, err)
	require.NotEmpty(t, only)
	for _, h := range only {
		assert.Equal(t, "c", h.Name)
	}
}

// loopProgram counts i from 0 to n, one binding write per iteration.
func loopProgram(n int64) *vm.Program {
	return &vm.Program{
		CodeID:     4,
		SourcePath: "loop.rt",
		LocalNames: []string{"i"},
		Constants:  []*values.Value{values.NewInt(0), values.NewInt(1), values.NewInt(n)},
		Instructions: []opcodes.Instruction{
			inst(opcodes.OP_LOAD_CONST, 0),
			inst(opcodes.OP_STORE_LOCAL, 0),
			inst(opcodes.OP_LOAD_LOCAL, 0), // loop head
			inst(opcodes.OP_LOAD_CONST, 2),
			inst(opcodes.OP_IS_SMALLER, 0),
			inst(opcodes.OP_JUMP_IF_FALSE, 11),
			inst(opcodes.OP_LOAD_LOCAL, 0),
			inst(opcodes.OP_LOAD_CONST, 1),
			inst(opcodes.OP_ADD, 0),
			inst(opcodes.OP_STORE_LOCAL, 0),
			inst(opcodes.OP_JUMP, 2),
			inst(opcodes.OP_LOAD_LOCAL, 0),
			inst(opcodes.OP_RETURN, 0),
		},
	}
}

func TestSeekResumesFromCheckpoint(t *testing.T) {
	// Enough iterations to cross the checkpoint stride.
	engine := recordTrace(t, nil, loopProgram(600))
	end := engine.Header().EventCount - 1

	// The first reconstruction scans from the head and snapshots
	// checkpoints along the way.
	fromHead, err := engine.LocalsAt(1, end)
	require.NoError(t, err)
	require.NotEmpty(t, engine.checkpoints, "a trace this long must leave checkpoints behind")

	// The second reconstruction resumes mid-stream and must agree.
	resumed, err := engine.LocalsAt(1, end)
	require.NoError(t, err)
	assert.Equal(t, fromHead, resumed)
	assert.Equal(t, "600", resumed["i"].Repr)

	// Checkpoints serve earlier counters too, without contaminating
	// later state.
	mid, err := engine.LocalsAt(1, end/2)
	require.NoError(t, err)
	assert.NotEqual(t, resumed["i"].Tok, mid["i"].Tok)
}

func TestReplayMissing(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())

	_, err := engine.EventByTok(trace.NewTok(0, 999999))
	assert.ErrorIs(t, err, ErrReplayMissing)

	_, err = engine.LocalsAt(42, 5)
	assert.ErrorIs(t, err, ErrReplayMissing)

	_, _, err = engine.ParentsOf(trace.TokNone)
	assert.ErrorIs(t, err, ErrReplayMissing)
}

func TestEventCacheServesRepeatedLookups(t *testing.T) {
	engine := recordTrace(t, nil, chainProgram())
	tok := lastWriteOf(t, engine, "c")

	first, err := engine.EventByTok(tok)
	require.NoError(t, err)
	second, err := engine.EventByTok(tok)
	require.NoError(t, err)
	assert.Same(t, first, second, "second lookup must hit the cache")
}
