package recorder

import (
	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/trace"
	"github.com/retracesoftware/retrace/values"
	"github.com/retracesoftware/retrace/vm"
)

// step carries one observed instruction through the combine table.
type step struct {
	rec    *Recorder
	tc     *ThreadContext
	shadow *FrameShadow
	frame  *vm.CallFrame
	inst   opcodes.Instruction
	event  *trace.Event
}

// mint allocates the origin token of this step's counter.
func (s *step) mint() trace.Tok {
	return trace.NewTok(s.tc.ThreadID, s.event.Counter)
}

type combineFunc func(s *step) error

// Handler is the per-opcode provenance table: how many tokens an
// opcode pops and pushes, and how consumed tokens combine into the
// produced token's history. The default combine mints one fresh token
// whose parents are the consumed tokens; the registered overrides are
// the only places provenance semantics diverge from that rule.
type Handler struct {
	overrides map[opcodes.Opcode]combineFunc
}

// NewHandler creates a handler with all overrides registered.
func NewHandler() *Handler {
	h := &Handler{overrides: make(map[opcodes.Opcode]combineFunc)}
	h.registerOverrides()
	return h
}

// InArity reports how many tokens op consumes from the shadow stack.
func (h *Handler) InArity(op opcodes.Opcode, arg uint32) int {
	return opcodes.StackIn(op, arg)
}

// OutArity reports how many tokens op pushes onto the shadow stack.
func (h *Handler) OutArity(op opcodes.Opcode, arg uint32) int {
	return opcodes.StackOut(op, arg)
}

// Combine applies op's provenance semantics to the shadow stack and
// fills in the event's consumed/produced/binding fields.
func (h *Handler) Combine(s *step) error {
	if fn, ok := h.overrides[s.inst.Opcode]; ok {
		return fn(s)
	}
	return h.combineDefault(s)
}

func (h *Handler) registerOverrides() {
	// Copy opcodes propagate existing tokens instead of minting.
	h.overrides[opcodes.OP_DUP] = func(s *step) error {
		return s.shadow.dup(int(s.inst.Arg))
	}
	h.overrides[opcodes.OP_SWAP] = func(s *step) error {
		return s.shadow.swap()
	}
	h.overrides[opcodes.OP_ROT] = func(s *step) error {
		return s.shadow.rot(int(s.inst.Arg))
	}

	// Constants mint with empty parents.
	h.overrides[opcodes.OP_LOAD_CONST] = h.combineLoadConst

	// Binding reads mint-and-link; writes move the consumed token.
	h.overrides[opcodes.OP_LOAD_LOCAL] = h.combineLoadLocal
	h.overrides[opcodes.OP_LOAD_GLOBAL] = h.combineLoadGlobal
	h.overrides[opcodes.OP_STORE_LOCAL] = h.combineStoreLocal
	h.overrides[opcodes.OP_STORE_GLOBAL] = h.combineStoreGlobal
	h.overrides[opcodes.OP_BIND_EXCEPT] = h.combineBindExcept

	h.overrides[opcodes.OP_CALL] = h.combineCall
	h.overrides[opcodes.OP_UNPACK_SEQUENCE] = h.combineUnpack
	h.overrides[opcodes.OP_RETURN] = h.combineReturn
}

// combineDefault pops the input arity, mints one token per output slot
// and records the consumed tokens as its parents.
func (h *Handler) combineDefault(s *step) error {
	consumed, err := s.shadow.popN(h.InArity(s.inst.Opcode, s.inst.Arg))
	if err != nil {
		return err
	}
	s.event.Consumed = consumed
	if out := h.OutArity(s.inst.Opcode, s.inst.Arg); out > 0 {
		tok := s.mint()
		for i := 0; i < out; i++ {
			s.event.Produced = append(s.event.Produced, tok)
			s.shadow.push(tok)
		}
	}
	return nil
}

func (h *Handler) combineLoadConst(s *step) error {
	tok := s.mint()
	s.event.Kind = trace.KindConst
	s.event.Produced = []trace.Tok{tok}
	s.shadow.push(tok)
	return nil
}

func (h *Handler) combineLoadLocal(s *step) error {
	old := s.shadow.local(s.inst.Arg)
	tok := s.mint()
	s.event.Reads = []trace.Binding{{NameID: s.inst.Arg, Tok: old}}
	s.event.Produced = []trace.Tok{tok}
	s.shadow.push(tok)
	return nil
}

func (h *Handler) combineLoadGlobal(s *step) error {
	name := s.frame.Program.LocalNames[s.inst.Arg]
	old := s.rec.globalTok(name)
	tok := s.mint()
	s.event.Reads = []trace.Binding{{NameID: s.inst.Arg, Tok: old}}
	s.event.Produced = []trace.Tok{tok}
	s.shadow.push(tok)
	return nil
}

func (h *Handler) combineStoreLocal(s *step) error {
	tok, err := s.shadow.pop()
	if err != nil {
		return err
	}
	s.event.Consumed = []trace.Tok{tok}
	s.event.Writes = []trace.Binding{{NameID: s.inst.Arg, Tok: tok, Repr: renderValue(s.frame.Local(s.inst.Arg))}}
	s.shadow.setLocal(s.inst.Arg, tok)
	return nil
}

func (h *Handler) combineStoreGlobal(s *step) error {
	tok, err := s.shadow.pop()
	if err != nil {
		return err
	}
	name := s.frame.Program.LocalNames[s.inst.Arg]
	s.event.Consumed = []trace.Tok{tok}
	s.event.Writes = []trace.Binding{{NameID: s.inst.Arg, Tok: tok, Repr: name}}
	s.rec.setGlobalTok(name, tok)
	return nil
}

// combineBindExcept re-binds the exception token into a local; the
// bound token equals the exception token, no minting.
func (h *Handler) combineBindExcept(s *step) error {
	tok, err := s.shadow.pop()
	if err != nil {
		return err
	}
	s.event.Consumed = []trace.Tok{tok}
	s.event.Writes = []trace.Binding{{NameID: s.inst.Arg, Tok: tok, Repr: renderValue(s.frame.Local(s.inst.Arg))}}
	s.shadow.setLocal(s.inst.Arg, tok)
	return nil
}

// combineCall consumes callee and arguments. An opaque (builtin)
// callee terminates the provenance chain: the produced token is an
// external root labelled with the callee identity. An instrumented
// callee produces nothing here; its return token is pushed when the
// callee frame exits.
func (h *Handler) combineCall(s *step) error {
	consumed, err := s.shadow.popN(int(s.inst.Arg) + 1)
	if err != nil {
		return err
	}
	s.event.Consumed = consumed
	lc := s.frame.LastCall()
	if lc == nil {
		return nil
	}
	if lc.Builtin {
		tok := s.mint()
		s.event.Kind = trace.KindExternal
		s.event.Ext = &trace.ExternalCall{
			Callee:        lc.Name,
			SignatureHash: trace.SignatureOf(lc.Name, lc.Args),
		}
		s.event.Produced = []trace.Tok{tok}
		s.shadow.push(tok)
		return nil
	}
	// Argument tokens flow into the callee frame's parameter slots.
	s.tc.pendingArgs = append(s.tc.pendingArgs[:0], consumed[1:]...)
	return nil
}

// combineUnpack produces the element tokens of a sequence: all minted
// at this counter, each with the sequence token as parent.
func (h *Handler) combineUnpack(s *step) error {
	seqTok, err := s.shadow.pop()
	if err != nil {
		return err
	}
	s.event.Consumed = []trace.Tok{seqTok}
	tok := s.mint()
	for i := uint32(0); i < s.inst.Arg; i++ {
		s.event.Produced = append(s.event.Produced, tok)
		s.shadow.push(tok)
	}
	return nil
}

// combineReturn mints the return-value token at the return event so a
// caller's value chains through the callee's return.
func (h *Handler) combineReturn(s *step) error {
	tok, err := s.shadow.pop()
	if err != nil {
		return err
	}
	rtok := s.mint()
	s.event.Consumed = []trace.Tok{tok}
	s.event.Produced = []trace.Tok{rtok}
	s.shadow.pendingReturn = rtok
	return nil
}

// renderValue renders a short concrete representation for locals
// inspection; long strings are clipped.
func renderValue(v *values.Value) string {
	if v == nil {
		return ""
	}
	s := v.String()
	if len(s) > 64 {
		s = s[:61] + "..."
	}
	return s
}
