package recorder

import (
	"fmt"
	"sync"

	"github.com/retracesoftware/retrace/trace"
)

// shadowPool recycles shadow stacks; frame lifetimes are strictly
// LIFO per thread so churn is high and allocation per frame avoidable.
var shadowPool = sync.Pool{
	New: func() interface{} {
		return &FrameShadow{
			stack:  make([]trace.Tok, 0, 16),
			locals: make(map[uint32]trace.Tok, 8),
		}
	},
}

// FrameShadow is the side-car state of one guest call frame: a stack
// of origin tokens mirroring the frame's operand stack slot for slot,
// and the token currently bound to each local. Depth divergence from
// the value stack is a fatal trace corruption (invariant I2).
type FrameShadow struct {
	Ord       uint64
	ParentOrd uint64
	CodeID    uint32

	stack  []trace.Tok
	locals map[uint32]trace.Tok

	// pendingReturn is the token of the frame's return value, set by
	// the RETURN combine and consumed when the frame exits.
	pendingReturn trace.Tok
}

func newFrameShadow(ord, parentOrd uint64, codeID uint32) *FrameShadow {
	s := shadowPool.Get().(*FrameShadow)
	s.Ord = ord
	s.ParentOrd = parentOrd
	s.CodeID = codeID
	s.pendingReturn = trace.TokNone
	return s
}

// release returns the shadow to the pool after the frame's exit event
// has been logged.
func (s *FrameShadow) release() {
	s.stack = s.stack[:0]
	for k := range s.locals {
		delete(s.locals, k)
	}
	s.pendingReturn = trace.TokNone
	shadowPool.Put(s)
}

// Depth returns the shadow-stack depth.
func (s *FrameShadow) Depth() int {
	return len(s.stack)
}

func (s *FrameShadow) push(t trace.Tok) {
	s.stack = append(s.stack, t)
}

func (s *FrameShadow) pop() (trace.Tok, error) {
	if len(s.stack) == 0 {
		return trace.TokNone, corruption("I2", "shadow stack underflow")
	}
	idx := len(s.stack) - 1
	t := s.stack[idx]
	s.stack = s.stack[:idx]
	return t, nil
}

// popN removes and returns the top n tokens, bottom first.
func (s *FrameShadow) popN(n int) ([]trace.Tok, error) {
	if n == 0 {
		return nil, nil
	}
	if len(s.stack) < n {
		return nil, corruption("I2", fmt.Sprintf("shadow stack underflow: have %d, need %d", len(s.stack), n))
	}
	out := make([]trace.Tok, n)
	copy(out, s.stack[len(s.stack)-n:])
	s.stack = s.stack[:len(s.stack)-n]
	return out, nil
}

// peek returns the token k slots below the top without removing it.
func (s *FrameShadow) peek(k int) (trace.Tok, error) {
	if k < 0 || k >= len(s.stack) {
		return trace.TokNone, corruption("I2", "shadow stack peek out of range")
	}
	return s.stack[len(s.stack)-1-k], nil
}

// dup duplicates the top k tokens, mirroring the value-stack DUP.
func (s *FrameShadow) dup(k int) error {
	if k == 0 {
		k = 1
	}
	if len(s.stack) < k {
		return corruption("I2", "shadow stack underflow on dup")
	}
	top := s.stack[len(s.stack)-k:]
	s.stack = append(s.stack, top...)
	return nil
}

// swap exchanges the two topmost tokens.
func (s *FrameShadow) swap() error {
	n := len(s.stack)
	if n < 2 {
		return corruption("I2", "shadow stack underflow on swap")
	}
	s.stack[n-1], s.stack[n-2] = s.stack[n-2], s.stack[n-1]
	return nil
}

// rot rotates the top k tokens by one, mirroring the value-stack ROT.
func (s *FrameShadow) rot(k int) error {
	if k < 2 {
		return nil
	}
	n := len(s.stack)
	if n < k {
		return corruption("I2", "shadow stack underflow on rot")
	}
	top := s.stack[n-1]
	copy(s.stack[n-k+1:], s.stack[n-k:n-1])
	s.stack[n-k] = top
	return nil
}

// local returns the token bound at slot, or TokNone.
func (s *FrameShadow) local(slot uint32) trace.Tok {
	return s.locals[slot]
}

func (s *FrameShadow) setLocal(slot uint32, t trace.Tok) {
	s.locals[slot] = t
}
