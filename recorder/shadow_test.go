package recorder

import (
	"errors"
	"testing"

	"github.com/retracesoftware/retrace/trace"
)

func tok(c uint64) trace.Tok {
	return trace.NewTok(0, c)
}

func TestShadowPushPop(t *testing.T) {
	s := newFrameShadow(1, 0, 7)
	defer s.release()

	s.push(tok(1))
	s.push(tok(2))
	if s.Depth() != 2 {
		t.Fatalf("Depth() = %d, want 2", s.Depth())
	}
	got, err := s.pop()
	if err != nil || got != tok(2) {
		t.Fatalf("pop() = %v, %v", got, err)
	}
	pair, err := s.popN(1)
	if err != nil || pair[0] != tok(1) {
		t.Fatalf("popN() = %v, %v", pair, err)
	}
}

func TestShadowUnderflowIsCorruption(t *testing.T) {
	s := newFrameShadow(1, 0, 7)
	defer s.release()

	_, err := s.pop()
	if !errors.Is(err, ErrTraceCorruption) {
		t.Fatalf("pop() error = %v, want trace corruption", err)
	}
	var ce *CorruptionError
	if !errors.As(err, &ce) || ce.Invariant != "I2" {
		t.Fatalf("underflow must name invariant I2, got %v", err)
	}
}

func TestShadowDupSwapRot(t *testing.T) {
	s := newFrameShadow(1, 0, 7)
	defer s.release()

	s.push(tok(1))
	s.push(tok(2))
	s.push(tok(3))

	if err := s.dup(0); err != nil { // dup top
		t.Fatal(err)
	}
	top, _ := s.peek(0)
	if top != tok(3) || s.Depth() != 4 {
		t.Fatalf("dup: top=%v depth=%d", top, s.Depth())
	}

	if err := s.swap(); err != nil {
		t.Fatal(err)
	}

	s.push(tok(9))
	if err := s.rot(3); err != nil {
		t.Fatal(err)
	}
	top, _ = s.peek(0)
	if top == tok(9) {
		t.Fatalf("rot should bury the pushed token, top=%v", top)
	}
	buried, _ := s.peek(2)
	if buried != tok(9) {
		t.Fatalf("rot should move the top token down by k-1, got %v", buried)
	}
}

func TestShadowLocalsRebind(t *testing.T) {
	s := newFrameShadow(2, 1, 7)
	defer s.release()

	if got := s.local(0); !got.IsNone() {
		t.Fatalf("fresh local should be TokNone, got %v", got)
	}
	s.setLocal(0, tok(5))
	s.setLocal(0, tok(6))
	if got := s.local(0); got != tok(6) {
		t.Fatalf("rebind lost: %v", got)
	}
}

func TestShadowPoolReuseResetsState(t *testing.T) {
	s := newFrameShadow(3, 1, 7)
	s.push(tok(1))
	s.setLocal(2, tok(2))
	s.pendingReturn = tok(3)
	s.release()

	r := newFrameShadow(4, 3, 8)
	defer r.release()
	if r.Depth() != 0 {
		t.Fatalf("recycled shadow must start empty, depth=%d", r.Depth())
	}
	if !r.local(2).IsNone() {
		t.Fatalf("recycled shadow leaked locals")
	}
	if !r.pendingReturn.IsNone() {
		t.Fatalf("recycled shadow leaked pending return")
	}
}
