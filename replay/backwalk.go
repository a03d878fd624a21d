package replay

import (
	"errors"

	"github.com/gammazero/deque"

	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/trace"
)

// DefaultBackWalkDepth bounds a provenance walk when the caller does
// not say otherwise.
const DefaultBackWalkDepth = 32

// Node is one resolved token in a provenance DAG.
type Node struct {
	Tok     trace.Tok
	Kind    trace.Kind
	Opcode  opcodes.Opcode
	CodeID  uint32
	Offset  uint32
	Depth   int
	Parents []trace.Tok
	Ext     *trace.ExternalCall
}

// IsRoot reports whether the walk stopped here: a constant, an opaque
// call result, or a token with no recorded parents.
func (n *Node) IsRoot() bool {
	return n.Kind.IsRoot() || len(n.Parents) == 0
}

// DAG is the result of a back-walk: every reached token with its
// parent edges, breadth-first from the root of the query.
type DAG struct {
	Start     trace.Tok
	Nodes     map[trace.Tok]*Node
	Order     []trace.Tok // BFS visit order
	Truncated bool        // the depth bound stopped the walk
}

// Roots returns the chain terminators reached by the walk.
func (d *DAG) Roots() []*Node {
	var out []*Node
	for _, t := range d.Order {
		if n := d.Nodes[t]; n.IsRoot() {
			out = append(out, n)
		}
	}
	return out
}

// BackWalk walks parent edges breadth-first from t, halting at roots
// or maxDepth (DefaultBackWalkDepth when maxDepth <= 0). Tokens whose
// minting event is missing from the trace become parentless leaves.
func (e *Engine) BackWalk(t trace.Tok, maxDepth int) (*DAG, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultBackWalkDepth
	}
	dag := &DAG{Start: t, Nodes: make(map[trace.Tok]*Node)}

	type item struct {
		tok   trace.Tok
		depth int
	}
	var frontier deque.Deque[item]
	frontier.PushBack(item{tok: t})

	for frontier.Len() > 0 {
		cur := frontier.PopFront()
		if _, seen := dag.Nodes[cur.tok]; seen {
			continue
		}
		ev, err := e.EventByTok(cur.tok)
		if err != nil {
			if errors.Is(err, ErrReplayMissing) && cur.tok != t {
				dag.Nodes[cur.tok] = &Node{Tok: cur.tok, Depth: cur.depth}
				dag.Order = append(dag.Order, cur.tok)
				continue
			}
			return nil, err
		}
		node := &Node{
			Tok:    cur.tok,
			Kind:   ev.Kind,
			Opcode: ev.Opcode,
			CodeID: ev.CodeID,
			Offset: ev.InstrOffset,
			Depth:  cur.depth,
			Ext:    ev.Ext,
		}
		if !ev.Kind.IsRoot() {
			node.Parents = ev.Parents()
		}
		dag.Nodes[cur.tok] = node
		dag.Order = append(dag.Order, cur.tok)

		if cur.depth+1 > maxDepth {
			if len(node.Parents) > 0 {
				dag.Truncated = true
			}
			continue
		}
		for _, p := range node.Parents {
			if _, seen := dag.Nodes[p]; !seen {
				frontier.PushBack(item{tok: p, depth: cur.depth + 1})
			}
		}
	}
	return dag, nil
}
