package vm

import (
	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/trace"
	"github.com/retracesoftware/retrace/values"
)

// Program is one immutable compiled code object: a unit of guest
// bytecode plus its constant pool and local-name table.
type Program struct {
	CodeID     uint32
	SourcePath string

	Instructions []opcodes.Instruction
	Constants    []*values.Value
	LocalNames   []string
}

// SlotOf resolves a local name to its slot, appending a new slot when
// the name is unknown. Used by program builders, not the interpreter.
func (p *Program) SlotOf(name string) uint32 {
	for i, n := range p.LocalNames {
		if n == name {
			return uint32(i)
		}
	}
	p.LocalNames = append(p.LocalNames, name)
	return uint32(len(p.LocalNames) - 1)
}

// CodeObject renders the program as a trace code-table entry.
func (p *Program) CodeObject() *trace.CodeObject {
	lineMap := make([]trace.LineEntry, 0, len(p.Instructions))
	last := uint32(0)
	for i, inst := range p.Instructions {
		if inst.Line != 0 && inst.Line != last {
			lineMap = append(lineMap, trace.LineEntry{Offset: uint32(i), Line: inst.Line})
			last = inst.Line
		}
	}
	return &trace.CodeObject{
		ID:         p.CodeID,
		SourcePath: p.SourcePath,
		LineMap:    lineMap,
		LocalNames: append([]string(nil), p.LocalNames...),
		ConstCount: uint32(len(p.Constants)),
	}
}
