package trace

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/values"
)

// EventTag discriminates log records.
type EventTag byte

const (
	TagInstruction EventTag = 0x01
	TagFrameEnter  EventTag = 0x02
	TagFrameExit   EventTag = 0x03
	TagAborted     EventTag = 0x04

	// TagSegment frames a per-thread segment header in the stream.
	TagSegment EventTag = 0xF0
)

// Event flag bits.
const (
	FlagGuestFault uint8 = 1 << iota
	FlagAborted
)

// Binding records a local or global read/write: the name slot and the
// token bound before (reads) or after (writes) the instruction. Repr
// is a short rendering of the bound value captured at write time.
type Binding struct {
	NameID uint32
	Tok    Tok
	Repr   string
}

// ExternalCall labels an opaque callee: the provenance chain of the
// produced value terminates here.
type ExternalCall struct {
	Callee        string
	SignatureHash uint64
}

// SignatureOf hashes the callee name and argument type names into the
// opaque-call signature.
func SignatureOf(callee string, args []*values.Value) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(callee)
	for _, a := range args {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.TypeName())
	}
	return d.Sum64()
}

// Event is the atomic log record: one observed instruction, frame
// transition, or session abort.
type Event struct {
	Tag     EventTag
	Counter uint64
	Frame   uint64
	Thread  uint16

	Opcode      opcodes.Opcode
	CodeID      uint32
	InstrOffset uint32

	Consumed []Tok
	Produced []Tok
	Reads    []Binding
	Writes   []Binding

	Kind  Kind
	Flags uint8

	Ext *ExternalCall

	// Frame-enter records carry the parent; abort records the reason.
	ParentFrame uint64
	Reason      string
}

// ProducedTok returns the single produced token, or TokNone.
func (e *Event) ProducedTok() Tok {
	if len(e.Produced) == 0 {
		return TokNone
	}
	return e.Produced[0]
}

// Parents returns the provenance parents of tokens minted by this
// event: the consumed tokens plus the prior tokens of any bindings
// read. Opaque-call events keep their argument tokens as parents with
// Ext identifying the boundary; back-walks treat them as roots via
// Kind.
func (e *Event) Parents() []Tok {
	out := make([]Tok, 0, len(e.Consumed)+len(e.Reads))
	for _, t := range e.Consumed {
		if !t.IsNone() {
			out = append(out, t)
		}
	}
	for _, b := range e.Reads {
		if !b.Tok.IsNone() {
			out = append(out, b.Tok)
		}
	}
	return out
}

func (e *Event) String() string {
	switch e.Tag {
	case TagFrameEnter:
		return fmt.Sprintf("enter frame=%d code=%d parent=%d @%d", e.Frame, e.CodeID, e.ParentFrame, e.Counter)
	case TagFrameExit:
		return fmt.Sprintf("exit frame=%d @%d", e.Frame, e.Counter)
	case TagAborted:
		return fmt.Sprintf("aborted(%s) @%d", e.Reason, e.Counter)
	}
	return fmt.Sprintf("%s @%d frame=%d consumed=%d produced=%d", e.Opcode, e.Counter, e.Frame, len(e.Consumed), len(e.Produced))
}
