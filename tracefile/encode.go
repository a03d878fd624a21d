package tracefile

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/retracesoftware/retrace/opcodes"
	"github.com/retracesoftware/retrace/trace"
)

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendToks(buf []byte, toks []trace.Tok) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(toks)))
	for _, t := range toks {
		buf = binary.AppendUvarint(buf, uint64(t))
	}
	return buf
}

func appendBindings(buf []byte, bs []trace.Binding) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(bs)))
	for _, b := range bs {
		buf = binary.AppendUvarint(buf, uint64(b.NameID))
		buf = binary.AppendUvarint(buf, uint64(b.Tok))
		buf = appendString(buf, b.Repr)
	}
	return buf
}

// encodeEvent renders one event as tag | len | payload | crc32.
func encodeEvent(e *trace.Event) []byte {
	payload := make([]byte, 0, 64)
	payload = binary.AppendUvarint(payload, e.Counter)
	payload = binary.AppendUvarint(payload, e.Frame)
	payload = binary.AppendUvarint(payload, uint64(e.Thread))

	switch e.Tag {
	case trace.TagInstruction:
		payload = binary.AppendUvarint(payload, uint64(e.Opcode))
		payload = binary.AppendUvarint(payload, uint64(e.CodeID))
		payload = binary.AppendUvarint(payload, uint64(e.InstrOffset))
		payload = append(payload, byte(e.Kind), e.Flags)
		payload = appendToks(payload, e.Consumed)
		payload = appendToks(payload, e.Produced)
		payload = appendBindings(payload, e.Reads)
		payload = appendBindings(payload, e.Writes)
		if e.Ext != nil {
			payload = append(payload, 1)
			payload = appendString(payload, e.Ext.Callee)
			payload = binary.AppendUvarint(payload, e.Ext.SignatureHash)
		} else {
			payload = append(payload, 0)
		}
	case trace.TagFrameEnter:
		payload = binary.AppendUvarint(payload, uint64(e.CodeID))
		payload = binary.AppendUvarint(payload, e.ParentFrame)
		payload = appendBindings(payload, e.Writes)
	case trace.TagFrameExit:
		payload = append(payload, e.Flags)
		payload = appendToks(payload, e.Produced)
	case trace.TagAborted:
		payload = append(payload, e.Flags)
		payload = appendString(payload, e.Reason)
	}

	out := make([]byte, 0, len(payload)+16)
	out = append(out, byte(e.Tag))
	out = binary.AppendUvarint(out, uint64(len(payload)))
	out = append(out, payload...)
	crc := crc32.ChecksumIEEE(payload)
	out = binary.LittleEndian.AppendUint32(out, crc)
	return out
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.err = ErrCorrupt
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.buf) {
		d.err = ErrCorrupt
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if d.pos+int(n) > len(d.buf) {
		d.err = ErrCorrupt
		return ""
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}

func (d *decoder) toks() []trace.Tok {
	n := d.uvarint()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]trace.Tok, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, trace.Tok(d.uvarint()))
	}
	return out
}

func (d *decoder) bindings() []trace.Binding {
	n := d.uvarint()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]trace.Binding, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, trace.Binding{
			NameID: uint32(d.uvarint()),
			Tok:    trace.Tok(d.uvarint()),
			Repr:   d.string(),
		})
	}
	return out
}

// decodeEvent parses one payload. Trailing payload bytes beyond the
// known fields are ignored for forward compatibility.
func decodeEvent(tag trace.EventTag, payload []byte) (*trace.Event, error) {
	d := &decoder{buf: payload}
	e := &trace.Event{Tag: tag}
	e.Counter = d.uvarint()
	e.Frame = d.uvarint()
	e.Thread = uint16(d.uvarint())

	switch tag {
	case trace.TagInstruction:
		e.Opcode = opcodes.Opcode(d.uvarint())
		e.CodeID = uint32(d.uvarint())
		e.InstrOffset = uint32(d.uvarint())
		e.Kind = trace.Kind(d.byte())
		e.Flags = d.byte()
		e.Consumed = d.toks()
		e.Produced = d.toks()
		e.Reads = d.bindings()
		e.Writes = d.bindings()
		if d.byte() == 1 {
			e.Ext = &trace.ExternalCall{
				Callee:        d.string(),
				SignatureHash: d.uvarint(),
			}
		}
	case trace.TagFrameEnter:
		e.CodeID = uint32(d.uvarint())
		e.ParentFrame = d.uvarint()
		e.Writes = d.bindings()
	case trace.TagFrameExit:
		e.Flags = d.byte()
		e.Produced = d.toks()
	case trace.TagAborted:
		e.Flags = d.byte()
		e.Reason = d.string()
	}
	if d.err != nil {
		return nil, d.err
	}
	return e, nil
}
