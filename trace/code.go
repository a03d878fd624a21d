package trace

// CodeObject describes one immutable unit of guest bytecode. The line
// map pairs instruction offsets with source lines; LocalNames indexes
// binding name ids.
type CodeObject struct {
	ID         uint32
	SourcePath string
	LineMap    []LineEntry
	LocalNames []string
	ConstCount uint32
}

// LineEntry maps an instruction offset to a source line.
type LineEntry struct {
	Offset uint32
	Line   uint32
}

// LineFor resolves the source line of an instruction offset, or 0.
func (c *CodeObject) LineFor(offset uint32) uint32 {
	line := uint32(0)
	for _, e := range c.LineMap {
		if e.Offset > offset {
			break
		}
		line = e.Line
	}
	return line
}

// NameOf resolves a binding name id, or an empty string.
func (c *CodeObject) NameOf(id uint32) string {
	if int(id) < len(c.LocalNames) {
		return c.LocalNames[id]
	}
	return ""
}

// FrameRecord is the reconstructed view of one guest call frame at a
// point in the trace.
type FrameRecord struct {
	Ord          uint64
	CodeID       uint32
	ParentOrd    uint64
	EntryCounter uint64
	ExitCounter  uint64 // 0 while the frame is live
	Locals       map[uint32]Tok
	LocalReprs   map[uint32]string
}

// Live reports whether the frame had not returned yet.
func (f *FrameRecord) Live() bool {
	return f.ExitCounter == 0
}
