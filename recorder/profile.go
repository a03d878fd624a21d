package recorder

import (
	"sort"
	"sync"

	"github.com/retracesoftware/retrace/opcodes"
)

// HotSpot describes an opcode that was executed frequently.
type HotSpot struct {
	Opcode opcodes.Opcode
	Count  int
}

type profileState struct {
	mu sync.Mutex

	opcodeCounts map[opcodes.Opcode]int
	total        int
}

func newProfileState() *profileState {
	return &profileState{
		opcodeCounts: make(map[opcodes.Opcode]int),
	}
}

func (ps *profileState) observe(opcode opcodes.Opcode) {
	ps.mu.Lock()
	ps.opcodeCounts[opcode]++
	ps.total++
	ps.mu.Unlock()
}

func (ps *profileState) hotSpots(n int) []HotSpot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	spots := make([]HotSpot, 0, len(ps.opcodeCounts))
	for op, count := range ps.opcodeCounts {
		spots = append(spots, HotSpot{Opcode: op, Count: count})
	}
	sort.Slice(spots, func(i, j int) bool {
		if spots[i].Count == spots[j].Count {
			return spots[i].Opcode < spots[j].Opcode
		}
		return spots[i].Count > spots[j].Count
	})
	if n <= 0 || n >= len(spots) {
		return spots
	}
	return spots[:n]
}

func (ps *profileState) totalObserved() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.total
}
