package query

import (
	"fmt"
	"os"
	"strings"

	"github.com/retracesoftware/retrace/replay"
)

// SourceSnippet is a window of guest source around one line.
type SourceSnippet struct {
	Path      string
	StartLine int
	Lines     []string
}

// GetSource returns context lines around line of the code object's
// source file. The file is read from the path recorded in the code
// table.
func (s *Service) GetSource(sessionID string, codeID uint32, line, context int) (*SourceSnippet, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	code := sess.handle.engine.Code(codeID)
	if code == nil {
		return nil, fmt.Errorf("code %d: %w", codeID, replay.ErrReplayMissing)
	}
	data, err := os.ReadFile(code.SourcePath)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	if line < 1 || line > len(lines) {
		return nil, fmt.Errorf("line %d of %s: %w", line, code.SourcePath, replay.ErrReplayMissing)
	}
	if context < 0 {
		context = 0
	}
	start := line - context
	if start < 1 {
		start = 1
	}
	end := line + context
	if end > len(lines) {
		end = len(lines)
	}
	return &SourceSnippet{
		Path:      code.SourcePath,
		StartLine: start,
		Lines:     lines[start-1 : end],
	}, nil
}
