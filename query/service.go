package query

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/retracesoftware/retrace/config"
	"github.com/retracesoftware/retrace/replay"
	"github.com/retracesoftware/retrace/trace"
)

var (
	// ErrSessionNotFound reports an unknown or closed session id.
	ErrSessionNotFound = errors.New("session not found")
)

// traceHandle shares one read-only engine between sessions.
type traceHandle struct {
	path   string
	engine *replay.Engine
	refs   int
}

// Session is a handle to an open trace; its cursor remembers the last
// counter stepped to.
type Session struct {
	ID     string
	handle *traceHandle

	mu     sync.Mutex
	cursor uint64
}

// Cursor returns the session's current counter.
func (s *Session) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Service is the session-keyed query façade over the replay engine.
// Every operation is read-only; sessions are safe for concurrent
// reads.
type Service struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	traces   map[string]*traceHandle
}

// NewService builds a query service with cfg's diagnostics settings.
func NewService(cfg config.Config) *Service {
	return &Service{
		log:      cfg.Logger(os.Stderr),
		sessions: make(map[string]*Session),
		traces:   make(map[string]*traceHandle),
	}
}

// OpenTrace opens (or shares) the trace at path and returns a session
// id for the remaining operations.
func (s *Service) OpenTrace(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.traces[path]
	if handle == nil {
		engine, err := replay.Open(path, s.log)
		if err != nil {
			return "", err
		}
		handle = &traceHandle{path: path, engine: engine}
		s.traces[path] = handle
	}
	handle.refs++

	sess := &Session{ID: uuid.NewString(), handle: handle}
	s.sessions[sess.ID] = sess
	s.log.Debug().Str("session", sess.ID).Str("path", path).Msg("trace opened")
	return sess.ID, nil
}

// CloseTrace closes a session; the underlying trace is released when
// its last session closes.
func (s *Service) CloseTrace(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[sessionID]
	if sess == nil {
		return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	delete(s.sessions, sessionID)
	sess.handle.refs--
	if sess.handle.refs == 0 {
		delete(s.traces, sess.handle.path)
		return sess.handle.engine.Close()
	}
	return nil
}

// Close closes every open session.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, sess := range s.sessions {
		delete(s.sessions, id)
		sess.handle.refs--
		if sess.handle.refs == 0 {
			delete(s.traces, sess.handle.path)
			if err := sess.handle.engine.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}

// FrameInfo describes one reconstructed frame.
type FrameInfo struct {
	Ord          uint64
	ParentOrd    uint64
	CodeID       uint32
	SourcePath   string
	EntryCounter uint64
	ExitCounter  uint64
	Live         bool
}

// RunToInstruction steps the session to counter and returns the live
// frames there, innermost first.
func (s *Service) RunToInstruction(sessionID string, counter uint64) ([]FrameInfo, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	frames, err := sess.handle.engine.Seek(counter)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.cursor = counter
	sess.mu.Unlock()
	return s.frameInfos(sess, frames), nil
}

// ListFramesAtStep returns the live frames at counter without moving
// the session cursor.
func (s *Service) ListFramesAtStep(sessionID string, counter uint64) ([]FrameInfo, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	frames, err := sess.handle.engine.FramesAt(counter)
	if err != nil {
		return nil, err
	}
	return s.frameInfos(sess, frames), nil
}

func (s *Service) frameInfos(sess *Session, frames []*trace.FrameRecord) []FrameInfo {
	out := make([]FrameInfo, 0, len(frames))
	for _, fr := range frames {
		info := FrameInfo{
			Ord:          fr.Ord,
			ParentOrd:    fr.ParentOrd,
			CodeID:       fr.CodeID,
			EntryCounter: fr.EntryCounter,
			ExitCounter:  fr.ExitCounter,
			Live:         fr.Live(),
		}
		if code := sess.handle.engine.Code(fr.CodeID); code != nil {
			info.SourcePath = code.SourcePath
		}
		out = append(out, info)
	}
	return out
}

// InspectStack materialises one frame's bindings at counter; counter 0
// means the session cursor.
func (s *Service) InspectStack(sessionID string, frameOrd, counter uint64) (map[string]replay.Local, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if counter == 0 {
		counter = sess.Cursor()
	}
	return sess.handle.engine.LocalsAt(frameOrd, counter)
}

// TraceProvenance back-walks parent edges from tok.
func (s *Service) TraceProvenance(sessionID string, tok trace.Tok, maxDepth int) (*replay.DAG, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.handle.engine.BackWalk(tok, maxDepth)
}

// SearchVariables returns every binding write matching the glob
// pattern, with the counter and frame of each write site.
func (s *Service) SearchVariables(sessionID, pattern string) ([]replay.VarHit, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.handle.engine.SearchVariables(pattern)
}
