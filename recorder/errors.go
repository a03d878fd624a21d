package recorder

import (
	"errors"
	"fmt"
)

// Pre-defined recorder error types for consistent error handling
var (
	// ErrTraceCorruption reports an invariant violation during
	// recording; fatal to the session, the file is left truncated.
	ErrTraceCorruption = errors.New("trace corruption")

	// ErrCancelled reports cooperative session cancellation.
	ErrCancelled = errors.New("recording cancelled")

	// ErrSessionClosed names recording after Close. The dispatch hooks
	// do not return it: once the session is closed they do nothing and
	// return nil.
	ErrSessionClosed = errors.New("recording session closed")

	// ErrCallbackFailed reports a stepping-callback error; the session
	// aborts and the log is closed cleanly.
	ErrCallbackFailed = errors.New("stepping callback failed")

	// ErrForkedChild names recording refused in a forked child under
	// the refuse policy. The dispatch hooks do not return it: the
	// child's recorder switches itself off and Disabled reports the
	// reason.
	ErrForkedChild = errors.New("recording refused in forked child")
)

// CorruptionError names the invariant (I1-I5) that tripped and where,
// so the first failing opcode is identifiable instead of a bare abort.
type CorruptionError struct {
	Invariant string
	Detail    string
	Counter   uint64
}

func (e *CorruptionError) Error() string {
	if e.Counter != 0 {
		return fmt.Sprintf("%s: invariant %s at counter %d: %s", ErrTraceCorruption, e.Invariant, e.Counter, e.Detail)
	}
	return fmt.Sprintf("%s: invariant %s: %s", ErrTraceCorruption, e.Invariant, e.Detail)
}

func (e *CorruptionError) Unwrap() error {
	return ErrTraceCorruption
}

func corruption(invariant, detail string) error {
	return &CorruptionError{Invariant: invariant, Detail: detail}
}
