package engine

import "errors"

// Orchestration errors are typed so the API layer can map them to status
// codes without string matching. All are recoverable by the caller.
var (
	// ErrNotPublished means the test is not in a joinable status.
	ErrNotPublished = errors.New("test is not open for participants")
	// ErrCapacityExceeded means every participant slot is taken.
	ErrCapacityExceeded = errors.New("test capacity exceeded")
	// ErrDuplicateActiveSession means the tester already holds a live
	// session on this test.
	ErrDuplicateActiveSession = errors.New("tester already has an active session on this test")
	// ErrSessionAlreadyTerminal rejects any transition out of
	// completed/failed/cancelled.
	ErrSessionAlreadyTerminal = errors.New("session is already terminal")
	// ErrSessionNotActive rejects progress/complete on a session that has
	// not started running.
	ErrSessionNotActive = errors.New("session is not in progress")
	// ErrForbidden means the caller is neither the session's tester nor
	// the test's owner for the attempted operation.
	ErrForbidden = errors.New("forbidden")
	// ErrTestHasSessions blocks deleting a test that has ever been joined.
	ErrTestHasSessions = errors.New("test has sessions and cannot be deleted")
	// ErrImmutableCapacity blocks changing max_participants after publish.
	ErrImmutableCapacity = errors.New("max_participants is immutable once published")
)

// InconsistencyError marks a side-effect failure observed after the state
// transition was already durable. It must be surfaced loudly and reconciled
// by an operator, never silently retried: a blind retry could double-pay.
type InconsistencyError struct {
	SessionID string
	Err       error
}

func (e InconsistencyError) Error() string {
	return "completion side effects inconsistent for session " + e.SessionID + ": " + e.Err.Error()
}

func (e InconsistencyError) Unwrap() error { return e.Err }
