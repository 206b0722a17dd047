package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testpool/internal/domain"
	"testpool/internal/events"
	"testpool/internal/realtime"
	"testpool/internal/repo"
)

func ensureSessionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.SessionPending:
		if newStatus == domain.SessionInProgress || newStatus == domain.SessionCancelled {
			return nil
		}
	case domain.SessionInProgress:
		if newStatus == domain.SessionCompleted || newStatus == domain.SessionFailed || newStatus == domain.SessionCancelled {
			return nil
		}
	case domain.SessionCompleted, domain.SessionFailed, domain.SessionCancelled:
		return ErrSessionAlreadyTerminal
	}
	return fmt.Errorf("invalid session status transition %s -> %s", oldStatus, newStatus)
}

// UpdateProgress merges a partial progress payload into the session. Only the
// owning tester may report progress and only while the session is running.
func (e Engine) UpdateProgress(ctx context.Context, sessionID, actorID string, partial map[string]any) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	// Read inside the tx: a snapshot taken before a racing Cancel/Fail
	// commits must never be written back over the terminal state.
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if s.TesterID != actorID {
		return s, ErrForbidden
	}
	if s.Terminal() {
		return s, ErrSessionAlreadyTerminal
	}
	if s.Status != domain.SessionInProgress {
		return s, ErrSessionNotActive
	}
	merged := map[string]any{}
	if s.ProgressJSON != nil && *s.ProgressJSON != "" {
		if err := json.Unmarshal([]byte(*s.ProgressJSON), &merged); err != nil {
			return s, fmt.Errorf("stored progress: %w", err)
		}
	}
	for k, v := range partial {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return s, err
	}
	progress := string(data)
	s.ProgressJSON = &progress

	updated, err := e.Repo.SetSessionProgress(ctx, tx, s.ID, progress)
	if err != nil {
		return s, err
	}
	if !updated {
		return s, ErrSessionAlreadyTerminal
	}
	if err := e.Events.Append(ctx, tx, "session.progress", s.TestID, "session", s.ID, actorID, events.EventPayload{
		"fields": keysOf(partial),
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.Live.PublishToTestRoom(s.TestID, realtime.ProgressUpdated{
		TestID:    s.TestID,
		SessionID: s.ID,
		TesterID:  s.TesterID,
		Progress:  partial,
	})
	return s, nil
}

// Complete drives the session to its completed terminal state and runs the
// side-effect pipeline in the same transaction: earning creation, profile
// re-aggregation and, when the last slot finishes, test completion. Either
// everything commits or nothing does.
func (e Engine) Complete(ctx context.Context, sessionID, actorID string, rating *int, feedback string) (domain.Session, error) {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return domain.Session{}, errors.New("rating must be between 1 and 5")
	}
	var (
		completed    domain.Session
		testDone     bool
		test         domain.Test
		earnedAmount int64
	)
	err := e.retryBusy(func() error {
		s, t, done, amount, err := e.completeOnce(ctx, sessionID, actorID, rating, feedback)
		if err != nil {
			return err
		}
		completed, test, testDone, earnedAmount = s, t, done, amount
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}

	e.Live.PublishToTestRoom(completed.TestID, realtime.SessionCompleted{
		TestID:          completed.TestID,
		SessionID:       completed.ID,
		TesterID:        completed.TesterID,
		Rating:          completed.Rating,
		DurationSeconds: derefInt64(completed.DurationSeconds),
	})
	e.Live.PublishToActor(completed.TesterID, realtime.EarningCreated{
		TestID:    completed.TestID,
		SessionID: completed.ID,
		TesterID:  completed.TesterID,
		Amount:    earnedAmount,
	})
	if testDone {
		e.Live.PublishToTestRoom(test.ID, realtime.TestStatusChanged{TestID: test.ID, Status: domain.TestCompleted})
		e.Notify.PersistAndMaybeEmail(ctx, test.CustomerID, "test.completed", map[string]any{
			"test_id": test.ID,
			"title":   test.Title,
		})
	}
	return completed, nil
}

func (e Engine) completeOnce(ctx context.Context, sessionID, actorID string, rating *int, feedback string) (domain.Session, domain.Test, bool, int64, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, domain.Test{}, false, 0, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, domain.Test{}, false, 0, err
	}
	if s.TesterID != actorID {
		return s, domain.Test{}, false, 0, ErrForbidden
	}
	if s.Terminal() {
		return s, domain.Test{}, false, 0, ErrSessionAlreadyTerminal
	}
	if s.Status != domain.SessionInProgress {
		return s, domain.Test{}, false, 0, ErrSessionNotActive
	}
	t, err := e.Repo.GetTestTx(ctx, tx, s.TestID)
	if err != nil {
		return s, t, false, 0, err
	}

	startedAt, err := time.Parse(time.RFC3339, s.StartedAt)
	if err != nil {
		return s, t, false, 0, fmt.Errorf("parse started_at: %w", err)
	}
	duration := int64(now.Sub(startedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	s.Status = domain.SessionCompleted
	s.CompletedAt = &nowStr
	s.DurationSeconds = &duration
	if rating != nil {
		s.Rating = rating
	}
	if feedback != "" {
		s.Feedback = feedback
	}
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, t, false, 0, err
	}
	if err := e.Events.Append(ctx, tx, "session.completed", s.TestID, "session", s.ID, actorID, events.EventPayload{
		"duration_seconds": duration,
		"rating":           rating,
	}); err != nil {
		return s, t, false, 0, err
	}

	testDone, err := e.runCompletionSideEffects(ctx, tx, s, t, nowStr)
	if err != nil {
		return s, t, false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return s, t, false, 0, err
	}
	return s, t, testDone, t.RewardPerParticipant, nil
}

// runCompletionSideEffects applies the earning, profile and test-completion
// steps inside the caller's transaction. Re-entry for a session that already
// has an earning is a no-op, keyed on the earning's session_id uniqueness.
func (e Engine) runCompletionSideEffects(ctx context.Context, tx *sql.Tx, s domain.Session, t domain.Test, nowStr string) (bool, error) {
	created, err := e.Repo.InsertEarningOnce(ctx, tx, domain.Earning{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		TestID:    t.ID,
		TesterID:  s.TesterID,
		Amount:    t.RewardPerParticipant,
		Status:    domain.EarningPending,
		CreatedAt: nowStr,
	})
	if err != nil {
		return false, fmt.Errorf("create earning: %w", err)
	}
	if !created {
		// pipeline already ran for this session
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, "earning.created", t.ID, "earning", s.ID, s.TesterID, events.EventPayload{
		"amount": t.RewardPerParticipant,
	}); err != nil {
		return false, err
	}

	profile, err := e.Repo.GetProfileTx(ctx, tx, s.TesterID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	profile.TesterID = s.TesterID
	profile.CompletedCount++
	profile.TotalEarnings += t.RewardPerParticipant
	avg, err := e.Repo.AverageRating(ctx, tx, s.TesterID)
	if err != nil {
		return false, err
	}
	profile.AverageRating = avg
	profile.UpdatedAt = nowStr
	if err := e.Repo.UpsertProfile(ctx, tx, profile); err != nil {
		return false, fmt.Errorf("update profile: %w", err)
	}

	completedCount, err := e.Repo.CountCompletedSessions(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	if completedCount < t.MaxParticipants {
		return false, nil
	}
	if err := e.Repo.SetTestStatus(ctx, tx, t.ID, domain.TestCompleted, nowStr); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "test.completed", t.ID, "test", t.ID, s.TesterID, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RunCompletionPipeline re-enters the side-effect pipeline for a session
// that is already completed, as a safe retry after a suspected partial
// failure. When the earning already exists the call changes nothing. A
// pipeline error here means the durable state and its side effects disagree,
// which is escalated for reconciliation rather than retried blindly.
func (e Engine) RunCompletionPipeline(ctx context.Context, sessionID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.SessionCompleted {
		return ErrSessionNotActive
	}
	t, err := e.Repo.GetTestTx(ctx, tx, s.TestID)
	if err != nil {
		return err
	}
	if _, err := e.runCompletionSideEffects(ctx, tx, s, t, now); err != nil {
		return InconsistencyError{SessionID: s.ID, Err: err}
	}
	return tx.Commit()
}

// Cancel moves a live session to cancelled and releases its slot. The
// owning tester or the test's customer may cancel; whichever of two racing
// cancels loses simply observes the terminal state.
func (e Engine) Cancel(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	t, err := e.Repo.GetTest(ctx, s.TestID)
	if err != nil {
		return s, err
	}
	if s.TesterID != actorID && t.CustomerID != actorID {
		return s, ErrForbidden
	}
	byOwner := actorID == t.CustomerID && actorID != s.TesterID
	cancelled, err := e.terminate(ctx, sessionID, actorID, domain.SessionCancelled)
	if err != nil {
		return s, err
	}
	e.Live.PublishToTestRoom(cancelled.TestID, realtime.SessionCancelled{
		TestID:    cancelled.TestID,
		SessionID: cancelled.ID,
		TesterID:  cancelled.TesterID,
		ByOwner:   byOwner,
	})
	return cancelled, nil
}

// Fail is the entry point for the external expiry scheduler: it abandons a
// running session after its inactivity window and frees the slot.
func (e Engine) Fail(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	failed, err := e.terminate(ctx, sessionID, actorID, domain.SessionFailed)
	if err != nil {
		return domain.Session{}, err
	}
	e.Live.PublishToTestRoom(failed.TestID, realtime.SessionFailed{
		TestID:    failed.TestID,
		SessionID: failed.ID,
		TesterID:  failed.TesterID,
	})
	return failed, nil
}

// terminate drives a non-terminal session to cancelled or failed and gives
// the reserved slot back so another tester can be admitted.
func (e Engine) terminate(ctx context.Context, sessionID, actorID, target string) (domain.Session, error) {
	var out domain.Session
	err := e.retryBusy(func() error {
		now := e.now().UTC().Format(time.RFC3339)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Terminal() {
			return ErrSessionAlreadyTerminal
		}
		if err := ensureSessionTransition(s.Status, target); err != nil {
			return err
		}
		s.Status = target
		if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		if err := e.Repo.ReleaseSlot(ctx, tx, s.TestID, now); err != nil {
			return err
		}
		evtType := "session.cancelled"
		if target == domain.SessionFailed {
			evtType = "session.failed"
		}
		if err := e.Events.Append(ctx, tx, evtType, s.TestID, "session", s.ID, actorID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// GetSession enforces read visibility: the tester who owns the session or
// the customer who owns the test.
func (e Engine) GetSession(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.TesterID == actorID {
		return s, nil
	}
	t, err := e.Repo.GetTest(ctx, s.TestID)
	if err != nil {
		return s, err
	}
	if t.CustomerID != actorID {
		return s, ErrForbidden
	}
	return s, nil
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
