package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"testpool/internal/domain"
	"testpool/internal/events"
	"testpool/internal/notify"
	"testpool/internal/realtime"
	"testpool/internal/repo"
)

// Engine is the orchestration core. Every mutating operation is a single
// transaction; live fan-out and notifications run after commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Live   realtime.Publisher
	Notify notify.Notifier
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Live:   realtime.NopPublisher{},
		Notify: notify.Nop{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// txRetries bounds internal retries of transient storage conflicts during
// admission and completion before the error is surfaced.
const txRetries = 3

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (e Engine) retryBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
	}
	return err
}

// TestCreateOptions are parameters for creating a test.
type TestCreateOptions struct {
	ID                   string
	CustomerID           string
	Title                string
	Description          string
	MaxParticipants      int
	RewardPerParticipant int64
}

func (e Engine) CreateTest(ctx context.Context, opts TestCreateOptions) (domain.Test, error) {
	if opts.Title == "" {
		return domain.Test{}, errors.New("title is required")
	}
	if opts.CustomerID == "" {
		return domain.Test{}, errors.New("customer is required")
	}
	if opts.MaxParticipants < 1 {
		return domain.Test{}, errors.New("max_participants must be at least 1")
	}
	if opts.RewardPerParticipant <= 0 {
		return domain.Test{}, errors.New("reward_per_participant must be positive")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Test{
		ID:                   id,
		CustomerID:           opts.CustomerID,
		Title:                opts.Title,
		Description:          opts.Description,
		Status:               domain.TestDraft,
		MaxParticipants:      opts.MaxParticipants,
		RewardPerParticipant: opts.RewardPerParticipant,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Test{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTest(ctx, tx, t); err != nil {
		return domain.Test{}, fmt.Errorf("insert test: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "test.created", t.ID, "test", t.ID, opts.CustomerID, events.EventPayload{
		"title":            t.Title,
		"max_participants": t.MaxParticipants,
		"reward":           t.RewardPerParticipant,
	}); err != nil {
		return domain.Test{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Test{}, err
	}
	return t, nil
}

// TestUpdateOptions encapsulates allowed updates. Capacity and reward may
// only change while the test is still a draft.
type TestUpdateOptions struct {
	ID                   string
	ActorID              string
	Title                string
	Description          *string
	MaxParticipants      *int
	RewardPerParticipant *int64
}

func (e Engine) UpdateTest(ctx context.Context, opts TestUpdateOptions) (domain.Test, error) {
	t, err := e.Repo.GetTest(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.CustomerID != opts.ActorID {
		return t, ErrForbidden
	}
	if (opts.MaxParticipants != nil || opts.RewardPerParticipant != nil) && t.Status != domain.TestDraft {
		return t, ErrImmutableCapacity
	}
	if opts.MaxParticipants != nil && *opts.MaxParticipants < 1 {
		return t, errors.New("max_participants must be at least 1")
	}
	if opts.RewardPerParticipant != nil && *opts.RewardPerParticipant <= 0 {
		return t, errors.New("reward_per_participant must be positive")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTestMeta(ctx, tx, t.ID, opts.Title, opts.Description, now); err != nil {
		return t, err
	}
	if opts.MaxParticipants != nil || opts.RewardPerParticipant != nil {
		max := t.MaxParticipants
		reward := t.RewardPerParticipant
		if opts.MaxParticipants != nil {
			max = *opts.MaxParticipants
		}
		if opts.RewardPerParticipant != nil {
			reward = *opts.RewardPerParticipant
		}
		if err := e.Repo.UpdateTestLimits(ctx, tx, t.ID, max, reward, now); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "test.updated", t.ID, "test", t.ID, opts.ActorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTest(ctx, opts.ID)
}

func ensureTestTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TestDraft:
		if newStatus == domain.TestPublished || newStatus == domain.TestCancelled {
			return nil
		}
	case domain.TestPublished:
		if newStatus == domain.TestRunning || newStatus == domain.TestPaused ||
			newStatus == domain.TestCompleted || newStatus == domain.TestCancelled {
			return nil
		}
	case domain.TestRunning:
		if newStatus == domain.TestPaused || newStatus == domain.TestCompleted || newStatus == domain.TestCancelled {
			return nil
		}
	case domain.TestPaused:
		if newStatus == domain.TestPublished || newStatus == domain.TestRunning || newStatus == domain.TestCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid test status transition %s -> %s", oldStatus, newStatus)
}

// SetTestStatus drives customer-initiated status changes (publish, pause,
// resume, cancel). Completion is never set here; the completion pipeline
// owns that transition.
func (e Engine) SetTestStatus(ctx context.Context, testID, actorID, status string) (domain.Test, error) {
	t, err := e.Repo.GetTest(ctx, testID)
	if err != nil {
		return t, err
	}
	if t.CustomerID != actorID {
		return t, ErrForbidden
	}
	if status == domain.TestCompleted {
		return t, fmt.Errorf("invalid test status transition %s -> %s", t.Status, status)
	}
	if err := ensureTestTransition(t.Status, status); err != nil {
		return t, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTestStatus(ctx, tx, t.ID, status, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "test.status.changed", t.ID, "test", t.ID, actorID, events.EventPayload{
		"from": t.Status,
		"to":   status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = status
	t.UpdatedAt = now
	e.Live.PublishToTestRoom(t.ID, realtime.TestStatusChanged{TestID: t.ID, Status: status})
	return t, nil
}

// DeleteTest removes a test that has never been joined.
func (e Engine) DeleteTest(ctx context.Context, testID, actorID string) error {
	t, err := e.Repo.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if t.CustomerID != actorID {
		return ErrForbidden
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.CountSessionsForTest(ctx, tx, testID)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrTestHasSessions
	}
	if err := e.Repo.DeleteTest(ctx, tx, testID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "test.deleted", t.ID, "test", t.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TryAdmit reserves one of the test's participant slots and opens a session
// for the tester. The slot reservation is a single conditional UPDATE, so
// two concurrent attempts for the last slot produce exactly one admission.
func (e Engine) TryAdmit(ctx context.Context, testID, testerID string) (domain.Session, error) {
	var admitted domain.Session
	err := e.retryBusy(func() error {
		s, err := e.tryAdmitOnce(ctx, testID, testerID)
		if err != nil {
			return err
		}
		admitted = s
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	t, terr := e.Repo.GetTest(ctx, testID)
	if terr == nil {
		e.Live.PublishToTestRoom(testID, realtime.ParticipantJoined{
			TestID:              testID,
			SessionID:           admitted.ID,
			TesterID:            testerID,
			CurrentParticipants: t.CurrentParticipants,
			MaxParticipants:     t.MaxParticipants,
		})
	}
	return admitted, nil
}

func (e Engine) tryAdmitOnce(ctx context.Context, testID, testerID string) (domain.Session, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTestTx(ctx, tx, testID)
	if err != nil {
		return domain.Session{}, err
	}
	if !t.Joinable() {
		return domain.Session{}, ErrNotPublished
	}
	dup, err := e.Repo.HasActiveSession(ctx, tx, testID, testerID)
	if err != nil {
		return domain.Session{}, err
	}
	if dup {
		return domain.Session{}, ErrDuplicateActiveSession
	}
	reserved, err := e.Repo.ReserveSlot(ctx, tx, testID, nowStr)
	if err != nil {
		return domain.Session{}, err
	}
	if !reserved {
		return domain.Session{}, ErrCapacityExceeded
	}
	s := domain.Session{
		ID:        uuid.New().String(),
		TestID:    testID,
		TesterID:  testerID,
		Status:    domain.SessionInProgress,
		StartedAt: nowStr,
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if t.Status == domain.TestPublished {
		// first admission puts the test into running
		if err := e.Repo.SetTestStatus(ctx, tx, testID, domain.TestRunning, nowStr); err != nil {
			return domain.Session{}, err
		}
		if err := e.Events.Append(ctx, tx, "test.status.changed", testID, "test", testID, testerID, events.EventPayload{
			"from": domain.TestPublished,
			"to":   domain.TestRunning,
		}); err != nil {
			return domain.Session{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "session.started", testID, "session", s.ID, testerID, events.EventPayload{
		"tester_id": testerID,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}
