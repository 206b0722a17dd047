package engine_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"testpool/internal/domain"
	"testpool/internal/engine"
	"testpool/internal/repo"
)

func TestProgressMergesShallow(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, s.ID, "tester-1", map[string]any{"step": 1, "screen": "intro"}); err != nil {
		t.Fatalf("progress 1: %v", err)
	}
	updated, err := env.Engine.UpdateProgress(env.Ctx, s.ID, "tester-1", map[string]any{"step": 2})
	if err != nil {
		t.Fatalf("progress 2: %v", err)
	}
	var merged map[string]any
	if err := json.Unmarshal([]byte(*updated.ProgressJSON), &merged); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if merged["step"] != float64(2) || merged["screen"] != "intro" {
		t.Fatalf("unexpected merge result: %v", merged)
	}
	// only the owning tester may report progress
	if _, err := env.Engine.UpdateProgress(env.Ctx, s.ID, "customer-1", map[string]any{"x": 1}); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestProgressCannotResurrectTerminalSession(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	// snapshot a slow progress writer would hold across a racing cancel
	stale, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, s.ID, "tester-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// the guarded write from the stale snapshot must hit zero rows
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := env.Engine.Repo.SetSessionProgress(env.Ctx, tx, stale.ID, `{"step":9}`)
	if err != nil {
		t.Fatalf("guarded write: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Fatalf("terminal session accepted progress")
	}

	after, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.SessionCancelled {
		t.Fatalf("session resurrected to %s", after.Status)
	}
	if after.ProgressJSON != nil {
		t.Fatalf("progress written to cancelled session: %s", *after.ProgressJSON)
	}
	released, err := env.Engine.Repo.GetTest(env.Ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if released.CurrentParticipants != 0 {
		t.Fatalf("slot count drifted: %d", released.CurrentParticipants)
	}

	// the engine path agrees
	if _, err := env.Engine.UpdateProgress(env.Ctx, s.ID, "tester-1", map[string]any{"step": 9}); !errors.Is(err, engine.ErrSessionAlreadyTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
}

func TestCompletePaysExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 500)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	rating := 4
	completed, err := env.Engine.Complete(env.Ctx, s.ID, "tester-1", &rating, "smooth flow")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	if completed.CompletedAt == nil || completed.DurationSeconds == nil {
		t.Fatalf("expected completion timestamps")
	}

	earning, err := env.Engine.Repo.GetEarningBySession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("earning: %v", err)
	}
	if earning.Amount != 500 || earning.TesterID != "tester-1" {
		t.Fatalf("unexpected earning: %+v", earning)
	}

	profile, err := env.Engine.Repo.GetProfile(env.Ctx, "tester-1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.CompletedCount != 1 || profile.TotalEarnings != 500 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.AverageRating == nil || *profile.AverageRating != 4 {
		t.Fatalf("expected average rating 4, got %v", profile.AverageRating)
	}

	// last slot completed means the test itself completes
	after, err := env.Engine.Repo.GetTest(env.Ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.TestCompleted {
		t.Fatalf("expected test completed, got %s", after.Status)
	}

	// a second complete on the same session is rejected, not re-paid
	if _, err := env.Engine.Complete(env.Ctx, s.ID, "tester-1", nil, ""); !errors.Is(err, engine.ErrSessionAlreadyTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	earnings, err := env.Engine.Repo.ListEarnings(env.Ctx, "tester-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(earnings) != 1 {
		t.Fatalf("expected single earning, got %d", len(earnings))
	}
}

func TestCompletionPipelineIdempotent(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 2, 300)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, s.ID, "tester-1", nil, ""); err != nil {
		t.Fatal(err)
	}
	// re-entry changes nothing
	for i := 0; i < 3; i++ {
		if err := env.Engine.RunCompletionPipeline(env.Ctx, s.ID); err != nil {
			t.Fatalf("pipeline rerun %d: %v", i, err)
		}
	}
	profile, err := env.Engine.Repo.GetProfile(env.Ctx, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.CompletedCount != 1 || profile.TotalEarnings != 300 {
		t.Fatalf("pipeline rerun mutated profile: %+v", profile)
	}
	earnings, err := env.Engine.Repo.ListEarnings(env.Ctx, "tester-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(earnings) != 1 {
		t.Fatalf("expected single earning, got %d", len(earnings))
	}
	// a session that never completed cannot enter the pipeline
	s2, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-2")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RunCompletionPipeline(env.Ctx, s2.ID); !errors.Is(err, engine.ErrSessionNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestAverageRatingRecomputed(t *testing.T) {
	env := newTestEnv(t)
	first := createPublishedTest(t, env, 1, 100)
	s1, err := env.Engine.TryAdmit(env.Ctx, first.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	five := 5
	if _, err := env.Engine.Complete(env.Ctx, s1.ID, "tester-1", &five, ""); err != nil {
		t.Fatal(err)
	}
	second := createPublishedTest(t, env, 1, 100)
	s2, err := env.Engine.TryAdmit(env.Ctx, second.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	two := 2
	if _, err := env.Engine.Complete(env.Ctx, s2.ID, "tester-1", &two, ""); err != nil {
		t.Fatal(err)
	}
	profile, err := env.Engine.Repo.GetProfile(env.Ctx, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.AverageRating == nil || *profile.AverageRating != 3.5 {
		t.Fatalf("expected average 3.5, got %v", profile.AverageRating)
	}
	// unrated completions are excluded from the average
	third := createPublishedTest(t, env, 1, 100)
	s3, err := env.Engine.TryAdmit(env.Ctx, third.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, s3.ID, "tester-1", nil, ""); err != nil {
		t.Fatal(err)
	}
	profile, err = env.Engine.Repo.GetProfile(env.Ctx, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.AverageRating == nil || *profile.AverageRating != 3.5 {
		t.Fatalf("unrated completion changed average: %v", profile.AverageRating)
	}
	if profile.CompletedCount != 3 {
		t.Fatalf("expected 3 completions, got %d", profile.CompletedCount)
	}
}

func TestRatingBounds(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range []int{0, 6, -1} {
		r := bad
		if _, err := env.Engine.Complete(env.Ctx, s.ID, "tester-1", &r, ""); err == nil {
			t.Fatalf("expected rating %d rejected", bad)
		}
	}
}

func TestCompleteOnlyByOwner(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, s.ID, "customer-1", nil, ""); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCancelReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-2"); !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("expected full, got %v", err)
	}
	cancelled, err := env.Engine.Cancel(env.Ctx, s.ID, "tester-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.SessionCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	after, err := env.Engine.Repo.GetTest(env.Ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.CurrentParticipants != 0 {
		t.Fatalf("slot not released: %d", after.CurrentParticipants)
	}
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-2"); err != nil {
		t.Fatalf("slot should be reusable: %v", err)
	}
	// no earning for a cancelled session
	if _, err := env.Engine.Repo.GetEarningBySession(env.Ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no earning, got %v", err)
	}
}

func TestCancelByOwnerOrTesterOnly(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 2, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, s.ID, "stranger"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	// the customer may cancel a participant's session
	if _, err := env.Engine.Cancel(env.Ctx, s.ID, "customer-1"); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	// racing second cancel observes the terminal state
	if _, err := env.Engine.Cancel(env.Ctx, s.ID, "tester-1"); !errors.Is(err, engine.ErrSessionAlreadyTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
}

func TestFailReleasesSlotAndIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	failed, err := env.Engine.Fail(env.Ctx, s.ID, "scheduler")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.SessionFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	after, err := env.Engine.Repo.GetTest(env.Ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.CurrentParticipants != 0 {
		t.Fatalf("slot not released: %d", after.CurrentParticipants)
	}
	// terminal sessions reject any further transition
	if _, err := env.Engine.Complete(env.Ctx, s.ID, "tester-1", nil, ""); !errors.Is(err, engine.ErrSessionAlreadyTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, s.ID, "tester-1", map[string]any{"x": 1}); !errors.Is(err, engine.ErrSessionAlreadyTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
}

func TestSessionVisibility(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 2, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetSession(env.Ctx, s.ID, "tester-1"); err != nil {
		t.Fatalf("tester read: %v", err)
	}
	if _, err := env.Engine.GetSession(env.Ctx, s.ID, "customer-1"); err != nil {
		t.Fatalf("customer read: %v", err)
	}
	if _, err := env.Engine.GetSession(env.Ctx, s.ID, "stranger"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDurationComputedFromStart(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return base }
	test := createPublishedTest(t, env, 1, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Now = func() time.Time { return base.Add(95 * time.Second) }
	completed, err := env.Engine.Complete(env.Ctx, s.ID, "tester-1", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if completed.DurationSeconds == nil || *completed.DurationSeconds != 95 {
		t.Fatalf("expected 95s duration, got %v", completed.DurationSeconds)
	}
}
