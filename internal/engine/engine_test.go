package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"testpool/internal/db"
	"testpool/internal/domain"
	"testpool/internal/engine"
	"testpool/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createPublishedTest(t *testing.T, env testEnv, maxParticipants int, reward int64) domain.Test {
	t.Helper()
	created, err := env.Engine.CreateTest(env.Ctx, engine.TestCreateOptions{
		CustomerID:           "customer-1",
		Title:                "Checkout flow study",
		MaxParticipants:      maxParticipants,
		RewardPerParticipant: reward,
	})
	if err != nil {
		t.Fatalf("create test: %v", err)
	}
	published, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", domain.TestPublished)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return published
}

func TestCreateTestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.TestCreateOptions{
		{CustomerID: "c", MaxParticipants: 1, RewardPerParticipant: 100},            // no title
		{CustomerID: "c", Title: "x", MaxParticipants: 0, RewardPerParticipant: 1},  // zero capacity
		{CustomerID: "c", Title: "x", MaxParticipants: 1, RewardPerParticipant: 0},  // zero reward
		{CustomerID: "c", Title: "x", MaxParticipants: 1, RewardPerParticipant: -5}, // negative reward
	}
	for _, opts := range cases {
		if _, err := env.Engine.CreateTest(env.Ctx, opts); err == nil {
			t.Fatalf("expected validation error for %+v", opts)
		}
	}
	created, err := env.Engine.CreateTest(env.Ctx, engine.TestCreateOptions{
		CustomerID: "c", Title: "x", MaxParticipants: 3, RewardPerParticipant: 250,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != domain.TestDraft {
		t.Fatalf("new test should be draft, got %s", created.Status)
	}
}

func TestTestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateTest(env.Ctx, engine.TestCreateOptions{
		CustomerID: "customer-1", Title: "t", MaxParticipants: 1, RewardPerParticipant: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	// draft cannot go straight to running or paused
	for _, bad := range []string{domain.TestRunning, domain.TestPaused} {
		if _, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", bad); err == nil {
			t.Fatalf("expected transition error draft -> %s", bad)
		}
	}
	// completed is owned by the pipeline, never settable directly
	if _, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", domain.TestCompleted); err == nil {
		t.Fatalf("expected completed to be rejected")
	}
	// only the owner may change status
	if _, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "stranger", domain.TestPublished); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	published, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", domain.TestPublished)
	if err != nil || published.Status != domain.TestPublished {
		t.Fatalf("publish: %v", err)
	}
	paused, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", domain.TestPaused)
	if err != nil || paused.Status != domain.TestPaused {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", domain.TestPublished); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.Engine.SetTestStatus(env.Ctx, created.ID, "customer-1", domain.TestCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestCapacityImmutableAfterPublish(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 2, 100)
	two := 5
	_, err := env.Engine.UpdateTest(env.Ctx, engine.TestUpdateOptions{
		ID: test.ID, ActorID: "customer-1", MaxParticipants: &two,
	})
	if !errors.Is(err, engine.ErrImmutableCapacity) {
		t.Fatalf("expected immutable capacity, got %v", err)
	}
	reward := int64(999)
	_, err = env.Engine.UpdateTest(env.Ctx, engine.TestUpdateOptions{
		ID: test.ID, ActorID: "customer-1", RewardPerParticipant: &reward,
	})
	if !errors.Is(err, engine.ErrImmutableCapacity) {
		t.Fatalf("expected immutable reward, got %v", err)
	}
	// title edits remain allowed
	updated, err := env.Engine.UpdateTest(env.Ctx, engine.TestUpdateOptions{
		ID: test.ID, ActorID: "customer-1", Title: "renamed",
	})
	if err != nil || updated.Title != "renamed" {
		t.Fatalf("title update: %v", err)
	}
}

func TestAdmissionFillsCapacity(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 2, 100)

	s1, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatalf("admit 1: %v", err)
	}
	if s1.Status != domain.SessionInProgress {
		t.Fatalf("session should start in_progress, got %s", s1.Status)
	}
	// first admission promotes the test to running
	after, err := env.Engine.Repo.GetTest(env.Ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.TestRunning {
		t.Fatalf("expected running after first admit, got %s", after.Status)
	}
	if after.CurrentParticipants != 1 {
		t.Fatalf("expected 1 participant, got %d", after.CurrentParticipants)
	}

	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-2"); err != nil {
		t.Fatalf("admit 2: %v", err)
	}
	_, err = env.Engine.TryAdmit(env.Ctx, test.ID, "tester-3")
	if !errors.Is(err, engine.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
}

func TestAdmissionRequiresJoinableTest(t *testing.T) {
	env := newTestEnv(t)
	draft, err := env.Engine.CreateTest(env.Ctx, engine.TestCreateOptions{
		CustomerID: "customer-1", Title: "t", MaxParticipants: 1, RewardPerParticipant: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TryAdmit(env.Ctx, draft.ID, "tester-1"); !errors.Is(err, engine.ErrNotPublished) {
		t.Fatalf("expected not published for draft, got %v", err)
	}
	test := createPublishedTest(t, env, 2, 100)
	if _, err := env.Engine.SetTestStatus(env.Ctx, test.ID, "customer-1", domain.TestPaused); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1"); !errors.Is(err, engine.ErrNotPublished) {
		t.Fatalf("expected not published for paused, got %v", err)
	}
}

func TestDuplicateActiveSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 3, 100)
	s, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1"); !errors.Is(err, engine.ErrDuplicateActiveSession) {
		t.Fatalf("expected duplicate session, got %v", err)
	}
	// after cancelling, the tester may join again
	if _, err := env.Engine.Cancel(env.Ctx, s.ID, "tester-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1"); err != nil {
		t.Fatalf("rejoin after cancel: %v", err)
	}
}

func TestConcurrentAdmissionSingleSlot(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)

	const testers = 4
	var wg sync.WaitGroup
	errs := make([]error, testers)
	for i := 0; i < testers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tester := string(rune('a' + i))
			_, errs[i] = env.Engine.TryAdmit(env.Ctx, test.ID, "tester-"+tester)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else if !errors.Is(err, engine.ErrCapacityExceeded) {
			t.Fatalf("unexpected admission error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly 1 admission, got %d", admitted)
	}
	after, err := env.Engine.Repo.GetTest(env.Ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.CurrentParticipants != 1 {
		t.Fatalf("expected 1 reserved slot, got %d", after.CurrentParticipants)
	}
}

func TestDeleteTestOnlyWithoutSessions(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTest(env.Ctx, test.ID, "customer-1"); !errors.Is(err, engine.ErrTestHasSessions) {
		t.Fatalf("expected delete blocked, got %v", err)
	}

	fresh, err := env.Engine.CreateTest(env.Ctx, engine.TestCreateOptions{
		CustomerID: "customer-1", Title: "unused", MaxParticipants: 1, RewardPerParticipant: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTest(env.Ctx, fresh.ID, "stranger"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := env.Engine.DeleteTest(env.Ctx, fresh.ID, "customer-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestEventLogOnAdmission(t *testing.T) {
	env := newTestEnv(t)
	test := createPublishedTest(t, env, 1, 100)
	if _, err := env.Engine.TryAdmit(env.Ctx, test.ID, "tester-1"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, test.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"test.created", "test.status.changed", "session.started"} {
		if !types[want] {
			t.Fatalf("missing event %s, got %v", want, types)
		}
	}
}
