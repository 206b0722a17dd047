package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"testpool/internal/config"
	"testpool/internal/db"
	"testpool/internal/engine"
	"testpool/internal/migrate"
)

func TestWebhookDispatcherStopsOnShutdown(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	delivered := make(chan struct{}, 16)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
	}))
	defer hookSrv.Close()

	d := &webhookDispatcher{
		engine:   engine.New(conn),
		webhooks: []config.Webhook{{URL: hookSrv.URL}},
		client:   hookSrv.Client(),
		log:      zap.NewNop(),
		cursors:  make(map[int]int64),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept running after context cancel")
	}
	if len(delivered) != 0 {
		t.Fatalf("unexpected deliveries: %d", len(delivered))
	}
}

func TestWebhookEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("session.completed") {
		t.Fatal("empty filter should match everything")
	}
	some := newEventFilter([]string{"session.completed", " earning.created "})
	if !some.match("session.completed") || !some.match("earning.created") {
		t.Fatal("configured events should match")
	}
	if some.match("test.created") {
		t.Fatal("unconfigured event should not match")
	}
}
