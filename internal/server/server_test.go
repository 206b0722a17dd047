package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"testpool/internal/config"
	"testpool/internal/db"
	"testpool/internal/engine"
	"testpool/internal/migrate"
	"testpool/internal/ratelimit"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, limits *config.Config) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{
		Engine:  e,
		Auth:    AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
		Limits:  limits,
		Limiter: ratelimit.New(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func devLogin(t *testing.T, srv *testServer, actorID, role string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"role":     role,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tests", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %q", code)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	customer := devLogin(t, srv, "customer-1", "customer")
	tester := devLogin(t, srv, "tester-1", "tester")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests", map[string]any{
		"title":                  "Checkout flow",
		"max_participants":       1,
		"reward_per_participant": 500,
	}, customer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create test status %d: %s", res.StatusCode, string(data))
	}
	var created TestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal test: %v", err)
	}
	if created.Status != "draft" {
		t.Fatalf("expected draft, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests/"+created.ID+"/status", map[string]any{
		"status": "published",
	}, customer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests/"+created.ID+"/sessions", nil, tester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", session.Status)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/sessions/"+session.ID+"/progress", map[string]any{
		"progress": map[string]any{"step": 3},
	}, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/"+session.ID+"/complete", map[string]any{
		"rating":   5,
		"feedback": "all good",
	}, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed SessionResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal completed: %v", err)
	}
	if completed.Status != "completed" {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/earnings", nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("earnings status %d: %s", res.StatusCode, string(data))
	}
	var earnings []EarningResponse
	if err := json.Unmarshal(data, &earnings); err != nil {
		t.Fatalf("unmarshal earnings: %v", err)
	}
	if len(earnings) != 1 || earnings[0].Amount != 500 {
		t.Fatalf("unexpected earnings: %+v", earnings)
	}

	// the single slot filled and completed, so the test is done
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tests/"+created.ID, nil, customer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get test status %d: %s", res.StatusCode, string(data))
	}
	var final TestResponse
	_ = json.Unmarshal(data, &final)
	if final.Status != "completed" {
		t.Fatalf("expected test completed, got %s", final.Status)
	}
}

func TestCapacityConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	customer := devLogin(t, srv, "customer-1", "customer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests", map[string]any{
		"title":                  "Single slot",
		"max_participants":       1,
		"reward_per_participant": 100,
	}, customer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create test: %d %s", res.StatusCode, string(data))
	}
	var created TestResponse
	_ = json.Unmarshal(data, &created)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests/"+created.ID+"/status", map[string]any{"status": "published"}, customer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, string(data))
	}

	first := devLogin(t, srv, "tester-1", "tester")
	second := devLogin(t, srv, "tester-2", "tester")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests/"+created.ID+"/sessions", nil, first)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first join: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests/"+created.ID+"/sessions", nil, second)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "capacity_exceeded" {
		t.Fatalf("expected capacity_exceeded, got %q", code)
	}

	// duplicate join by the same tester is its own conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tests/"+created.ID+"/sessions", nil, first)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "duplicate_session" {
		t.Fatalf("expected duplicate_session, got %q", code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	limits := config.Default()
	limits.RateLimits.Login = config.Window{MaxAttempts: 2, Per: time.Minute}
	srv, cleanup := newTestServer(t, limits)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"actor_id": "tester-1", "role": "tester"}
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("login %d status %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", body, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %q", envelope.Error.Code)
	}
	if _, ok := envelope.Error.Details["retry_after_seconds"]; !ok {
		t.Fatalf("expected retry_after_seconds detail: %s", string(data))
	}

	// a different actor still gets in
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "tester-2"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("other actor login status %d: %s", res.StatusCode, string(data))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tests", map[string]any{
		"title":                  "Header auth",
		"max_participants":       2,
		"reward_per_participant": 100,
	}, map[string]string{"X-Actor-Id": "customer-9"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with legacy header: %d %s", res.StatusCode, string(data))
	}
	var created TestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal test: %v", err)
	}
	if created.CustomerID != "customer-9" {
		t.Fatalf("expected customer-9, got %s", created.CustomerID)
	}
}
