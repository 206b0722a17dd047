package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"testpool/internal/config"
	"testpool/internal/domain"
	"testpool/internal/engine"
	"testpool/internal/ratelimit"
	"testpool/internal/realtime"
	"testpool/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Limits   *config.Config
	Limiter  *ratelimit.Limiter
	Live     *realtime.Registry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"test capacity exceeded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retry_after_seconds\":42}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TestPool API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Limits == nil {
		cfg.Limits = config.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("TestPool API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTests(group, cfg)
	registerSessions(group, cfg)
	registerProfiles(group, cfg.Engine)
	registerEarnings(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerAuth(group, cfg)
	registerOpenAPI(router, api, basePath)
	if cfg.Live != nil {
		registerWS(router, basePath, cfg)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var rle ratelimit.Error
	if errors.As(err, &rle) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(),
			map[string]any{"retry_after_seconds": int(rle.RetryAfter.Seconds())})
	}
	var ie engine.InconsistencyError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusInternalServerError, "inconsistent_completion", err.Error(),
			map[string]any{"session_id": ie.SessionID})
	}
	switch {
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotPublished):
		return newAPIError(http.StatusConflict, "test_not_joinable", err.Error(), nil)
	case errors.Is(err, engine.ErrCapacityExceeded):
		return newAPIError(http.StatusConflict, "capacity_exceeded", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateActiveSession):
		return newAPIError(http.StatusConflict, "duplicate_session", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionAlreadyTerminal):
		return newAPIError(http.StatusConflict, "session_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionNotActive):
		return newAPIError(http.StatusConflict, "session_not_active", err.Error(), nil)
	case errors.Is(err, engine.ErrTestHasSessions):
		return newAPIError(http.StatusConflict, "test_has_sessions", err.Error(), nil)
	case errors.Is(err, engine.ErrImmutableCapacity):
		return newAPIError(http.StatusConflict, "immutable_capacity", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid test status transition"),
		strings.Contains(lowered, "invalid session status transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "rating must be"),
		strings.Contains(lowered, "must be at least"),
		strings.Contains(lowered, "must be positive"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func allow(cfg Config, op string, w config.Window, actor string) huma.StatusError {
	d := cfg.Limiter.Allow(ratelimit.Key(op, actor), w.MaxAttempts, w.Per)
	if d.Allowed {
		return nil
	}
	return handleError(ratelimit.Error{RetryAfter: d.RetryAfter})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):              true,
		path.Join("/", basePath, "auth/dev/login"):      true,
		path.Join("/", basePath, "auth/password-reset"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TestPool API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTests(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-test",
		Method:        http.MethodPost,
		Path:          "/tests",
		Summary:       "Create test",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTestRequest `json:"body"`
	}) (*struct {
		Body TestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TestCreateOptions{
			CustomerID:           actorID,
			Title:                input.Body.Title,
			Description:          stringOrEmpty(input.Body.Description),
			MaxParticipants:      input.Body.MaxParticipants,
			RewardPerParticipant: input.Body.RewardPerParticipant,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.CreateTest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestResponse `json:"body"`
		}{Body: testResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tests",
		Method:      http.MethodGet,
		Path:        "/tests",
		Summary:     "List tests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Mine   bool   `query:"mine"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTests `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TestFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Mine {
			filter.CustomerID = actorID
		}
		tests, err := e.Repo.ListTests(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTests{Items: []TestResponse{}}
		if len(tests) > limit {
			resp.NextCursor = composeCursor(tests[limit].CreatedAt, tests[limit].ID)
			tests = tests[:limit]
		}
		resp.Items = mapTests(tests)
		return &struct {
			Body paginatedTests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-test",
		Method:      http.MethodGet,
		Path:        "/tests/{test_id}",
		Summary:     "Get test",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TestID string `path:"test_id"`
	}) (*struct {
		Body TestResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTest(ctx, input.TestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestResponse `json:"body"`
		}{Body: testResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-test",
		Method:      http.MethodPatch,
		Path:        "/tests/{test_id}",
		Summary:     "Update test",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TestID string            `path:"test_id"`
		Body   UpdateTestRequest `json:"body"`
	}) (*struct {
		Body TestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TestUpdateOptions{
			ID:                   input.TestID,
			ActorID:              actorID,
			Title:                stringOrEmpty(input.Body.Title),
			Description:          input.Body.Description,
			MaxParticipants:      input.Body.MaxParticipants,
			RewardPerParticipant: input.Body.RewardPerParticipant,
		}
		t, err := e.UpdateTest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestResponse `json:"body"`
		}{Body: testResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-test-status",
		Method:      http.MethodPost,
		Path:        "/tests/{test_id}/status",
		Summary:     "Set test status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TestID string               `path:"test_id"`
		Body   SetTestStatusRequest `json:"body"`
	}) (*struct {
		Body TestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetTestStatus(ctx, input.TestID, actorID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TestResponse `json:"body"`
		}{Body: testResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-test",
		Method:      http.MethodDelete,
		Path:        "/tests/{test_id}",
		Summary:     "Delete test",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TestID string `path:"test_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTest(ctx, input.TestID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/tests/{test_id}/sessions",
		Summary:       "Join a test",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TestID string `path:"test_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rlErr := allow(cfg, "session_start", cfg.Limits.RateLimits.SessionStart, actorID); rlErr != nil {
			return nil, rlErr
		}
		s, err := e.TryAdmit(ctx, input.TestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-test-sessions",
		Method:      http.MethodGet,
		Path:        "/tests/{test_id}/sessions",
		Summary:     "List sessions for a test",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TestID string `path:"test_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTest(ctx, input.TestID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.CustomerID != actorID {
			return nil, handleError(engine.ErrForbidden)
		}
		sessions, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
			TestID: input.TestID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(sessions)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSession(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}/progress",
		Summary:     "Update session progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                `path:"session_id"`
		Body      UpdateProgressRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateProgress(ctx, input.SessionID, actorID, input.Body.Progress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete",
		Summary:     "Complete session",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                 `path:"session_id"`
		Body      CompleteSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Complete(ctx, input.SessionID, actorID, input.Body.Rating, stringOrEmpty(input.Body.Feedback))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/cancel",
		Summary:     "Cancel session",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Cancel(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/fail",
		Summary:     "Mark session failed",
		Description: "Abandons an expired session and frees its slot. Restricted to the test owner or admin keys.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role != "admin" {
			s, err := e.Repo.GetSession(ctx, input.SessionID)
			if err != nil {
				return nil, handleError(err)
			}
			t, err := e.Repo.GetTest(ctx, s.TestID)
			if err != nil {
				return nil, handleError(err)
			}
			if t.CustomerID != principal.ActorID {
				return nil, handleError(engine.ErrForbidden)
			}
		}
		s, err := e.Fail(ctx, input.SessionID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/testers/{tester_id}/profile",
		Summary:     "Tester profile",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TesterID string `path:"tester_id"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.ActorID != input.TesterID && principal.Role != "admin" {
			return nil, handleError(engine.ErrForbidden)
		}
		p, err := e.Repo.GetProfile(ctx, input.TesterID)
		if errors.Is(err, repo.ErrNotFound) {
			// No completions yet; the profile row is created lazily.
			p = domain.TesterProfile{TesterID: input.TesterID}
		} else if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})
}

func registerEarnings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-earnings",
		Method:      http.MethodGet,
		Path:        "/earnings",
		Summary:     "List own earnings",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []EarningResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEarnings(ctx, actorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EarningResponse `json:"body"`
		}{Body: mapEarnings(items)}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List own notifications",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, actorID, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.MarkNotificationRead(ctx, input.NotificationID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-test-events",
		Method:      http.MethodGet,
		Path:        "/tests/{test_id}/events",
		Summary:     "List test events",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TestID string `path:"test_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTest(ctx, input.TestID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.CustomerID != actorID {
			return nil, handleError(engine.ErrForbidden)
		}
		items, err := e.Repo.ListEvents(ctx, input.TestID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := input.Body.Role
		if role == "" {
			role = principal.Role
		}
		plaintext := "tpk_" + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   principal.ActorID,
			Role:      role,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{
			APIKeyResponse: apiKeyResponse(key),
			Key:            plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List own API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range items {
			if k.ID == input.KeyID {
				if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, handleError(repo.ErrNotFound)
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Role:    principal.Role,
			Source:  principal.Source,
		}}, nil
	})
}

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if rlErr := allow(cfg, "login", cfg.Limits.RateLimits.Login, actor); rlErr != nil {
			return nil, rlErr
		}
		token, err := signDevToken(cfg.Auth.JWTSecret, actor, input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "password-reset",
		Method:        http.MethodPost,
		Path:          "/auth/password-reset",
		Summary:       "Request a password reset",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body PasswordResetRequest `json:"body"`
	}) (*struct{}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if rlErr := allow(cfg, "password_reset", cfg.Limits.RateLimits.PasswordReset, actor); rlErr != nil {
			return nil, rlErr
		}
		cfg.Engine.Notify.PersistAndMaybeEmail(ctx, actor, "auth.password_reset", map[string]any{
			"requested_at": time.Now().UTC().Format(time.RFC3339),
		})
		return &struct{}{}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
