package testpoolsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal TestPool HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Test represents the API test model.
type Test struct {
	ID                   string `json:"id"`
	CustomerID           string `json:"customer_id"`
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	Status               string `json:"status"`
	MaxParticipants      int    `json:"max_participants"`
	CurrentParticipants  int    `json:"current_participants"`
	RewardPerParticipant int64  `json:"reward_per_participant"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

// Session represents a tester's run through a test.
type Session struct {
	ID              string         `json:"id"`
	TestID          string         `json:"test_id"`
	TesterID        string         `json:"tester_id"`
	Status          string         `json:"status"`
	StartedAt       string         `json:"started_at"`
	CompletedAt     *string        `json:"completed_at,omitempty"`
	DurationSeconds *int64         `json:"duration_seconds,omitempty"`
	Rating          *int           `json:"rating,omitempty"`
	Feedback        string         `json:"feedback,omitempty"`
	Progress        map[string]any `json:"progress,omitempty"`
}

// Earning represents a payout record.
type Earning struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TestID    string `json:"test_id"`
	TesterID  string `json:"tester_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Profile represents tester aggregates.
type Profile struct {
	TesterID       string   `json:"tester_id"`
	CompletedCount int      `json:"completed_count"`
	TotalEarnings  int64    `json:"total_earnings"`
	AverageRating  *float64 `json:"average_rating,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TestID     string         `json:"test_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTests wraps list responses with cursors.
type PaginatedTests struct {
	Items      []Test `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateTest creates a draft test.
func (c *Client) CreateTest(ctx context.Context, title string, maxParticipants int, reward int64) (Test, error) {
	body := map[string]any{
		"title":                  title,
		"max_participants":       maxParticipants,
		"reward_per_participant": reward,
	}
	var resp Test
	err := c.do(ctx, http.MethodPost, "v1/tests", body, &resp)
	return resp, err
}

// PublishTest moves a draft test to published.
func (c *Client) PublishTest(ctx context.Context, testID string) (Test, error) {
	body := map[string]any{"status": "published"}
	var resp Test
	endpoint := fmt.Sprintf("v1/tests/%s/status", url.PathEscape(testID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Tests returns a page of tests.
func (c *Client) Tests(ctx context.Context, limit int, cursor string) (PaginatedTests, error) {
	endpoint := "v1/tests"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartSession joins a test as the authenticated tester.
func (c *Client) StartSession(ctx context.Context, testID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v1/tests/%s/sessions", url.PathEscape(testID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// UpdateProgress merges a partial progress object into the session.
func (c *Client) UpdateProgress(ctx context.Context, sessionID string, progress map[string]any) (Session, error) {
	body := map[string]any{"progress": progress}
	var resp Session
	endpoint := fmt.Sprintf("v1/sessions/%s/progress", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// CompleteSession finishes a session; rating is optional.
func (c *Client) CompleteSession(ctx context.Context, sessionID string, rating *int, feedback string) (Session, error) {
	body := map[string]any{}
	if rating != nil {
		body["rating"] = *rating
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Session
	endpoint := fmt.Sprintf("v1/sessions/%s/complete", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelSession abandons a session and frees its slot.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v1/sessions/%s/cancel", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Earnings lists the authenticated tester's earnings.
func (c *Client) Earnings(ctx context.Context, limit int) ([]Earning, error) {
	endpoint := "v1/earnings"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Earning
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TesterProfile fetches a tester's aggregates.
func (c *Client) TesterProfile(ctx context.Context, testerID string) (Profile, error) {
	var resp Profile
	endpoint := fmt.Sprintf("v1/testers/%s/profile", url.PathEscape(testerID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TestEvents returns recent events for a test the caller owns.
func (c *Client) TestEvents(ctx context.Context, testID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v1/tests/%s/events", url.PathEscape(testID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
