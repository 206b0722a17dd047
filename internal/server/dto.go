package server

import (
	"encoding/json"

	"testpool/internal/domain"
)

// Request payloads

type CreateTestRequest struct {
	ID                   *string `json:"id,omitempty"`
	Title                string  `json:"title"`
	Description          *string `json:"description,omitempty"`
	MaxParticipants      int     `json:"max_participants" minimum:"1"`
	RewardPerParticipant int64   `json:"reward_per_participant" minimum:"1"`
}

type UpdateTestRequest struct {
	Title                *string `json:"title,omitempty"`
	Description          *string `json:"description,omitempty"`
	MaxParticipants      *int    `json:"max_participants,omitempty"`
	RewardPerParticipant *int64  `json:"reward_per_participant,omitempty"`
}

type SetTestStatusRequest struct {
	Status string `json:"status" enum:"draft,published,running,paused,cancelled"`
}

type UpdateProgressRequest struct {
	Progress map[string]any `json:"progress"`
}

type CompleteSessionRequest struct {
	Rating   *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Feedback *string `json:"feedback,omitempty"`
}

type PasswordResetRequest struct {
	ActorID string `json:"actor_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty" enum:"tester,customer,admin"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"tester,customer,admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type TestResponse struct {
	ID                   string `json:"id"`
	CustomerID           string `json:"customer_id"`
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	Status               string `json:"status" enum:"draft,published,running,paused,completed,cancelled"`
	MaxParticipants      int    `json:"max_participants"`
	CurrentParticipants  int    `json:"current_participants"`
	RewardPerParticipant int64  `json:"reward_per_participant"`
	CreatedAt            string `json:"created_at" format:"date-time"`
	UpdatedAt            string `json:"updated_at" format:"date-time"`
}

type SessionResponse struct {
	ID              string         `json:"id"`
	TestID          string         `json:"test_id"`
	TesterID        string         `json:"tester_id"`
	Status          string         `json:"status" enum:"pending,in_progress,completed,failed,cancelled"`
	StartedAt       string         `json:"started_at" format:"date-time"`
	CompletedAt     *string        `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds *int64         `json:"duration_seconds,omitempty"`
	Rating          *int           `json:"rating,omitempty"`
	Feedback        string         `json:"feedback,omitempty"`
	Progress        map[string]any `json:"progress,omitempty"`
}

type EarningResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TestID    string `json:"test_id"`
	TesterID  string `json:"tester_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status" enum:"pending,completed,failed,refunded"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProfileResponse struct {
	TesterID       string   `json:"tester_id"`
	CompletedCount int      `json:"completed_count"`
	TotalEarnings  int64    `json:"total_earnings"`
	AverageRating  *float64 `json:"average_rating,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty" format:"date-time"`
}

type NotificationResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TestID     string         `json:"test_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	// Key is the plaintext secret, shown once at creation.
	Key string `json:"key"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

type paginatedTests struct {
	Items      []TestResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Mappers

func testResponse(t domain.Test) TestResponse {
	return TestResponse{
		ID:                   t.ID,
		CustomerID:           t.CustomerID,
		Title:                t.Title,
		Description:          t.Description,
		Status:               t.Status,
		MaxParticipants:      t.MaxParticipants,
		CurrentParticipants:  t.CurrentParticipants,
		RewardPerParticipant: t.RewardPerParticipant,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		TestID:          s.TestID,
		TesterID:        s.TesterID,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		DurationSeconds: s.DurationSeconds,
		Rating:          s.Rating,
		Feedback:        s.Feedback,
		Progress:        decodeJSONMap(s.ProgressJSON),
	}
}

func earningResponse(e domain.Earning) EarningResponse {
	return EarningResponse(e)
}

func profileResponse(p domain.TesterProfile) ProfileResponse {
	return ProfileResponse(p)
}

func notificationResponse(n domain.Notification) NotificationResponse {
	payload := n.Payload
	return NotificationResponse{
		ID:        n.ID,
		Type:      n.Type,
		Payload:   decodeJSONMap(&payload),
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := evt.Payload
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		TestID:     evt.TestID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(&payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      k.Role,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapTests(items []domain.Test) []TestResponse {
	res := make([]TestResponse, 0, len(items))
	for _, t := range items {
		res = append(res, testResponse(t))
	}
	return res
}

func mapSessions(items []domain.Session) []SessionResponse {
	res := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sessionResponse(s))
	}
	return res
}

func mapEarnings(items []domain.Earning) []EarningResponse {
	res := make([]EarningResponse, 0, len(items))
	for _, e := range items {
		res = append(res, earningResponse(e))
	}
	return res
}

func mapNotifications(items []domain.Notification) []NotificationResponse {
	res := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		res = append(res, notificationResponse(n))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
