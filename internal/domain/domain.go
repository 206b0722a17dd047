package domain

// Test statuses.
const (
	TestDraft     = "draft"
	TestPublished = "published"
	TestRunning   = "running"
	TestPaused    = "paused"
	TestCompleted = "completed"
	TestCancelled = "cancelled"
)

// Session statuses. Completed, failed and cancelled are terminal.
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
	SessionCancelled  = "cancelled"
)

// Earning statuses.
const (
	EarningPending   = "pending"
	EarningCompleted = "completed"
	EarningFailed    = "failed"
	EarningRefunded  = "refunded"
)

type Test struct {
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

// Joinable reports whether testers may be admitted right now.
func (t Test) Joinable() bool {
	return t.Status == TestPublished || t.Status == TestRunning
}

type Session struct {
	ID              string  `json:"id"`
	TestID          string  `json:"test_id"`
	TesterID        string  `json:"tester_id"`
	Status          string  `json:"status" enum:"pending,in_progress,completed,failed,cancelled"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds *int64  `json:"duration_seconds,omitempty"`
	Rating          *int    `json:"rating,omitempty" minimum:"1" maximum:"5"`
	Feedback        string  `json:"feedback,omitempty"`
	ProgressJSON    *string `json:"progress_json,omitempty"`
}

// Terminal reports whether the session can no longer change.
func (s Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

type Earning struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TestID    string `json:"test_id"`
	TesterID  string `json:"tester_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status" enum:"pending,completed,failed,refunded"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TesterProfile aggregates are derived; they are recomputed inside the
// completion transaction, never updated out of band.
type TesterProfile struct {
	TesterID       string   `json:"tester_id"`
	CompletedCount int      `json:"completed_count"`
	TotalEarnings  int64    `json:"total_earnings"`
	AverageRating  *float64 `json:"average_rating,omitempty"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Notification struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Type      string `json:"type"`
	Payload   string `json:"payload_json"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TestID     string `json:"test_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
