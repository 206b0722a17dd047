package realtime

// Event is the closed set of live event kinds fanned out to connected
// observers. Each kind carries a fixed payload; the wire envelope adds a
// per-connection sequence number and timestamp.
type Event interface {
	Kind() string
}

type ParticipantJoined struct {
	TestID              string `json:"test_id"`
	SessionID           string `json:"session_id"`
	TesterID            string `json:"tester_id"`
	CurrentParticipants int    `json:"current_participants"`
	MaxParticipants     int    `json:"max_participants"`
}

func (ParticipantJoined) Kind() string { return "participant.joined" }

type ProgressUpdated struct {
	TestID    string         `json:"test_id"`
	SessionID string         `json:"session_id"`
	TesterID  string         `json:"tester_id"`
	Progress  map[string]any `json:"progress"`
}

func (ProgressUpdated) Kind() string { return "progress.updated" }

type SessionCompleted struct {
	TestID          string `json:"test_id"`
	SessionID       string `json:"session_id"`
	TesterID        string `json:"tester_id"`
	Rating          *int   `json:"rating,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (SessionCompleted) Kind() string { return "session.completed" }

type SessionCancelled struct {
	TestID    string `json:"test_id"`
	SessionID string `json:"session_id"`
	TesterID  string `json:"tester_id"`
	ByOwner   bool   `json:"by_owner"`
}

func (SessionCancelled) Kind() string { return "session.cancelled" }

type SessionFailed struct {
	TestID    string `json:"test_id"`
	SessionID string `json:"session_id"`
	TesterID  string `json:"tester_id"`
}

func (SessionFailed) Kind() string { return "session.failed" }

type TestStatusChanged struct {
	TestID string `json:"test_id"`
	Status string `json:"status"`
}

func (TestStatusChanged) Kind() string { return "test.status.changed" }

type EarningCreated struct {
	TestID    string `json:"test_id"`
	SessionID string `json:"session_id"`
	TesterID  string `json:"tester_id"`
	Amount    int64  `json:"amount"`
}

func (EarningCreated) Kind() string { return "earning.created" }

// Envelope is the JSON frame written to each connection.
type Envelope struct {
	Seq     uint64 `json:"seq"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

// Publisher is the engine's view of the broadcaster. Publishing to a target
// with no registered connections drops the event; durable notifications are
// the reliability fallback.
type Publisher interface {
	PublishToActor(actorID string, evt Event)
	PublishToTestRoom(testID string, evt Event)
}

// NopPublisher discards everything. Used when the engine runs without a
// live transport (CLI commands, tests).
type NopPublisher struct{}

func (NopPublisher) PublishToActor(string, Event)    {}
func (NopPublisher) PublishToTestRoom(string, Event) {}
