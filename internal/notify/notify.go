// Package notify persists durable notifications and stands in for the email
// gateway. Calls are fire-and-forget from the orchestration core: a failure
// here is logged and swallowed, never rolled back into core state.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"testpool/internal/domain"
	"testpool/internal/repo"
)

type Notifier interface {
	PersistAndMaybeEmail(ctx context.Context, actorID, eventType string, payload map[string]any)
}

// Nop drops everything. Used in tests and CLI paths with no recipients.
type Nop struct{}

func (Nop) PersistAndMaybeEmail(context.Context, string, string, map[string]any) {}

// Store writes notifications to sqlite and logs the email it would have
// sent. Real delivery belongs to an external gateway.
type Store struct {
	Repo repo.Repo
	Log  *zap.Logger
	Now  func() time.Time
}

func NewStore(r repo.Repo, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Repo: r, Log: log, Now: time.Now}
}

func (s *Store) PersistAndMaybeEmail(ctx context.Context, actorID, eventType string, payload map[string]any) {
	if actorID == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.Log.Error("marshal notification payload", zap.String("type", eventType), zap.Error(err))
		return
	}
	n := domain.Notification{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Type:      eventType,
		Payload:   string(data),
		CreatedAt: s.Now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertNotification(ctx, n); err != nil {
		s.Log.Error("persist notification failed",
			zap.String("actor_id", actorID), zap.String("type", eventType), zap.Error(err))
		return
	}
	s.Log.Info("notification queued",
		zap.String("actor_id", actorID), zap.String("type", eventType))
}
