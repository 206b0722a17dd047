package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"testpool/internal/engine"
	"testpool/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin dashboards connect here; auth happens via token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is the client-to-server frame. Everything server-to-client is a
// realtime.Envelope.
type wsCommand struct {
	Action string `json:"action" enum:"subscribe,unsubscribe"`
	TestID string `json:"test_id"`
}

type wsAck struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`
	TestID string `json:"test_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RoomAuthorizer lets the registry answer room-join checks from storage:
// the test's customer and its participants may observe the room.
type RoomAuthorizer struct {
	Engine engine.Engine
}

func (a RoomAuthorizer) CanObserveTest(ctx context.Context, testID, actorID string) (bool, error) {
	t, err := a.Engine.Repo.GetTest(ctx, testID)
	if err != nil {
		return false, err
	}
	if t.CustomerID == actorID {
		return true, nil
	}
	return a.Engine.Repo.IsParticipant(ctx, testID, actorID)
}

// registerWS mounts the live event socket. Browsers cannot set headers on
// websocket dials, so the token also travels in the query string.
func registerWS(router chi.Router, basePath string, cfg Config) {
	log := cfg.Auth.logger()
	router.Get(basePath+"/ws", func(w http.ResponseWriter, r *http.Request) {
		principal, ok := wsPrincipal(r, cfg)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		sock := realtime.NewWSSocket(ws)
		conn := cfg.Live.Register(principal.ActorID, sock)
		defer cfg.Live.Unregister(conn)
		log.Info("websocket connected", zap.String("actor_id", principal.ActorID))

		for {
			var cmd wsCommand
			if err := ws.ReadJSON(&cmd); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket read ended", zap.String("actor_id", principal.ActorID), zap.Error(err))
				}
				return
			}
			ack := wsAck{OK: true, Action: cmd.Action, TestID: cmd.TestID}
			switch cmd.Action {
			case "subscribe":
				if err := cfg.Live.JoinTestRoom(r.Context(), cmd.TestID, conn); err != nil {
					ack.OK = false
					ack.Error = err.Error()
				}
			case "unsubscribe":
				cfg.Live.LeaveTestRoom(cmd.TestID, conn)
			default:
				ack.OK = false
				ack.Error = "unknown action"
			}
			// Acks share the write lock with published envelopes.
			if err := sock.WriteJSON(ack); err != nil {
				return
			}
		}
	})
}

func wsPrincipal(r *http.Request, cfg Config) (Principal, bool) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		if p, err := authenticateJWT(token, cfg.Auth.JWTSecret); err == nil {
			return p, true
		}
		return Principal{}, false
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if token, ok := bearerToken(authz); ok {
			if p, err := authenticateJWT(token, cfg.Auth.JWTSecret); err == nil {
				return p, true
			}
		}
		return Principal{}, false
	}
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		if p, err := authenticateAPIKey(r.Context(), cfg.Engine.Repo, key); err == nil {
			return p, true
		}
	}
	return Principal{}, false
}
