package realtime

import (
	"context"
	"errors"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// ErrAccessDenied rejects a room join by an actor who is neither the test's
// owner nor one of its participants.
var ErrAccessDenied = errors.New("access denied")

var errConnClosed = errors.New("connection closed")

// Authorizer answers whether an actor may observe a test's room. The server
// wires it to the repo; tests use a stub.
type Authorizer interface {
	CanObserveTest(ctx context.Context, testID, actorID string) (bool, error)
}

// Registry tracks live connections per actor and per test room, and fans
// events out to them. It is an injected component owned by the server
// wiring, constructed per process (or per test run), never a singleton.
type Registry struct {
	log       *zap.Logger
	authorize Authorizer
	now       func() time.Time

	actors cmap.ConcurrentMap[string, *memberSet]
	rooms  cmap.ConcurrentMap[string, *memberSet]
}

func NewRegistry(log *zap.Logger, authorize Authorizer) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:       log,
		authorize: authorize,
		now:       time.Now,
		actors:    cmap.New[*memberSet](),
		rooms:     cmap.New[*memberSet](),
	}
}

// memberSet is one fan-out target (an actor's connections, or a room). All
// mutation and delivery runs inside Upsert/RemoveCb callbacks, under the
// cmap shard lock for the key, which serializes publishes per target and
// makes delivery-after-unregister impossible to observe.
type memberSet struct {
	conns map[*Connection]struct{}
}

// Register adds a connection for the actor and returns its handle.
func (r *Registry) Register(actorID string, sock Socket) *Connection {
	conn := &Connection{actorID: actorID, sock: sock}
	r.actors.Upsert(actorID, nil, func(exists bool, set *memberSet, _ *memberSet) *memberSet {
		if !exists || set == nil {
			set = &memberSet{conns: map[*Connection]struct{}{}}
		}
		set.conns[conn] = struct{}{}
		return set
	})
	r.log.Debug("connection registered", zap.String("actor_id", actorID))
	return conn
}

// Unregister removes the connection from its actor set and every room it
// joined. It must run on every close path, normal or abnormal; calling it
// twice is harmless.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	rooms := conn.markClosed()
	r.removeFrom(r.actors, conn.actorID, conn)
	for _, testID := range rooms {
		r.removeFrom(r.rooms, testID, conn)
	}
	r.log.Debug("connection unregistered",
		zap.String("actor_id", conn.actorID), zap.Int("rooms_left", len(rooms)))
}

// JoinTestRoom verifies the actor may observe the test, then adds the
// connection to the room. Unauthorized joins fail with ErrAccessDenied and
// leave the room untouched.
func (r *Registry) JoinTestRoom(ctx context.Context, testID string, conn *Connection) error {
	if r.authorize != nil {
		ok, err := r.authorize.CanObserveTest(ctx, testID, conn.actorID)
		if err != nil {
			return err
		}
		if !ok {
			r.log.Warn("room join denied",
				zap.String("test_id", testID), zap.String("actor_id", conn.actorID))
			return ErrAccessDenied
		}
	}
	r.rooms.Upsert(testID, nil, func(exists bool, set *memberSet, _ *memberSet) *memberSet {
		if !exists || set == nil {
			set = &memberSet{conns: map[*Connection]struct{}{}}
		}
		set.conns[conn] = struct{}{}
		return set
	})
	conn.trackRoom(testID)
	return nil
}

// LeaveTestRoom removes the connection from a room without closing it.
func (r *Registry) LeaveTestRoom(testID string, conn *Connection) {
	r.removeFrom(r.rooms, testID, conn)
	conn.untrackRoom(testID)
}

// PublishToActor delivers the event to every connection currently registered
// for the actor. No connections means the event is dropped here; the durable
// notification store is the fallback channel.
func (r *Registry) PublishToActor(actorID string, evt Event) {
	r.publish(r.actors, actorID, evt)
}

// PublishToTestRoom delivers the event to every connection in the test's
// room. Connections that join later do not see it; there is no replay.
func (r *Registry) PublishToTestRoom(testID string, evt Event) {
	r.publish(r.rooms, testID, evt)
}

func (r *Registry) publish(m cmap.ConcurrentMap[string, *memberSet], key string, evt Event) {
	// Publishing to a target nobody registered for is the common case (every
	// completion publishes to the tester); it must not grow the map.
	if !m.Has(key) {
		return
	}
	ts := r.now().UTC().Format(time.RFC3339)
	var failed []*Connection
	// Upsert runs the delivery under the shard lock for this key, which
	// serializes publishes per target and orders them per connection.
	m.Upsert(key, nil, func(exists bool, set *memberSet, _ *memberSet) *memberSet {
		if !exists || set == nil {
			return &memberSet{conns: map[*Connection]struct{}{}}
		}
		for conn := range set.conns {
			if err := conn.send(ts, evt); err != nil {
				failed = append(failed, conn)
			}
		}
		return set
	})
	// Drop the set again if the target emptied out under us.
	m.RemoveCb(key, func(_ string, set *memberSet, exists bool) bool {
		return exists && set != nil && len(set.conns) == 0
	})
	for _, conn := range failed {
		r.log.Warn("dropping dead connection",
			zap.String("actor_id", conn.actorID), zap.String("event", evt.Kind()))
		_ = conn.sock.Close()
		r.Unregister(conn)
	}
}

func (r *Registry) removeFrom(m cmap.ConcurrentMap[string, *memberSet], key string, conn *Connection) {
	m.Upsert(key, nil, func(exists bool, set *memberSet, _ *memberSet) *memberSet {
		if !exists || set == nil {
			return &memberSet{conns: map[*Connection]struct{}{}}
		}
		delete(set.conns, conn)
		return set
	})
	m.RemoveCb(key, func(_ string, set *memberSet, exists bool) bool {
		return exists && set != nil && len(set.conns) == 0
	})
}

// RoomSize reports the current number of connections in a test room. The
// count is taken under the same shard lock every mutation runs under.
func (r *Registry) RoomSize(testID string) int {
	if !r.rooms.Has(testID) {
		return 0
	}
	n := 0
	r.rooms.Upsert(testID, nil, func(exists bool, set *memberSet, _ *memberSet) *memberSet {
		if !exists || set == nil {
			return &memberSet{conns: map[*Connection]struct{}{}}
		}
		n = len(set.conns)
		return set
	})
	r.rooms.RemoveCb(testID, func(_ string, set *memberSet, exists bool) bool {
		return exists && set != nil && len(set.conns) == 0
	})
	return n
}
