package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Socket is the transport a connection writes to. *websocket.Conn is not
// safe for concurrent writers, so the production implementation serializes
// writes behind a lock; tests swap in an in-memory fake.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

// WSSocket wraps a gorilla websocket with a write lock so independent
// publish paths never interleave frames.
type WSSocket struct {
	wlock sync.Mutex
	conn  *websocket.Conn
}

func NewWSSocket(conn *websocket.Conn) *WSSocket {
	return &WSSocket{conn: conn}
}

func (w *WSSocket) WriteJSON(v any) error {
	w.wlock.Lock()
	defer w.wlock.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *WSSocket) Close() error {
	w.wlock.Lock()
	defer w.wlock.Unlock()
	return w.conn.Close()
}

// Connection is one registered transport channel for an actor, plus the set
// of test rooms it has joined. Room membership is tracked here so a single
// Unregister can unwind everything on any close path.
type Connection struct {
	actorID string
	sock    Socket
	seq     uint64

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

func (c *Connection) ActorID() string { return c.actorID }

// send writes one envelope. The caller holds the owning set's publish lock,
// which is what gives per-target publish-order delivery.
func (c *Connection) send(ts string, evt Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.seq++
	env := Envelope{Seq: c.seq, TS: ts, Type: evt.Kind(), Payload: evt}
	c.mu.Unlock()
	return c.sock.WriteJSON(env)
}

func (c *Connection) markClosed() (rooms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = nil
	return rooms
}

func (c *Connection) trackRoom(testID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms == nil {
		c.rooms = map[string]struct{}{}
	}
	c.rooms[testID] = struct{}{}
}

func (c *Connection) untrackRoom(testID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, testID)
}
