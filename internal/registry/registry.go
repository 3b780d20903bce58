// internal/registry/registry.go

// Package registry tracks live websocket connections and owns the only write
// path to them. Each connection buffers outbound frames in a bounded channel
// drained by a single writer goroutine, so frames enqueued for a connection
// are delivered in order.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OutChanSize is the per-connection outbound buffer. A connection that falls
// this far behind starts losing frames rather than stalling the sender.
const OutChanSize = 32

// Conn is one live websocket session.
type Conn struct {
	ID       uuid.UUID
	PlayerID uuid.UUID // Nil until the connect handshake binds an identity

	// OutChan carries outbound frames to the connection's writer goroutine.
	OutChan chan map[string]interface{}

	// Cancel tears down the connection's read loop.
	Cancel context.CancelFunc

	RemoteAddr string
}

// Registry is the table of live connections, keyed by connection id.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		logger: logger,
	}
}

// NewConn allocates a connection record with a fresh id and outbound buffer.
func NewConn(cancel context.CancelFunc, remoteAddr string) *Conn {
	id, _ := uuid.NewRandom()
	return &Conn{
		ID:         id,
		OutChan:    make(chan map[string]interface{}, OutChanSize),
		Cancel:     cancel,
		RemoteAddr: remoteAddr,
	}
}

// Register adds the connection to the table.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[c.ID]; ok {
		// Random ids should never collide; close out the stale record if one does.
		close(old.OutChan)
		if old.Cancel != nil {
			old.Cancel()
		}
	}
	r.conns[c.ID] = c
}

// Unregister removes the connection and releases its writer goroutine.
// Calling it twice for the same id is harmless.
func (r *Registry) Unregister(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	close(c.OutChan)
	if c.Cancel != nil {
		c.Cancel()
	}
}

// Bind associates a player identity with the connection after the connect
// handshake.
func (r *Registry) Bind(connID, playerID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.PlayerID = playerID
	}
}

// Send enqueues a frame for the connection. It never blocks: a full buffer
// drops the frame. Returns false when the id is unknown or the frame was
// dropped.
func (r *Registry) Send(connID uuid.UUID, msg map[string]interface{}) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	select {
	case c.OutChan <- msg:
		return true
	default:
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{
				"conn_id":   connID,
				"player_id": c.PlayerID,
				"type":      msg["type"],
			}).Warn("outbound buffer full, dropping frame")
		}
		return false
	}
}

// Get returns the connection record for the id.
func (r *Registry) Get(connID uuid.UUID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ConnIDs snapshots the ids of every live connection.
func (r *Registry) ConnIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
