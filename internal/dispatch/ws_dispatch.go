package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession is returned when the donor has no live websocket session.
var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected donor session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// WSRegistry holds donor sessions keyed by donor id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for the donor, closing any session it replaces.
func (r *WSRegistry) Add(donorID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[donorID]
	r.sessions[donorID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the donor's session if it still uses conn.
func (r *WSRegistry) Remove(donorID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[donorID]; ok && s.conn == conn {
		delete(r.sessions, donorID)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(_ context.Context, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[n.DonorID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(n)
}
