package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/livery-core/internal/models"
)

// ErrNoSession means the driver has no live websocket session.
var ErrNoSession = errors.New("no ws session")

// offerFrame is the wire shape pushed to the driver device.
type offerFrame struct {
	Type string      `json:"type"`
	Trip models.Trip `json:"trip"`
}

// WSSession represents one connected driver device.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions for offer delivery.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

// Remove drops the driver's session if it still belongs to conn; a stale
// session's teardown must not evict a fresh reconnect.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

// SendOffer pushes a trip offer over the driver's live session.
func (r *WSRegistry) SendOffer(driverID string, trip models.Trip) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(offerFrame{Type: "offer", Trip: trip})
}
