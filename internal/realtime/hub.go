package realtime

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/livery-core/internal/models"
)

// Hub is the change-notification fan-out. Subscriptions are keyed by driver
// id (a column-equality filter applied server-side): a driver sees changes
// for trips assigned to them and trips currently offered to them, nothing
// else. Delivery is eventual; subscribers treat local state as provisional
// until reconciled.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	conns  map[string]*wsConn
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		conns:  make(map[string]*wsConn),
		logger: logger,
	}
}

// Subscription is one in-process change feed filtered by driver id.
type Subscription struct {
	hub      *Hub
	driverID string
	ch       chan models.TripChange
	once     sync.Once
}

func (s *Subscription) Changes() <-chan models.TripChange { return s.ch }

// Close detaches the subscription. Idempotent; the channel is closed so
// range loops terminate.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers an in-process feed for one driver.
func (h *Hub) Subscribe(driverID string) *Subscription {
	sub := &Subscription{hub: h, driverID: driverID, ch: make(chan models.TripChange, 16)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers the change to every matching subscriber and websocket
// session. A slow in-process subscriber drops the notification rather than
// blocking the writer; reconciliation catches up on the next change.
func (h *Hub) Publish(change models.TripChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !matches(change.Trip, sub.driverID) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			h.logger.Warn("dropping change for slow subscriber", "driver_id", sub.driverID, "trip_id", change.Trip.ID)
		}
	}
	for driverID, c := range h.conns {
		if !matches(change.Trip, driverID) {
			continue
		}
		if err := c.send(change); err != nil {
			h.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		}
	}
}

// matches applies the driver-id column filter: assigned or currently offered.
func matches(t models.Trip, driverID string) bool {
	return t.DriverID == driverID || t.OfferDriverID == driverID
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Attach registers a websocket session for a driver; changes matching the
// driver filter are pushed as JSON frames. One session per driver: a
// reconnect replaces the previous one, which stops receiving pushes and is
// torn down by its own read loop.
func (h *Hub) Attach(driverID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[driverID] = &wsConn{conn: conn}
}

// Detach removes the driver's session, but only if it still belongs to conn.
// The guard keeps a stale session's teardown from evicting a fresh reconnect.
func (h *Hub) Detach(driverID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[driverID]; ok && c.conn == conn {
		delete(h.conns, driverID)
	}
}
