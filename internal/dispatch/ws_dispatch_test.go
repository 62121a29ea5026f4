package dispatch

import (
	"testing"

	"github.com/gorilla/websocket"

	"github.com/example/livery-core/internal/models"
)

func TestRegistryReconnectReplacesSession(t *testing.T) {
	r := NewWSRegistry()
	first := &websocket.Conn{}
	second := &websocket.Conn{}

	r.Add("drv-a", first)
	r.Add("drv-a", second)
	if len(r.sessions) != 1 || r.sessions["drv-a"].conn != second {
		t.Fatal("reconnect must replace the prior session")
	}

	r.Remove("drv-a", first)
	if s, ok := r.sessions["drv-a"]; !ok || s.conn != second {
		t.Fatal("stale remove must be a no-op")
	}
	r.Remove("drv-a", second)
	if _, ok := r.sessions["drv-a"]; ok {
		t.Fatal("remove with the live connection must drop the session")
	}
}

func TestSendOfferWithoutSession(t *testing.T) {
	r := NewWSRegistry()
	if err := r.SendOffer("drv-a", models.Trip{ID: "t1"}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
