package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/livery-core/internal/config"
	"github.com/example/livery-core/internal/dispatch"
	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/offers"
	"github.com/example/livery-core/internal/realtime"
	"github.com/example/livery-core/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	hub := realtime.NewHub(nil)
	wsreg := dispatch.NewWSRegistry()
	svc := &offers.Service{Store: store, Dispatch: wsreg, Realtime: hub}
	cfg := config.ServerConfig{
		OfferTTL:             time.Minute,
		CountdownSteps:       1,
		CountdownInterval:    time.Millisecond,
		GeofenceRadiusMeters: 100,
	}
	return NewServer(cfg, slog.Default(), store, svc, hub, wsreg), store
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func TestPresenceUnavailableWithoutTrack(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv, http.MethodGet, "/api/v1/drivers/drv-a/presence", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a track store, got %d", rr.Code)
	}
}

func TestOfferConflictOnAssignedTrip(t *testing.T) {
	srv, store := newTestServer(t)
	trip := &models.Trip{ID: "trip-1", PassengerID: "pax-1", DriverStatus: "unassigned", PickupTime: time.Now()}
	if err := store.CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}

	if rr := do(t, srv, http.MethodPost, "/api/v1/trips/trip-1/offer", `{"driver_id":"drv-a"}`); rr.Code != http.StatusNoContent {
		t.Fatalf("offer: expected 204, got %d (%s)", rr.Code, rr.Body.String())
	}
	if rr := do(t, srv, http.MethodPost, "/api/v1/trips/trip-1/accept", `{"driver_id":"drv-a"}`); rr.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if rr := do(t, srv, http.MethodPost, "/api/v1/trips/trip-1/offer", `{"driver_id":"drv-b"}`); rr.Code != http.StatusConflict {
		t.Fatalf("re-offer on assigned trip: expected 409, got %d (%s)", rr.Code, rr.Body.String())
	}
}
