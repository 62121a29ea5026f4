package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/livery-core/internal/config"
	"github.com/example/livery-core/internal/dispatch"
	"github.com/example/livery-core/internal/ingest"
	"github.com/example/livery-core/internal/lifecycle"
	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/offers"
	"github.com/example/livery-core/internal/realtime"
	"github.com/example/livery-core/internal/storage"
	"github.com/example/livery-core/internal/track"
)

// Server exposes the trip-lifecycle core to the driver app UI: offers,
// countdown-gated status advancement, geofence state, and the realtime
// change feed.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	store   storage.TripStore
	offers  *offers.Service
	hub     *realtime.Hub
	wsreg   *dispatch.WSRegistry
	track   *track.RedisTrack
	kafka   *ingest.KafkaProducer
	settler lifecycle.Settler
	nav     lifecycle.Navigator

	mu        sync.Mutex
	openTrips map[string]*lifecycle.TripContext

	mux *mux.Router
}

type Option func(*Server)

func WithTrack(t *track.RedisTrack) Option       { return func(s *Server) { s.track = t } }
func WithKafka(k *ingest.KafkaProducer) Option   { return func(s *Server) { s.kafka = k } }
func WithSettler(st lifecycle.Settler) Option    { return func(s *Server) { s.settler = st } }
func WithNavigator(n lifecycle.Navigator) Option { return func(s *Server) { s.nav = n } }

func NewServer(cfg config.ServerConfig, logger *slog.Logger, store storage.TripStore, offerSvc *offers.Service, hub *realtime.Hub, wsreg *dispatch.WSRegistry, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		offers:    offerSvc,
		hub:       hub,
		wsreg:     wsreg,
		openTrips: make(map[string]*lifecycle.TripContext),
		mux:       mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/offer", s.handleOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/presence", s.handlePresence).Methods("GET")

	s.mux.HandleFunc("/api/v1/trips/{id}/open", s.handleOpenTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/close", s.handleCloseTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}", s.handleTripSnapshot).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/advance", s.handleAdvance).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/no-show", s.handleNoShow).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/waiting", s.handleMarkWaiting).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/confirm-arrival", s.handleConfirmArrival).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/location-lost", s.handleLocationLost).Methods("POST")

	s.mux.HandleFunc("/internal/driver/positions", s.handlePosition).Methods("POST")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var t models.Trip
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.DriverStatus == "" {
		t.DriverStatus = "unassigned"
	}
	if err := s.store.CreateTrip(r.Context(), &t); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	tripID := mux.Vars(r)["id"]
	if err := s.offers.Offer(r.Context(), tripID, req.DriverID, s.cfg.OfferTTL); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "trip not found", http.StatusNotFound)
		case errors.Is(err, offers.ErrTripAssigned):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	trip, err := s.offers.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if errors.Is(err, offers.ErrStaleOffer) {
		http.Error(w, "offer is no longer valid", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.offers.Decline(r.Context(), mux.Vars(r)["id"], req.DriverID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	active, err := s.offers.ListActiveOffers(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if active == nil {
		active = []models.Trip{}
	}
	writeJSON(w, http.StatusOK, active)
}

// handlePresence reports the driver's last-known presence metadata from the
// Redis track.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.track == nil {
		http.Error(w, "presence tracking not configured", http.StatusServiceUnavailable)
		return
	}
	meta, err := s.track.LastMeta(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleOpenTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["id"]
	trip, err := s.store.GetTrip(r.Context(), tripID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "trip not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openTrips[tripID]; !ok {
		cfg := lifecycle.Config{
			CountdownSteps:       s.cfg.CountdownSteps,
			CountdownInterval:    s.cfg.CountdownInterval,
			GeofenceRadiusMeters: s.cfg.GeofenceRadiusMeters,
		}
		opts := []lifecycle.Option{
			lifecycle.WithPublisher(s.hub),
			lifecycle.WithChangeFeed(s.hub.Subscribe(trip.DriverID)),
			lifecycle.WithLogger(s.logger),
		}
		if s.settler != nil {
			opts = append(opts, lifecycle.WithSettler(s.settler))
		}
		if s.nav != nil {
			opts = append(opts, lifecycle.WithNavigator(s.nav))
		}
		s.openTrips[tripID] = lifecycle.Open(cfg, s.store, trip, opts...)
	}
	s.writeSnapshot(w, s.openTrips[tripID])
}

func (s *Server) handleCloseTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["id"]
	s.mu.Lock()
	tc, ok := s.openTrips[tripID]
	delete(s.openTrips, tripID)
	s.mu.Unlock()
	if ok {
		tc.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) openTrip(tripID string) (*lifecycle.TripContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.openTrips[tripID]
	return tc, ok
}

func (s *Server) handleTripSnapshot(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	s.writeSnapshot(w, tc)
}

// handleAdvance runs the countdown confirmation server-side; the client
// aborts the request to cancel the countdown, which leaves state untouched.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	next, err := tc.Advance(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(next)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := tc.Cancel(r.Context(), req.Reason); err != nil {
		s.writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNoShow(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	var req struct {
		MinWaitElapsed bool `json:"min_wait_elapsed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := tc.MarkNoShow(r.Context(), req.MinWaitElapsed); err != nil {
		s.writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkWaiting(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	if err := tc.MarkWaiting(r.Context()); err != nil {
		s.writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationLost(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	tc.LocationUnavailable()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmArrival(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.openTrip(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "trip not open", http.StatusNotFound)
		return
	}
	tc.ConfirmArrival()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var sample models.PositionSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishSample(sample); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", sample.DriverID, "error", err)
		}
	}
	if s.track != nil {
		if err := s.track.Record(r.Context(), sample); err != nil {
			s.logger.Warn("track record failed", "driver_id", sample.DriverID, "error", err)
		}
	}
	// feed any open trip for this driver so geofence state stays live
	s.mu.Lock()
	for _, tc := range s.openTrips {
		if tc.Trip().DriverID == sample.DriverID {
			tc.HandlePosition(sample)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS attaches a driver device: realtime trip changes and offer pushes
// share the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.hub.Attach(driverID, conn)
	s.wsreg.Add(driverID, conn)
	go s.readPump(driverID, conn)
}

// readPump drains the connection until the peer goes away, then detaches the
// session from both registries and flips the driver's presence flag.
func (s *Server) readPump(driverID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.Detach(driverID, conn)
	s.wsreg.Remove(driverID, conn)
	if s.track != nil {
		if err := s.track.MarkOffline(context.Background(), driverID); err != nil {
			s.logger.Warn("mark offline failed", "driver_id", driverID, "error", err)
		}
	}
	_ = conn.Close()
	s.logger.Info("ws session closed", "driver_id", driverID)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, tc *lifecycle.TripContext) {
	snap := map[string]any{
		"trip":           tc.Trip(),
		"current_status": string(tc.CurrentStatus()),
		"geofence":       tc.GeofenceState(),
	}
	if next, ok := tc.NextStatus(); ok {
		snap["next_status"] = string(next)
	}
	if since, ok := tc.WaitingSince(); ok {
		snap["waiting_since"] = since
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrReasonRequired),
		errors.Is(err, lifecycle.ErrWaitNotAsserted):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, lifecycle.ErrWriteInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrWriteFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// client aborted the countdown; nothing was written
		http.Error(w, "cancelled", 499)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
