package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/status"
	"github.com/example/livery-core/internal/storage"
)

var (
	pickup  = models.Coord{Lat: 40.0, Lon: -75.0}
	dropoff = models.Coord{Lat: 40.2, Lon: -75.2}
)

type countingStore struct {
	storage.TripStore
	writes int
	fail   error
}

func (c *countingStore) UpdateStatus(ctx context.Context, tripID, from, to, reason string) error {
	c.writes++
	if c.fail != nil {
		return c.fail
	}
	return c.TripStore.UpdateStatus(ctx, tripID, from, to, reason)
}

type fakeNav struct {
	addr string
	dest models.Coord
	hits int
}

func (f *fakeNav) HandOff(addr string, dest models.Coord) {
	f.addr, f.dest, f.hits = addr, dest, f.hits+1
}

type fakeSettler struct {
	captured []string
	released []string
}

func (f *fakeSettler) CaptureTrip(ctx context.Context, tripID string) error {
	f.captured = append(f.captured, tripID)
	return nil
}

func (f *fakeSettler) ReleaseTrip(ctx context.Context, tripID string) error {
	f.released = append(f.released, tripID)
	return nil
}

func testConfig() Config {
	return Config{CountdownSteps: 3, CountdownInterval: time.Millisecond, GeofenceRadiusMeters: 100}
}

func seedTrip(t *testing.T, driverStatus string) (*countingStore, models.Trip) {
	t.Helper()
	mem := storage.NewMemoryStore()
	trip := models.Trip{
		ID:           "trip-1",
		PassengerID:  "pax-1",
		DriverID:     "drv-a",
		DriverStatus: driverStatus,
		Pickup:       pickup,
		PickupAddr:   "100 Main St",
		Dropoff:      dropoff,
		DropoffAddr:  "1 Airport Rd",
		FareCents:    4200,
		Currency:     "usd",
	}
	if err := mem.CreateTrip(context.Background(), &trip); err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	return &countingStore{TripStore: mem}, trip
}

func TestAdvanceWithCompletedCountdown(t *testing.T) {
	store, trip := seedTrip(t, "assigned")
	nav := &fakeNav{}
	tc := Open(testConfig(), store, trip, WithNavigator(nav))
	defer tc.Close()

	got, err := tc.Advance(context.Background())
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got != status.Enroute {
		t.Fatalf("expected enroute, got %s", got)
	}
	if tc.CurrentStatus() != status.Enroute {
		t.Fatalf("local status not updated")
	}
	if store.writes != 1 {
		t.Fatalf("expected 1 write, got %d", store.writes)
	}
	if nav.hits != 1 || nav.addr != "100 Main St" || nav.dest != pickup {
		t.Fatalf("navigation hand-off missing or wrong: %+v", nav)
	}
	persisted, _ := store.GetTrip(context.Background(), "trip-1")
	if persisted.DriverStatus != "enroute" {
		t.Fatalf("persisted status %q", persisted.DriverStatus)
	}
}

func TestCancelledCountdownHasNoSideEffects(t *testing.T) {
	store, trip := seedTrip(t, "assigned")
	cfg := testConfig()
	cfg.CountdownInterval = 50 * time.Millisecond
	tc := Open(cfg, store, trip)
	defer tc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := tc.Advance(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tc.CurrentStatus() != status.Assigned {
		t.Fatalf("status must stay assigned, got %s", tc.CurrentStatus())
	}
	if store.writes != 0 {
		t.Fatalf("no write may be issued on a cancelled countdown, got %d", store.writes)
	}
}

func TestFailedWriteLeavesLocalStateUnchanged(t *testing.T) {
	store, trip := seedTrip(t, "assigned")
	store.fail = errors.New("boom")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()

	_, err := tc.Advance(context.Background())
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if tc.CurrentStatus() != status.Assigned {
		t.Fatalf("local status must be unchanged, got %s", tc.CurrentStatus())
	}
}

func TestAdvanceFromTerminalRejected(t *testing.T) {
	store, trip := seedTrip(t, "done")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()
	if _, err := tc.Advance(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNoShowGating(t *testing.T) {
	store, trip := seedTrip(t, "enroute")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()
	if err := tc.MarkNoShow(context.Background(), true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("no-show from enroute must be rejected, got %v", err)
	}
	tc.Close()

	store, trip = seedTrip(t, "arrived")
	tc = Open(testConfig(), store, trip)
	defer tc.Close()
	if err := tc.MarkNoShow(context.Background(), false); !errors.Is(err, ErrWaitNotAsserted) {
		t.Fatalf("no-show without wait assertion must be rejected, got %v", err)
	}
	if err := tc.MarkNoShow(context.Background(), true); err != nil {
		t.Fatalf("no-show from arrived with assertion: %v", err)
	}
	if tc.CurrentStatus() != status.NoShow {
		t.Fatalf("expected no_show, got %s", tc.CurrentStatus())
	}
}

func TestNoShowFromWaiting(t *testing.T) {
	store, trip := seedTrip(t, "waiting_at_pickup")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()
	if tc.CurrentStatus() != status.Waiting {
		t.Fatalf("waiting_at_pickup should normalize to waiting, got %s", tc.CurrentStatus())
	}
	if err := tc.MarkNoShow(context.Background(), true); err != nil {
		t.Fatalf("no-show from waiting: %v", err)
	}
}

func TestCancelRequiresReason(t *testing.T) {
	store, trip := seedTrip(t, "enroute")
	settler := &fakeSettler{}
	tc := Open(testConfig(), store, trip, WithSettler(settler))
	defer tc.Close()

	if err := tc.Cancel(context.Background(), ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if err := tc.Cancel(context.Background(), "passenger requested"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tc.CurrentStatus() != status.Cancelled {
		t.Fatalf("expected cancelled, got %s", tc.CurrentStatus())
	}
	persisted, _ := store.GetTrip(context.Background(), "trip-1")
	if persisted.CancelReason != "passenger requested" {
		t.Fatalf("reason not persisted: %q", persisted.CancelReason)
	}
	if len(settler.released) != 1 {
		t.Fatalf("fare hold must be released on cancel")
	}
}

func TestOnboardArmsDropoffGeofenceAndPromptsOnLeave(t *testing.T) {
	store, trip := seedTrip(t, "waiting_at_pickup")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()

	if _, err := tc.Advance(context.Background()); err != nil {
		t.Fatalf("Advance to onboard: %v", err)
	}
	if tc.CurrentStatus() != status.PassengerOnboard {
		t.Fatalf("expected passenger_onboard, got %s", tc.CurrentStatus())
	}

	prompts := 0
	tc.OnArrivalPrompt = func() { prompts++ }

	at := func(c models.Coord) models.PositionSample {
		return models.PositionSample{Loc: c, Timestamp: time.Now()}
	}
	if snap := tc.HandlePosition(at(dropoff)); snap.State != "inside" {
		t.Fatalf("expected inside dropoff fence, got %s", snap.State)
	}
	// drift out without confirming: exactly one blocking prompt
	tc.HandlePosition(at(models.Coord{Lat: dropoff.Lat + 0.01, Lon: dropoff.Lon}))
	tc.HandlePosition(at(dropoff))
	tc.HandlePosition(at(models.Coord{Lat: dropoff.Lat + 0.01, Lon: dropoff.Lon}))
	if prompts != 1 {
		t.Fatalf("arrival prompt fired %d times, want 1", prompts)
	}

	// affirmative answer is local-only: status does not auto-advance
	tc.ConfirmArrival()
	if tc.CurrentStatus() != status.PassengerOnboard {
		t.Fatalf("confirmation must not advance status")
	}
}

func TestCompletionCapturesFare(t *testing.T) {
	store, trip := seedTrip(t, "passenger_onboard")
	settler := &fakeSettler{}
	tc := Open(testConfig(), store, trip, WithSettler(settler))
	defer tc.Close()

	got, err := tc.Advance(context.Background())
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got != status.Done {
		t.Fatalf("expected done, got %s", got)
	}
	if len(settler.captured) != 1 || settler.captured[0] != "trip-1" {
		t.Fatalf("fare capture missing: %+v", settler.captured)
	}
}

type blockingStore struct {
	storage.TripStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) UpdateStatus(ctx context.Context, tripID, from, to, reason string) error {
	close(b.entered)
	<-b.release
	return b.TripStore.UpdateStatus(ctx, tripID, from, to, reason)
}

func TestSecondWriteRejectedWhileInFlight(t *testing.T) {
	mem := storage.NewMemoryStore()
	trip := models.Trip{ID: "trip-1", DriverID: "drv-a", DriverStatus: "enroute", Pickup: pickup, Dropoff: dropoff}
	if err := mem.CreateTrip(context.Background(), &trip); err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	store := &blockingStore{TripStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	tc := Open(testConfig(), store, trip)
	defer tc.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- tc.Cancel(context.Background(), "flat tire") }()
	<-store.entered

	// while the cancel write is pending, every other action is disabled
	if _, err := tc.Advance(context.Background()); !errors.Is(err, ErrWriteInFlight) {
		t.Fatalf("expected ErrWriteInFlight, got %v", err)
	}

	close(store.release)
	if err := <-errCh; err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tc.CurrentStatus() != status.Cancelled {
		t.Fatalf("expected cancelled, got %s", tc.CurrentStatus())
	}
}

func TestReconcileRemoteWins(t *testing.T) {
	store, trip := seedTrip(t, "arrived")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()

	if err := tc.MarkWaiting(context.Background()); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}
	if _, ok := tc.WaitingSince(); !ok {
		t.Fatal("waiting timer should be running")
	}

	// dispatch moved the trip onboard from another writer; its spelling wins
	remote := trip
	remote.DriverStatus = "picked up"
	tc.Reconcile(models.TripChange{Trip: remote, Origin: models.OriginRemote, At: time.Now()})

	if tc.CurrentStatus() != status.PassengerOnboard {
		t.Fatalf("remote status must win, got %s", tc.CurrentStatus())
	}
}

func TestReconcileIgnoresLocalEchoAndOtherTrips(t *testing.T) {
	store, trip := seedTrip(t, "assigned")
	tc := Open(testConfig(), store, trip)
	defer tc.Close()

	echo := trip
	echo.DriverStatus = "done"
	tc.Reconcile(models.TripChange{Trip: echo, Origin: models.OriginLocal})
	if tc.CurrentStatus() != status.Assigned {
		t.Fatalf("local echo must be ignored, got %s", tc.CurrentStatus())
	}

	other := trip
	other.ID = "trip-2"
	other.DriverStatus = "done"
	tc.Reconcile(models.TripChange{Trip: other, Origin: models.OriginRemote})
	if tc.CurrentStatus() != status.Assigned {
		t.Fatalf("other trip's change must be ignored, got %s", tc.CurrentStatus())
	}
}

func TestMachineTable(t *testing.T) {
	if !CanTransition(status.Assigned, status.Enroute) {
		t.Fatal("assigned -> enroute must be allowed")
	}
	if CanTransition(status.Assigned, status.Done) {
		t.Fatal("assigned -> done must be rejected")
	}
	if !CanTransition(status.Waiting, status.PassengerOnboard) {
		t.Fatal("waiting -> passenger_onboard must be allowed")
	}
	if CanTransition(status.Done, status.Cancelled) {
		t.Fatal("terminal states have no exits")
	}
	if next, ok := Next(status.Waiting); !ok || next != status.PassengerOnboard {
		t.Fatalf("advance from waiting should target passenger_onboard, got %v %v", next, ok)
	}
	if _, ok := Next(status.Cancelled); ok {
		t.Fatal("terminal state has no next")
	}
}
