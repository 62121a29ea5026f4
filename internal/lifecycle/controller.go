package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/livery-core/internal/geofence"
	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/observability"
	"github.com/example/livery-core/internal/status"
	"github.com/example/livery-core/internal/storage"
)

var (
	// ErrWriteFailed wraps a transient status-write failure. Retryable by the
	// driver, never auto-retried: an automatic retry could duplicate side
	// effects or paper over a genuine concurrent write.
	ErrWriteFailed = errors.New("status write failed")
	// ErrInvalidTransition means the requested move is not permitted from the
	// current canonical state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrReasonRequired rejects a cancellation without a free-text reason.
	ErrReasonRequired = errors.New("cancellation reason required")
	// ErrWaitNotAsserted rejects a no-show where the driver has not asserted
	// the minimum wait elapsed.
	ErrWaitNotAsserted = errors.New("minimum wait not asserted")
	// ErrWriteInFlight serializes writes within one device: the advance
	// action is disabled while a write is pending.
	ErrWriteInFlight = errors.New("another status write is in flight")
)

// Navigator receives the navigation hand-off when the driver goes enroute:
// one address/coordinate value per triggering transition.
type Navigator interface {
	HandOff(addr string, dest models.Coord)
}

// Settler finalizes or releases the fare hold placed at acceptance.
type Settler interface {
	CaptureTrip(ctx context.Context, tripID string) error
	ReleaseTrip(ctx context.Context, tripID string) error
}

// Publisher fans locally-originated trip changes out to other subscribers.
type Publisher interface {
	Publish(change models.TripChange)
}

// ChangeFeed delivers realtime change notifications for the driver's trips.
type ChangeFeed interface {
	Changes() <-chan models.TripChange
	Close()
}

// Config carries the behavioural knobs for a trip context.
type Config struct {
	// CountdownSteps and CountdownInterval shape the confirmation countdown
	// that gates every advance: deliberate friction against accidental taps
	// while driving.
	CountdownSteps    int
	CountdownInterval time.Duration
	// GeofenceRadiusMeters is the arrival-detection radius per leg.
	GeofenceRadiusMeters float64
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		CountdownSteps:       3,
		CountdownInterval:    time.Second,
		GeofenceRadiusMeters: geofence.DefaultRadiusMeters,
	}
}

// TripContext is the per-trip controller created when the driver opens a
// trip and disposed when the view closes. All ambient state lives here, not
// in process-wide globals, so several trips or test harnesses can coexist.
type TripContext struct {
	cfg      Config
	store    storage.TripStore
	nav      Navigator
	payments Settler
	realtime Publisher
	feed     ChangeFeed
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	trip          models.Trip
	current       status.Status
	writeInFlight bool

	// ephemeral, device-local state absent from the server representation;
	// reconciliation preserves it
	waitingSince     *time.Time
	arrivalConfirmed bool
	monitor          *geofence.Monitor

	// OnArrivalPrompt surfaces the blocking "did you already arrive?" prompt
	// when the device leaves the dropoff fence unconfirmed.
	OnArrivalPrompt func()
	// OnCountdownTick reports remaining steps so the UI can render the
	// countdown. Optional.
	OnCountdownTick func(remaining int)

	closeOnce sync.Once
	closed    chan struct{}
}

// Option tweaks a TripContext at construction.
type Option func(*TripContext)

func WithNavigator(n Navigator) Option      { return func(t *TripContext) { t.nav = n } }
func WithSettler(s Settler) Option          { return func(t *TripContext) { t.payments = s } }
func WithPublisher(p Publisher) Option      { return func(t *TripContext) { t.realtime = p } }
func WithChangeFeed(f ChangeFeed) Option    { return func(t *TripContext) { t.feed = f } }
func WithLogger(l *slog.Logger) Option      { return func(t *TripContext) { t.logger = l } }
func WithClock(now func() time.Time) Option { return func(t *TripContext) { t.now = now } }

// Open creates the controller for one trip. The server's current status is
// normalized into the canonical vocabulary; if the trip is already on the
// dropoff leg the geofence is re-armed for it.
func Open(cfg Config, store storage.TripStore, trip models.Trip, opts ...Option) *TripContext {
	if cfg.CountdownSteps <= 0 {
		cfg.CountdownSteps = DefaultConfig().CountdownSteps
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = DefaultConfig().CountdownInterval
	}
	t := &TripContext{
		cfg:     cfg,
		store:   store,
		trip:    trip,
		current: status.ToCanonical(trip.DriverStatus),
		monitor: geofence.NewMonitor(cfg.GeofenceRadiusMeters),
		logger:  slog.Default(),
		now:     time.Now,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.monitor.OnEvent(t.handleGeofenceEvent)
	if t.current == status.PassengerOnboard {
		t.monitor.SetTarget(trip.Dropoff)
	}
	if t.feed != nil {
		go t.consumeFeed()
	}
	return t
}

// Close tears tracking down deterministically: the change subscription stops
// and the geofence target is cleared so no destination state leaks into an
// unrelated trip.
func (t *TripContext) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.feed != nil {
			t.feed.Close()
		}
		t.mu.Lock()
		t.monitor.ClearTarget()
		t.mu.Unlock()
	})
}

// CurrentStatus returns the canonical status the controller reasons over.
func (t *TripContext) CurrentStatus() status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// NextStatus returns the target of the advance action, if any.
func (t *TripContext) NextStatus() (status.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Next(t.current)
}

// Trip returns a copy of the last known trip record.
func (t *TripContext) Trip() models.Trip {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trip
}

// GeofenceState reports the monitor snapshot for the UI.
func (t *TripContext) GeofenceState() geofence.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.monitor.Current()
}

// Advance runs the countdown confirmation and, only on completion, persists
// the next status. Cancelling ctx before the last tick aborts with zero side
// effects: no partial write ever happens.
func (t *TripContext) Advance(ctx context.Context) (status.Status, error) {
	t.mu.Lock()
	if t.writeInFlight {
		t.mu.Unlock()
		return "", ErrWriteInFlight
	}
	target, ok := Next(t.current)
	t.mu.Unlock()
	if !ok {
		return "", ErrInvalidTransition
	}

	if err := t.countdown(ctx); err != nil {
		return "", err
	}
	if err := t.commit(ctx, target, ""); err != nil {
		return "", err
	}
	return target, nil
}

// MarkWaiting flags the non-advancing waiting sibling from arrived. No
// countdown: it does not move the trip forward.
func (t *TripContext) MarkWaiting(ctx context.Context) error {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur != status.Arrived {
		return ErrInvalidTransition
	}
	return t.commit(ctx, status.Waiting, "")
}

// Cancel moves the trip to cancelled. A free-text reason is required; valid
// from any non-terminal state.
func (t *TripContext) Cancel(ctx context.Context, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur.Terminal() {
		return ErrInvalidTransition
	}
	return t.commit(ctx, status.Cancelled, reason)
}

// MarkNoShow records a passenger no-show. Valid only from arrived/waiting,
// and the driver must assert the minimum wait elapsed; that assertion is
// policy, not independently verified.
func (t *TripContext) MarkNoShow(ctx context.Context, minWaitElapsed bool) error {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur != status.Arrived && cur != status.Waiting {
		return ErrInvalidTransition
	}
	if !minWaitElapsed {
		return ErrWaitNotAsserted
	}
	return t.commit(ctx, status.NoShow, "")
}

// HandlePosition feeds one GPS sample to the geofence monitor.
func (t *TripContext) HandlePosition(sample models.PositionSample) geofence.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.monitor.Update(sample)
}

// LocationUnavailable degrades the monitor to unknown. Geofence prompts stop;
// manual countdown-confirmed advancement is unaffected.
func (t *TripContext) LocationUnavailable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.monitor.SignalLost()
}

// ConfirmArrival records the driver's affirmative answer to the arrival
// prompt. Local-only; completing the trip still requires the explicit
// countdown-confirmed advance.
func (t *TripContext) ConfirmArrival() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arrivalConfirmed = true
	t.monitor.ConfirmArrival()
}

// WaitingSince exposes the device-local waiting timer, if running.
func (t *TripContext) WaitingSince() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waitingSince == nil {
		return time.Time{}, false
	}
	return *t.waitingSince, true
}

func (t *TripContext) countdown(ctx context.Context) error {
	for i := t.cfg.CountdownSteps; i > 0; i-- {
		if t.OnCountdownTick != nil {
			t.OnCountdownTick(i)
		}
		timer := time.NewTimer(t.cfg.CountdownInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-t.closed:
			timer.Stop()
			return context.Canceled
		case <-timer.C:
		}
	}
	return nil
}

// commit performs the persisted write through the normalizer and applies the
// optimistic local update plus transition side effects. A failed write leaves
// local state untouched.
func (t *TripContext) commit(ctx context.Context, target status.Status, reason string) error {
	t.mu.Lock()
	if t.writeInFlight {
		t.mu.Unlock()
		return ErrWriteInFlight
	}
	if !CanTransition(t.current, target) {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	t.writeInFlight = true
	from := t.trip.DriverStatus
	t.mu.Unlock()

	to := status.ToPersisted(target)
	err := t.store.UpdateStatus(ctx, t.trip.ID, from, to, reason)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeInFlight = false
	if err != nil {
		observability.StatusWritesTotal.WithLabelValues(string(target), "error").Inc()
		t.logger.Warn("status write failed", "trip_id", t.trip.ID, "target", string(target), "error", err)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	observability.StatusWritesTotal.WithLabelValues(string(target), "ok").Inc()

	t.current = target
	t.trip.DriverStatus = to
	if reason != "" {
		t.trip.CancelReason = reason
	}
	t.trip.UpdatedAt = t.now()
	t.applySideEffects(target)
	t.logger.Info("status advanced", "trip_id", t.trip.ID, "status", string(target))

	if t.realtime != nil {
		t.realtime.Publish(models.TripChange{Trip: t.trip, Origin: models.OriginLocal, At: t.now()})
	}
	return nil
}

// applySideEffects runs the per-transition collaborator hand-offs. Called
// with t.mu held.
func (t *TripContext) applySideEffects(target status.Status) {
	switch target {
	case status.Enroute:
		if t.nav != nil {
			t.nav.HandOff(t.trip.PickupAddr, t.trip.Pickup)
		}
	case status.Arrived, status.Waiting:
		if t.waitingSince == nil {
			now := t.now()
			t.waitingSince = &now
		}
	case status.PassengerOnboard:
		// new leg: the dropoff becomes the geofence target and this
		// context starts listening for its events
		t.waitingSince = nil
		t.arrivalConfirmed = false
		t.monitor.SetTarget(t.trip.Dropoff)
	case status.Done:
		t.monitor.ClearTarget()
		if t.payments != nil {
			if err := t.payments.CaptureTrip(context.Background(), t.trip.ID); err != nil {
				t.logger.Warn("fare capture failed", "trip_id", t.trip.ID, "error", err)
			}
		}
	case status.Cancelled, status.NoShow:
		t.monitor.ClearTarget()
		if t.payments != nil {
			if err := t.payments.ReleaseTrip(context.Background(), t.trip.ID); err != nil {
				t.logger.Warn("fare release failed", "trip_id", t.trip.ID, "error", err)
			}
		}
	}
}

func (t *TripContext) handleGeofenceEvent(e geofence.Event) {
	switch e {
	case geofence.EventEntered:
		t.logger.Info("geofence entered", "trip_id", t.trip.ID)
	case geofence.EventLeftWithoutConfirming:
		t.logger.Info("left geofence without confirmation", "trip_id", t.trip.ID)
		if t.OnArrivalPrompt != nil {
			t.OnArrivalPrompt()
		}
	}
}

func (t *TripContext) consumeFeed() {
	for {
		select {
		case <-t.closed:
			return
		case change, ok := <-t.feed.Changes():
			if !ok {
				return
			}
			t.Reconcile(change)
		}
	}
}

// Reconcile folds a realtime notification into local state. The server is
// always authoritative for the record itself; device-local ephemeral state
// (waiting timer, geofence flags) is absent from the server representation
// and is preserved, not overwritten.
func (t *TripContext) Reconcile(change models.TripChange) {
	if change.Trip.ID != t.trip.ID || change.Origin == models.OriginLocal {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current
	t.trip = change.Trip
	t.current = status.ToCanonical(change.Trip.DriverStatus)
	if t.current != prev {
		t.logger.Info("reconciled remote status", "trip_id", t.trip.ID,
			"from", string(prev), "to", string(t.current))
		if t.current == status.PassengerOnboard && prev != status.PassengerOnboard {
			t.monitor.SetTarget(t.trip.Dropoff)
		}
		if t.current.Terminal() {
			t.monitor.ClearTarget()
		}
	}
}
