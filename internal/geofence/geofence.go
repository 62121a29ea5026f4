package geofence

import (
	"math"

	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/observability"
)

// State is the derived zone relationship for the current target.
type State string

const (
	StateUnknown     State = "unknown"
	StateOutside     State = "outside"
	StateApproaching State = "approaching"
	StateInside      State = "inside"
)

// Event is a one-shot notification emitted by the monitor.
type Event string

const (
	// EventEntered fires on the first transition into the radius, exactly
	// once per target.
	EventEntered Event = "entered"
	// EventLeftWithoutConfirming fires when the device exits the radius
	// after entering it, before the driver confirmed arrival. Exactly once
	// per target: GPS jitter near the boundary flickers in and out and must
	// not re-prompt.
	EventLeftWithoutConfirming Event = "left-without-confirming"
)

// DefaultRadiusMeters is the geofence radius used when none is configured.
const DefaultRadiusMeters = 100.0

// approachBandFactor bounds the "approaching" band as a multiple of the radius.
const approachBandFactor = 3.0

// historySize is how many recent distances inform the approaching trend.
const historySize = 5

// Snapshot is the monitor output for one position sample.
type Snapshot struct {
	State          State
	DistanceMeters float64
	HasEnteredOnce bool
	Confirmed      bool
}

// Monitor consumes position samples against a settable target coordinate and
// emits one-shot arrival/departure events. Scoped to a single leg: setting a
// new target resets all flags.
type Monitor struct {
	target    *models.Coord
	radius    float64
	distances []float64

	state            State
	hasEnteredOnce   bool
	confirmedArrival bool
	leftEventFired   bool

	onEvent func(Event)
}

// NewMonitor creates a monitor with the given radius in meters; non-positive
// values fall back to DefaultRadiusMeters.
func NewMonitor(radiusMeters float64) *Monitor {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return &Monitor{radius: radiusMeters, state: StateUnknown}
}

// OnEvent registers the sink for one-shot events. A nil sink drops them.
func (m *Monitor) OnEvent(fn func(Event)) { m.onEvent = fn }

// SetTarget points the monitor at a new destination and resets all per-leg
// state, including the fired-once guards.
func (m *Monitor) SetTarget(c models.Coord) {
	m.target = &models.Coord{Lat: c.Lat, Lon: c.Lon}
	m.reset()
}

// ClearTarget drops the destination and unconditionally resets all flags, so
// no geofence state leaks across unrelated trips.
func (m *Monitor) ClearTarget() {
	m.target = nil
	m.reset()
}

func (m *Monitor) reset() {
	m.distances = m.distances[:0]
	m.state = StateUnknown
	m.hasEnteredOnce = false
	m.confirmedArrival = false
	m.leftEventFired = false
}

// ConfirmArrival records the driver's explicit confirmation for this leg,
// suppressing the left-without-confirming prompt.
func (m *Monitor) ConfirmArrival() { m.confirmedArrival = true }

// SignalLost marks the position source unavailable. The monitor degrades to
// unknown but keeps its one-shot flags, so a later signal recovery does not
// re-fire events already emitted.
func (m *Monitor) SignalLost() Snapshot {
	m.state = StateUnknown
	m.distances = m.distances[:0]
	return m.snapshot(math.NaN())
}

// Current returns the latest derived state without consuming a sample.
func (m *Monitor) Current() Snapshot {
	d := math.NaN()
	if n := len(m.distances); n > 0 {
		d = m.distances[n-1]
	}
	return m.snapshot(d)
}

// Update folds one position sample into the monitor and returns the derived
// state. Inside when distance <= radius; approaching when within the outer
// band and closing over recent samples; outside otherwise.
func (m *Monitor) Update(sample models.PositionSample) Snapshot {
	if m.target == nil {
		m.state = StateUnknown
		return m.snapshot(math.NaN())
	}
	dist := Haversine(sample.Loc.Lat, sample.Loc.Lon, m.target.Lat, m.target.Lon)
	m.pushDistance(dist)

	prev := m.state
	switch {
	case dist <= m.radius:
		m.state = StateInside
	case dist < m.radius*approachBandFactor && m.closing():
		m.state = StateApproaching
	default:
		m.state = StateOutside
	}

	if m.state == StateInside && !m.hasEnteredOnce {
		m.hasEnteredOnce = true
		m.emit(EventEntered)
	}
	if prev == StateInside && m.state != StateInside &&
		m.hasEnteredOnce && !m.confirmedArrival && !m.leftEventFired {
		m.leftEventFired = true
		m.emit(EventLeftWithoutConfirming)
	}
	return m.snapshot(dist)
}

func (m *Monitor) emit(e Event) {
	observability.GeofenceEventsTotal.WithLabelValues(string(e)).Inc()
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

func (m *Monitor) snapshot(dist float64) Snapshot {
	return Snapshot{
		State:          m.state,
		DistanceMeters: dist,
		HasEnteredOnce: m.hasEnteredOnce,
		Confirmed:      m.confirmedArrival,
	}
}

func (m *Monitor) pushDistance(d float64) {
	m.distances = append(m.distances, d)
	if len(m.distances) > historySize {
		m.distances = m.distances[len(m.distances)-historySize:]
	}
}

// closing reports whether distance is trending down over the rolling history.
func (m *Monitor) closing() bool {
	n := len(m.distances)
	if n < 2 {
		return false
	}
	return m.distances[n-1] < m.distances[0]
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
