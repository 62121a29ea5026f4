package status

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/example/livery-core/internal/observability"
)

// Status is the closed canonical vocabulary the lifecycle controller reasons
// over. External writers use an open-ended set of spellings; everything is
// funnelled through ToCanonical before any decision is made.
type Status string

const (
	Assigned          Status = "assigned"
	Enroute           Status = "enroute"
	Arrived           Status = "arrived"
	Waiting           Status = "waiting"
	PassengerOnboard  Status = "passenger_onboard"
	Done              Status = "done"
	Cancelled         Status = "cancelled"
	NoShow            Status = "no_show"
	Available         Status = "available"
	Busy              Status = "busy"
	Offline           Status = "offline"
)

// All lists every canonical status, in lifecycle order where one exists.
var All = []Status{
	Assigned, Enroute, Arrived, Waiting, PassengerOnboard,
	Done, Cancelled, NoShow, Available, Busy, Offline,
}

// Terminal reports whether the status ends the trip.
func (s Status) Terminal() bool {
	return s == Done || s == Cancelled || s == NoShow
}

// synonyms maps normalized external spellings to canonical statuses. The
// vocabulary is controlled by dispatch backends we do not own; new spellings
// land here once observed in the wild.
var synonyms = map[string]Status{
	"assigned":           Assigned,
	"accepted":           Assigned,
	"confirmed":          Assigned,
	"dispatched":         Assigned,
	"enroute":            Enroute,
	"en_route":           Enroute,
	"on_the_way":         Enroute,
	"otw":                Enroute,
	"driving_to_pickup":  Enroute,
	"heading_to_pickup":  Enroute,
	"arrived":            Arrived,
	"on_location":        Arrived,
	"on_site":            Arrived,
	"at_pickup":          Arrived,
	"driver_at_pickup":   Arrived,
	"waiting":            Waiting,
	"waiting_at_pickup":  Waiting,
	"wait":               Waiting,
	"standby":            Waiting,
	"passenger_onboard":  PassengerOnboard,
	"pob":                PassengerOnboard,
	"picked_up":          PassengerOnboard,
	"onboard":            PassengerOnboard,
	"in_progress":        PassengerOnboard,
	"passenger_on_board": PassengerOnboard,
	"done":               Done,
	"completed":          Done,
	"complete":           Done,
	"dropped_off":        Done,
	"finished":           Done,
	"closed":             Done,
	"cancelled":          Cancelled,
	"canceled":           Cancelled,
	"cancel":             Cancelled,
	"no_show":            NoShow,
	"noshow":             NoShow,
	"passenger_no_show":  NoShow,
	"available":          Available,
	"free":               Available,
	"open":               Available,
	"busy":               Busy,
	"unavailable":        Busy,
	"offline":            Offline,
	"off_duty":           Offline,
}

// persisted is the spelling written back to the store for each canonical
// status. Waiting deliberately persists as waiting_at_pickup: a downstream
// consumer outside this codebase expects that exact string.
var persisted = map[Status]string{
	Assigned:         "assigned",
	Enroute:          "enroute",
	Arrived:          "arrived",
	Waiting:          "waiting_at_pickup",
	PassengerOnboard: "passenger_onboard",
	Done:             "done",
	Cancelled:        "cancelled",
	NoShow:           "no_show",
	Available:        "available",
	Busy:             "busy",
	Offline:          "offline",
}

// ToCanonical maps an external status string onto the canonical vocabulary.
// It is total: empty and unrecognized input default to Assigned, the safest
// "not yet started" assumption. Heuristic and fallback hits are logged and
// counted so drift in the external vocabulary is visible, never silent.
func ToCanonical(raw string) Status {
	key := normalizeToken(raw)
	if key == "" {
		observability.StatusFallbackTotal.Inc()
		return Assigned
	}
	if s, ok := synonyms[key]; ok {
		return s
	}
	if s, ok := heuristic(key); ok {
		observability.StatusHeuristicTotal.Inc()
		slog.Warn("status matched by heuristic", "raw", raw, "canonical", string(s))
		return s
	}
	observability.StatusFallbackTotal.Inc()
	slog.Warn("unrecognized status, defaulting to assigned", "raw", raw)
	return Assigned
}

// heuristic is the second matching tier: substring buckets for spellings the
// synonym table has not caught up with. Ambiguous by nature; every hit is
// reported by the caller.
func heuristic(key string) (Status, bool) {
	switch {
	case strings.Contains(key, "cancel"):
		return Cancelled, true
	case strings.Contains(key, "no_show") || strings.Contains(key, "noshow"):
		return NoShow, true
	case strings.Contains(key, "complet") || strings.Contains(key, "done") || strings.Contains(key, "drop"):
		return Done, true
	case strings.Contains(key, "onboard") || strings.Contains(key, "board") || strings.Contains(key, "progress"):
		return PassengerOnboard, true
	case strings.Contains(key, "wait"):
		return Waiting, true
	case strings.Contains(key, "arriv") || strings.Contains(key, "pickup") || strings.Contains(key, "location"):
		return Arrived, true
	case strings.Contains(key, "route") || strings.Contains(key, "way") || strings.Contains(key, "head"):
		return Enroute, true
	case strings.Contains(key, "offline") || strings.Contains(key, "off_duty"):
		return Offline, true
	case strings.Contains(key, "avail") || strings.Contains(key, "free"):
		return Available, true
	case strings.Contains(key, "busy"):
		return Busy, true
	case strings.Contains(key, "assign") || strings.Contains(key, "accept") || strings.Contains(key, "confirm"):
		return Assigned, true
	}
	return "", false
}

// ToPersisted returns the store spelling for a canonical status. Total over
// the enum; unknown values fall back to the assigned spelling.
func ToPersisted(s Status) string {
	if v, ok := persisted[s]; ok {
		return v
	}
	return persisted[Assigned]
}

// normalizeToken lowercases and collapses the input into [a-z0-9]+ tokens
// joined by underscores, so "En Route", "en-route" and "EN_ROUTE" all
// compare equal.
func normalizeToken(raw string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if unicode.IsLower(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
