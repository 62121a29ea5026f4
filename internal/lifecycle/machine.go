package lifecycle

import "github.com/example/livery-core/internal/status"

// transitions is the canonical state machine for one trip. The main line is
// linear; cancelled is reachable from any non-terminal state, no_show only
// from arrived/waiting. waiting is a non-advancing sibling of arrived, not a
// distinct ordinal step.
var transitions = map[status.Status]map[status.Status]struct{}{
	status.Assigned: {
		status.Enroute:   {},
		status.Cancelled: {},
	},
	status.Enroute: {
		status.Arrived:   {},
		status.Cancelled: {},
	},
	status.Arrived: {
		status.PassengerOnboard: {},
		status.Waiting:          {},
		status.Cancelled:        {},
		status.NoShow:           {},
	},
	status.Waiting: {
		status.PassengerOnboard: {},
		status.Arrived:          {},
		status.Cancelled:        {},
		status.NoShow:           {},
	},
	status.PassengerOnboard: {
		status.Done:      {},
		status.Cancelled: {},
	},
	status.Done:      {},
	status.Cancelled: {},
	status.NoShow:    {},
}

// CanTransition reports whether the canonical machine permits from -> to.
func CanTransition(from, to status.Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Next returns the target of the driver-visible advance action, or false if
// the current state has no forward step.
func Next(from status.Status) (status.Status, bool) {
	switch from {
	case status.Assigned:
		return status.Enroute, true
	case status.Enroute:
		return status.Arrived, true
	case status.Arrived, status.Waiting:
		return status.PassengerOnboard, true
	case status.PassengerOnboard:
		return status.Done, true
	}
	return "", false
}
