package lifecycle

import "github.com/example/driver-dispatch/internal/models"

// Effect is a side effect applied when a job enters a status.
type Effect int

const (
	EffectStartTracking Effect = iota
	EffectJoinRoom
	EffectStopTracking
	EffectLeaveRoom
	EffectReleaseJob
)

// Rule describes one lifecycle status.
type Rule struct {
	// Next is the immediate forward successor; empty for terminal statuses.
	Next models.Status
	// OffRamps are the operator-initiated exits allowed from this status.
	OffRamps []models.Status
	// Tracked is true while location must be published.
	Tracked bool
	// Terminal statuses end the job's active life.
	Terminal bool
	// OnEnter runs once per entry into the status.
	OnEnter []Effect
}

var (
	enterTracked  = []Effect{EffectStartTracking, EffectJoinRoom}
	enterTerminal = []Effect{EffectStopTracking, EffectLeaveRoom, EffectReleaseJob}
)

var table = map[models.Status]Rule{
	models.StatusPending: {Next: models.StatusAssigned},
	models.StatusAssigned: {
		Next:     models.StatusEnRoute,
		OffRamps: []models.Status{models.StatusDeclined, models.StatusCancelled},
	},
	models.StatusAccepted: {
		Next:     models.StatusEnRoute,
		OffRamps: []models.Status{models.StatusCancelled},
	},
	models.StatusEnRoute: {
		Next:     models.StatusArrived,
		OffRamps: []models.Status{models.StatusCancelled},
		Tracked:  true,
		OnEnter:  enterTracked,
	},
	models.StatusArrived: {
		Next:     models.StatusStarted,
		OffRamps: []models.Status{models.StatusCancelled},
		Tracked:  true,
		OnEnter:  enterTracked,
	},
	models.StatusStarted: {
		Next:    models.StatusCompleted,
		Tracked: true,
		OnEnter: enterTracked,
	},
	models.StatusCompleted: {Terminal: true, OnEnter: enterTerminal},
	models.StatusDeclined:  {Terminal: true, OnEnter: enterTerminal},
	models.StatusCancelled: {Terminal: true, OnEnter: enterTerminal},
}

// Lookup returns the rule for a status.
func Lookup(s models.Status) (Rule, bool) {
	r, ok := table[s]
	return r, ok
}

// Successor returns the immediate forward successor of s.
func Successor(s models.Status) (models.Status, bool) {
	r, ok := table[s]
	if !ok || r.Next == "" {
		return "", false
	}
	return r.Next, true
}

// CanTransition reports whether to is the successor of from or one of its off-ramps.
func CanTransition(from, to models.Status) bool {
	r, ok := table[from]
	if !ok {
		return false
	}
	if r.Next != "" && r.Next == to {
		return true
	}
	for _, o := range r.OffRamps {
		if o == to {
			return true
		}
	}
	return false
}

// IsOffRamp reports whether to is an operator exit from from rather than forward progress.
func IsOffRamp(from, to models.Status) bool {
	r, ok := table[from]
	if !ok {
		return false
	}
	for _, o := range r.OffRamps {
		if o == to {
			return true
		}
	}
	return false
}

func Tracked(s models.Status) bool { return table[s].Tracked }

func Terminal(s models.Status) bool { return table[s].Terminal }

// Active reports whether a job in status s is held by a driver.
func Active(s models.Status) bool {
	r, ok := table[s]
	return ok && s != models.StatusPending && !r.Terminal
}

// Stage collapses statuses that occupy the same lifecycle stage.
func Stage(s models.Status) models.Status {
	if s == models.StatusAccepted {
		return models.StatusAssigned
	}
	return s
}

// Entered returns the effects to run when a job moves from prev to next.
// Moving between two statuses with identical entry effects, or staying in
// the same status, runs nothing.
func Entered(prev, next models.Status) []Effect {
	if Stage(prev) == Stage(next) {
		return nil
	}
	r := table[next]
	if r.Tracked && Tracked(prev) {
		return nil
	}
	return r.OnEnter
}
