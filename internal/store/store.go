package store

import (
	"errors"
	"time"

	"rescuenav/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleSnapshot means the plan was computed from a snapshot that no
	// longer reconciles with current state.
	ErrStaleSnapshot = errors.New("stale snapshot")
	// ErrCorrupt means a plan references entities the store has never seen or
	// breaks a structural invariant. Planning must stop.
	ErrCorrupt = errors.New("corrupt plan")
)

// Detection is a validated victim detection.
type Detection struct {
	VictimID           string
	Location           model.GeoPoint
	Injury             model.InjuryLevel
	SurvivalLikelihood float64
	DetectedAt         time.Time
}

// ResponderUpdate is a validated responder state report. Nil fields keep the current value.
type ResponderUpdate struct {
	ResponderID       string
	Location          model.GeoPoint
	Status            model.ResponderStatus
	RemainingCapacity *int
	Capacity          *int
	SpeedMps          *float64
	RangeM            *float64
	Depot             *model.GeoPoint
	AvailableUntil    *time.Time
	At                time.Time
}

type VictimChange struct {
	Prev *model.Victim // nil when the victim is new
	Next model.Victim
}

type ResponderChange struct {
	Prev *model.Responder
	Next model.Responder
}

// Snapshot is a consistent point-in-time copy of all entities.
type Snapshot struct {
	Version    uint64
	TakenAt    time.Time
	Victims    []model.Victim    // sorted by ID
	Responders []model.Responder // sorted by ID
	Plan       *model.Plan

	// CapacityEpoch counts the times a responder gained capacity or availability.
	CapacityEpoch uint64
}

// Pinned maps responder ID to its en-route victims in route order.
func (s Snapshot) Pinned() map[string][]string {
	out := map[string][]string{}
	for _, v := range s.Victims {
		if v.Status == model.VictimEnRoute && v.ResponderID != "" {
			out[v.ResponderID] = append(out[v.ResponderID], v.ID)
		}
	}
	return out
}
