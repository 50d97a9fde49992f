package model

import "time"

// Core domain types for victims, responders and plans.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Victim struct {
	ID                 string       `json:"victim_id"`
	Location           GeoPoint     `json:"location"`
	DetectedAt         time.Time    `json:"detected_at"`
	Injury             InjuryLevel  `json:"injury_level"`
	SurvivalLikelihood float64      `json:"survival_likelihood"`
	ScoredAt           time.Time    `json:"scored_at,omitempty"`
	Urgency            float64      `json:"urgency"`
	Status             VictimStatus `json:"status"`
	ResponderID        string       `json:"responder_id,omitempty"`
	RescuedAt          *time.Time   `json:"rescued_at,omitempty"`

	// UnreachableEpoch is the store's capacity epoch when the victim last
	// became unreachable. It re-enters planning once the epoch moves past it.
	UnreachableEpoch uint64 `json:"-"`
}

// Active reports whether the victim may still take part in planning.
func (v Victim) Active() bool { return !v.Status.Terminal() }

type Responder struct {
	ID                string          `json:"responder_id"`
	Location          GeoPoint        `json:"location"`
	Depot             *GeoPoint       `json:"depot,omitempty"`
	Capacity          int             `json:"capacity"`
	RemainingCapacity int             `json:"remaining_capacity"`
	SpeedMps          float64         `json:"speed_mps"`
	RangeM            float64         `json:"range_m,omitempty"` // 0 = unlimited
	AvailableUntil    *time.Time      `json:"available_until,omitempty"`
	Status            ResponderStatus `json:"status"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Available reports whether the responder can take new work at now.
func (r Responder) Available(now time.Time) bool {
	if r.Status == ResponderReturning {
		return false
	}
	if r.AvailableUntil != nil && !now.Before(*r.AvailableUntil) {
		return false
	}
	return true
}

// Route is the ordered stop list of one responder inside a Plan.
type Route struct {
	ResponderID         string      `json:"responder_id"`
	VictimIDs           []string    `json:"ordered_victim_ids"`
	Arrivals            []time.Time `json:"arrivals,omitempty"`
	CumulativeDistanceM float64     `json:"cumulative_distance"`
	EstimatedCompletion time.Time   `json:"estimated_completion_time"`
	Feasible            bool        `json:"feasible"`
}

// Plan is one immutable solver output. It is superseded, never edited.
type Plan struct {
	ID          string    `json:"plan_id"`
	BaseVersion uint64    `json:"base_version"`
	CreatedAt   time.Time `json:"created_at"`
	Routes      []Route   `json:"routes"`
	Unreachable []string  `json:"unreachable,omitempty"`
	Objective   float64   `json:"objective"`
	Source      string    `json:"source"`

	// CapacityEpoch is the capacity epoch of the snapshot the plan was solved from.
	CapacityEpoch uint64 `json:"-"`
}

// Plan sources.
const (
	SourceSolve         = "solve"
	SourceRepair        = "repair"
	SourceStopCompleted = "stop-completed"
	SourceEmpty         = "empty"
)

// RouteFor returns the route of responderID, if any.
func (p *Plan) RouteFor(responderID string) (Route, bool) {
	if p == nil {
		return Route{}, false
	}
	for _, r := range p.Routes {
		if r.ResponderID == responderID {
			return r, true
		}
	}
	return Route{}, false
}

// Assignments maps victim id to responder id for every routed victim.
func (p *Plan) Assignments() map[string]string {
	out := map[string]string{}
	if p == nil {
		return out
	}
	for _, r := range p.Routes {
		for _, id := range r.VictimIDs {
			out[id] = r.ResponderID
		}
	}
	return out
}

// Boundary events consumed from the telemetry and scoring pipelines.

type DetectionEvent struct {
	VictimID           string    `json:"victim_id"`
	Lat                float64   `json:"lat"`
	Lon                float64   `json:"lon"`
	InjuryLevel        string    `json:"injury_level"`
	SurvivalLikelihood float64   `json:"survival_likelihood"`
	DetectedAt         time.Time `json:"detected_at"`
}

type LikelihoodEvent struct {
	VictimID           string    `json:"victim_id"`
	SurvivalLikelihood float64   `json:"survival_likelihood"`
	ScoredAt           time.Time `json:"scored_at"`
}

type ResponderEvent struct {
	ResponderID       string     `json:"responder_id"`
	Lat               float64    `json:"lat"`
	Lon               float64    `json:"lon"`
	RemainingCapacity *int       `json:"remaining_capacity,omitempty"`
	Status            string     `json:"status"`
	AvailableUntil    *time.Time `json:"available_until,omitempty"`
	Capacity          *int       `json:"capacity,omitempty"`
	SpeedMps          *float64   `json:"speed_mps,omitempty"`
	RangeM            *float64   `json:"range_m,omitempty"`
	DepotLat          *float64   `json:"depot_lat,omitempty"`
	DepotLon          *float64   `json:"depot_lon,omitempty"`
}

type StopCompletion struct {
	ResponderID string    `json:"responder_id"`
	VictimID    string    `json:"victim_id"`
	At          time.Time `json:"at"`
}

// SystemStatus is the dashboard summary of the incident.
type SystemStatus struct {
	TotalVictims        int            `json:"total_victims"`
	VictimsByStatus     map[string]int `json:"victims_by_status"`
	TotalResponders     int            `json:"total_responders"`
	AvailableResponders int            `json:"available_responders"`
	AverageLikelihood   float64        `json:"average_survival_likelihood"`
	SystemLoad          float64        `json:"system_load"`
	PlanID              string         `json:"plan_id,omitempty"`
	StoreVersion        uint64         `json:"store_version"`
}
