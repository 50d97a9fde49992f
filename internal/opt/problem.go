package opt

import (
	"time"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
)

// Stop is one victim to visit. Weight is its urgency.
type Stop struct {
	ID     string
	Loc    model.GeoPoint
	Weight float64
}

// Vehicle is one responder as seen by the solver.
type Vehicle struct {
	ID       string
	Start    model.GeoPoint
	SpeedMps float64
	Capacity int           // max stops on the route, pinned included
	Deadline time.Duration // latest service completion, relative to solve start; 0 = none
	RangeM   float64       // max travel distance; 0 = none
	Pinned   []int         // stop indices fixed at the head of the route, in order

	// Depot, when set, is where the vehicle unloads after its last stop. The
	// return leg counts against RangeM and Deadline.
	Depot *model.GeoPoint
}

// Problem is an immutable solver input.
type Problem struct {
	Stops           []Stop
	Vehicles        []Vehicle
	Cost            geo.CostModel
	ServiceTime     time.Duration // on-scene time per stop
	UnservedPenalty time.Duration // completion time charged to an unserved stop
}

// RoutePlan is the stop order of one vehicle. Order holds indices into Problem.Stops.
type RoutePlan struct {
	VehicleID string
	Order     []int
}

// Solution is a full assignment.
type Solution struct {
	Plans      []RoutePlan
	Unassigned []int
	Objective  float64
}

// Metrics describes one solver run.
type Metrics struct {
	Source           string        `json:"source"`
	Stops            int           `json:"stops"`
	Vehicles         int           `json:"vehicles"`
	Iterations       int           `json:"iterations"`
	Relocations      int           `json:"relocations"`
	Exchanges        int           `json:"exchanges"`
	Reversals        int           `json:"reversals"`
	LateInsertions   int           `json:"lateInsertions"`
	InitialObjective float64       `json:"initialObjective"`
	FinalObjective   float64       `json:"finalObjective"`
	Unassigned       int           `json:"unassigned"`
	TimedOut         bool          `json:"timedOut"`
	Cancelled        bool          `json:"cancelled"`
	Elapsed          time.Duration `json:"elapsed"`
	FinishedAt       time.Time     `json:"finishedAt"`
}

// RouteEval is the schedule of one route.
type RouteEval struct {
	Arrivals []float64 // seconds from start to arrival at each stop
	DistM    float64
	ReturnM  float64 // last stop back to the depot
	EndSec   float64 // service completion of the last stop
	Weighted float64 // sum of weight * arrival
	Feasible bool
}
