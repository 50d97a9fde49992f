package opt

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
)

// Planner turns entity snapshots into solver problems and solver output into Plans.
type Planner struct {
	Cost            geo.CostModel
	ServiceTime     time.Duration
	UnservedPenalty time.Duration
	DefaultSpeedMps float64
}

// Input is a read-only planning snapshot.
type Input struct {
	Now     time.Time
	Version uint64
	// Responders eligible for this cycle.
	Responders []model.Responder
	// Victims to route, Urgency already computed. Pinned victims included.
	Victims []model.Victim
	// Pinned maps responder ID to en-route victim IDs that must stay at the head of its route.
	Pinned map[string][]string
	// Closed lists responders that keep their pinned stops but take no new work.
	Closed map[string]bool
	// Epoch is the capacity epoch of the snapshot.
	Epoch uint64
}

// problem is an Input lowered to solver indices.
type problem struct {
	Problem
	victims []model.Victim
	index   map[string]int
}

func (p Planner) lower(in Input) problem {
	victims := append([]model.Victim(nil), in.Victims...)
	sort.Slice(victims, func(i, j int) bool { return victims[i].ID < victims[j].ID })
	responders := append([]model.Responder(nil), in.Responders...)
	sort.Slice(responders, func(i, j int) bool { return responders[i].ID < responders[j].ID })

	pr := problem{victims: victims, index: make(map[string]int, len(victims))}
	pr.Cost = p.Cost
	pr.ServiceTime = p.ServiceTime
	pr.UnservedPenalty = p.UnservedPenalty
	for i, v := range victims {
		pr.index[v.ID] = i
		pr.Stops = append(pr.Stops, Stop{ID: v.ID, Loc: v.Location, Weight: v.Urgency})
	}
	for _, r := range responders {
		veh := Vehicle{
			ID:       r.ID,
			Start:    r.Location,
			SpeedMps: r.SpeedMps,
			Capacity: r.RemainingCapacity,
			RangeM:   r.RangeM,
			Depot:    r.Depot,
		}
		if veh.SpeedMps <= 0 {
			veh.SpeedMps = p.DefaultSpeedMps
		}
		if r.AvailableUntil != nil {
			veh.Deadline = r.AvailableUntil.Sub(in.Now)
			if veh.Deadline <= 0 {
				veh.Deadline = time.Nanosecond
			}
		}
		for _, id := range in.Pinned[r.ID] {
			if s, ok := pr.index[id]; ok {
				veh.Pinned = append(veh.Pinned, s)
			}
		}
		if in.Closed[r.ID] || veh.Capacity < len(veh.Pinned) {
			veh.Capacity = len(veh.Pinned)
		}
		pr.Vehicles = append(pr.Vehicles, veh)
	}
	return pr
}

// Solve runs the full search within budget and returns a new Plan.
// With no eligible responder it returns an empty Plan and every victim stays detected.
func (p Planner) Solve(ctx context.Context, in Input, budget time.Duration) (model.Plan, Metrics) {
	pr := p.lower(in)
	if len(pr.Vehicles) == 0 {
		return p.empty(in), Metrics{Source: "empty", Stops: len(pr.Stops), FinishedAt: time.Now()}
	}
	sol, m := Solve(ctx, pr.Problem, budget)
	return p.build(in, pr, sol, model.SourceSolve), m
}

// Repair keeps prev's assignment where still valid and inserts everything else.
func (p Planner) Repair(in Input, prev *model.Plan) (model.Plan, Metrics) {
	pr := p.lower(in)
	if len(pr.Vehicles) == 0 {
		return p.empty(in), Metrics{Source: "empty", Stops: len(pr.Stops), FinishedAt: time.Now()}
	}
	seed := map[string][]int{}
	if prev != nil {
		for _, r := range prev.Routes {
			for _, id := range r.VictimIDs {
				if s, ok := pr.index[id]; ok {
					seed[r.ResponderID] = append(seed[r.ResponderID], s)
				}
			}
		}
	}
	sol, m := Repair(pr.Problem, seed)
	return p.build(in, pr, sol, model.SourceRepair), m
}

// Objective re-scores plan against in; victims of in missing from plan count as unserved.
func (p Planner) Objective(in Input, plan model.Plan) float64 {
	pr := p.lower(in)
	sol := Solution{Plans: make([]RoutePlan, len(pr.Vehicles))}
	routed := make([]bool, len(pr.Stops))
	for vi, v := range pr.Vehicles {
		sol.Plans[vi].VehicleID = v.ID
		r, _ := plan.RouteFor(v.ID)
		for _, id := range r.VictimIDs {
			if s, ok := pr.index[id]; ok && !routed[s] {
				sol.Plans[vi].Order = append(sol.Plans[vi].Order, s)
				routed[s] = true
			}
		}
	}
	for s, ok := range routed {
		if !ok {
			sol.Unassigned = append(sol.Unassigned, s)
		}
	}
	return newInstance(pr.Problem).objective(sol)
}

func (p Planner) empty(in Input) model.Plan {
	return model.Plan{
		ID:            uuid.New().String(),
		BaseVersion:   in.Version,
		CreatedAt:     in.Now,
		Routes:        []model.Route{},
		Source:        model.SourceEmpty,
		CapacityEpoch: in.Epoch,
	}
}

func (p Planner) build(in Input, pr problem, sol Solution, source string) model.Plan {
	evals := Evaluate(pr.Problem, sol)
	plan := model.Plan{
		ID:            uuid.New().String(),
		BaseVersion:   in.Version,
		CreatedAt:     in.Now,
		Routes:        make([]model.Route, 0, len(sol.Plans)),
		Objective:     sol.Objective,
		Source:        source,
		CapacityEpoch: in.Epoch,
	}
	for vi, pl := range sol.Plans {
		ev := evals[vi]
		r := model.Route{
			ResponderID:         pl.VehicleID,
			VictimIDs:           make([]string, 0, len(pl.Order)),
			Arrivals:            make([]time.Time, 0, len(pl.Order)),
			CumulativeDistanceM: ev.DistM,
			EstimatedCompletion: in.Now.Add(secs(ev.EndSec)),
			Feasible:            ev.Feasible,
		}
		for k, s := range pl.Order {
			r.VictimIDs = append(r.VictimIDs, pr.Stops[s].ID)
			r.Arrivals = append(r.Arrivals, in.Now.Add(secs(ev.Arrivals[k])))
		}
		plan.Routes = append(plan.Routes, r)
	}
	for _, s := range sol.Unassigned {
		plan.Unreachable = append(plan.Unreachable, pr.Stops[s].ID)
	}
	return plan
}

func secs(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
