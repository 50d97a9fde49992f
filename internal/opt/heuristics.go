package opt

import (
	"math"
	"sort"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
)

const eps = 1e-6

// instance is a Problem with a precomputed distance matrix.
// Matrix points are vehicle starts first, then stops, then depots.
type instance struct {
	p        Problem
	m        *geo.Matrix
	nv       int
	depot    []int  // matrix index of each vehicle's depot, -1 for none
	pinned   []bool // by stop index
	service  float64
	penalty  float64
	vehicles []Vehicle
}

func newInstance(p Problem) *instance {
	if p.Cost == nil {
		p.Cost = geo.Haversine{}
	}
	points := make([]model.GeoPoint, 0, len(p.Vehicles)+len(p.Stops))
	for _, v := range p.Vehicles {
		points = append(points, v.Start)
	}
	for _, s := range p.Stops {
		points = append(points, s.Loc)
	}
	depot := make([]int, len(p.Vehicles))
	for vi, v := range p.Vehicles {
		depot[vi] = -1
		if v.Depot != nil {
			depot[vi] = len(points)
			points = append(points, *v.Depot)
		}
	}
	in := &instance{
		p:        p,
		m:        geo.NewMatrix(p.Cost, points),
		nv:       len(p.Vehicles),
		depot:    depot,
		pinned:   make([]bool, len(p.Stops)),
		service:  p.ServiceTime.Seconds(),
		penalty:  p.UnservedPenalty.Seconds(),
		vehicles: p.Vehicles,
	}
	if in.penalty <= 0 {
		in.penalty = 24 * 3600
	}
	for _, v := range p.Vehicles {
		for _, s := range v.Pinned {
			in.pinned[s] = true
		}
	}
	return in
}

// eval schedules order on vehicle vi.
func (in *instance) eval(vi int, order []int) RouteEval {
	v := in.vehicles[vi]
	speed := v.SpeedMps
	if speed <= 0 {
		speed = geo.DefaultSpeedMps
	}
	ev := RouteEval{Arrivals: make([]float64, len(order)), Feasible: true}
	pos := vi
	t := 0.0
	for k, s := range order {
		leg := in.m.At(pos, in.nv+s)
		ev.DistM += leg
		t += leg / speed
		ev.Arrivals[k] = t
		ev.Weighted += in.p.Stops[s].Weight * t
		t += in.service
		if v.Deadline > 0 && t > v.Deadline.Seconds()+eps {
			ev.Feasible = false
		}
		pos = in.nv + s
	}
	ev.EndSec = t
	if len(order) > 0 && in.depot[vi] >= 0 {
		ev.ReturnM = in.m.At(pos, in.depot[vi])
		if v.Deadline > 0 && t+ev.ReturnM/speed > v.Deadline.Seconds()+eps {
			ev.Feasible = false
		}
	}
	if len(order) > v.Capacity {
		ev.Feasible = false
	}
	if v.RangeM > 0 && ev.DistM+ev.ReturnM > v.RangeM+eps {
		ev.Feasible = false
	}
	return ev
}

// acceptable is eval feasibility, except that a route holding only its pinned
// stops is always kept.
func (in *instance) acceptable(vi int, order []int, ev RouteEval) bool {
	if ev.Feasible {
		return true
	}
	return len(order) == len(in.vehicles[vi].Pinned)
}

func (in *instance) objective(s Solution) float64 {
	total := 0.0
	for vi, pl := range s.Plans {
		total += in.eval(vi, pl.Order).Weighted
	}
	for _, u := range s.Unassigned {
		total += in.p.Stops[u].Weight * in.penalty
	}
	return total
}

// insertAt returns a copy of order with s at position pos.
func insertAt(order []int, pos, s int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, s)
	return append(out, order[pos:]...)
}

// removeAt returns a copy of order without position pos.
func removeAt(order []int, pos int) []int {
	out := make([]int, 0, len(order))
	out = append(out, order[:pos]...)
	return append(out, order[pos+1:]...)
}

// bestInsertion finds the cheapest feasible (vehicle, position) for stop s,
// measured as service-completion time added to the route. Ties keep the
// lowest vehicle index then the earliest position.
func (in *instance) bestInsertion(plans []RoutePlan, s int) (vi, pos int, ok bool) {
	best := math.MaxFloat64
	vi, pos = -1, -1
	for v := range plans {
		order := plans[v].Order
		if len(order) >= in.vehicles[v].Capacity {
			continue
		}
		base := in.eval(v, order).EndSec
		for p := len(in.vehicles[v].Pinned); p <= len(order); p++ {
			cand := insertAt(order, p, s)
			ev := in.eval(v, cand)
			if !ev.Feasible {
				continue
			}
			delta := ev.EndSec - base
			if delta < best-eps {
				best = delta
				vi, pos = v, p
			}
		}
	}
	return vi, pos, vi >= 0
}

// urgencyOrder returns stop indices by weight desc, then ID asc.
func (in *instance) urgencyOrder(idx []int) []int {
	out := append([]int(nil), idx...)
	sort.SliceStable(out, func(a, b int) bool {
		sa, sb := in.p.Stops[out[a]], in.p.Stops[out[b]]
		if sa.Weight != sb.Weight {
			return sa.Weight > sb.Weight
		}
		return sa.ID < sb.ID
	})
	return out
}

// greedyInsert places each stop of todo, most urgent first, at its cheapest
// feasible position. Stops with no feasible position are returned.
func (in *instance) greedyInsert(plans []RoutePlan, todo []int) []int {
	var left []int
	for _, s := range in.urgencyOrder(todo) {
		vi, pos, ok := in.bestInsertion(plans, s)
		if !ok {
			left = append(left, s)
			continue
		}
		plans[vi].Order = insertAt(plans[vi].Order, pos, s)
	}
	sort.Ints(left)
	return left
}

// emptyPlans returns one route per vehicle holding only its pinned stops.
func (in *instance) emptyPlans() []RoutePlan {
	plans := make([]RoutePlan, in.nv)
	for vi, v := range in.vehicles {
		plans[vi] = RoutePlan{VehicleID: v.ID, Order: append([]int{}, v.Pinned...)}
	}
	return plans
}

func (in *instance) freeStops() []int {
	var out []int
	for s := range in.p.Stops {
		if !in.pinned[s] {
			out = append(out, s)
		}
	}
	return out
}
