package opt

import (
	"context"
	"time"
)

// checkEvery is how many move evaluations run between budget checks.
const checkEvery = 64

// Solve builds a greedy urgency-ordered insertion and improves it with
// relocation and exchange moves until the budget elapses, ctx is done, or
// no improving move remains. The objective is the urgency-weighted sum of
// arrival times; unserved stops are charged UnservedPenalty.
// Solve never fails: when time runs out the best solution found is returned.
func Solve(ctx context.Context, p Problem, budget time.Duration) (Solution, Metrics) {
	start := time.Now()
	in := newInstance(p)
	m := Metrics{Source: "solve", Stops: len(p.Stops), Vehicles: len(p.Vehicles)}

	plans := in.emptyPlans()
	left := in.greedyInsert(plans, in.freeStops())
	sol := Solution{Plans: plans, Unassigned: left}
	sol.Objective = in.objective(sol)
	m.InitialObjective = sol.Objective

	ls := &search{in: in, ctx: ctx, m: &m}
	if budget > 0 {
		ls.deadline = start.Add(budget)
	}
	ls.run(&sol)

	sol.Objective = in.objective(sol)
	m.FinalObjective = sol.Objective
	m.Unassigned = len(sol.Unassigned)
	m.Elapsed = time.Since(start)
	m.FinishedAt = time.Now()
	return sol, m
}

// Repair keeps seed as far as it stays feasible and only inserts the stops
// seed does not cover. seed maps vehicle ID to stop indices in visiting
// order; pinned stops always lead their vehicle's route regardless of seed.
func Repair(p Problem, seed map[string][]int) (Solution, Metrics) {
	start := time.Now()
	in := newInstance(p)
	m := Metrics{Source: "repair", Stops: len(p.Stops), Vehicles: len(p.Vehicles)}

	plans := in.emptyPlans()
	placed := make([]bool, len(p.Stops))
	for s := range p.Stops {
		placed[s] = in.pinned[s]
	}
	for vi := range plans {
		for _, s := range seed[plans[vi].VehicleID] {
			if s < 0 || s >= len(p.Stops) || placed[s] {
				continue
			}
			cand := append(append([]int{}, plans[vi].Order...), s)
			if !in.eval(vi, cand).Feasible {
				continue
			}
			plans[vi].Order = cand
			placed[s] = true
		}
	}
	var todo []int
	for s, ok := range placed {
		if !ok {
			todo = append(todo, s)
		}
	}
	left := in.greedyInsert(plans, todo)
	sol := Solution{Plans: plans, Unassigned: left}
	sol.Objective = in.objective(sol)
	m.InitialObjective = sol.Objective
	m.FinalObjective = sol.Objective
	m.Unassigned = len(left)
	m.Elapsed = time.Since(start)
	m.FinishedAt = time.Now()
	return sol, m
}

// Evaluate schedules every route of sol.
func Evaluate(p Problem, sol Solution) []RouteEval {
	in := newInstance(p)
	out := make([]RouteEval, len(sol.Plans))
	for vi, pl := range sol.Plans {
		out[vi] = in.eval(vi, pl.Order)
	}
	return out
}

type search struct {
	in       *instance
	ctx      context.Context
	deadline time.Time
	m        *Metrics
	evals    int
	stopped  bool
}

// expired checks the budget every checkEvery calls.
func (s *search) expired() bool {
	if s.stopped {
		return true
	}
	s.evals++
	if s.evals%checkEvery != 0 {
		return false
	}
	return s.checkNow()
}

func (s *search) checkNow() bool {
	if s.ctx != nil && s.ctx.Err() != nil {
		s.m.Cancelled = true
		s.stopped = true
	} else if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		s.m.TimedOut = true
		s.stopped = true
	}
	return s.stopped
}

func (s *search) run(sol *Solution) {
	for !s.checkNow() {
		s.m.Iterations++
		improved := s.relocate(sol) || s.exchange(sol) || s.twoOpt(sol) || s.insertUnassigned(sol)
		if !improved {
			return
		}
	}
}

// relocate moves one free stop to another position, on the same or another
// route, and applies the first move that lowers the objective.
func (s *search) relocate(sol *Solution) bool {
	in := s.in
	plans := sol.Plans
	for a := range plans {
		ordA := plans[a].Order
		costA := in.eval(a, ordA).Weighted
		for i := len(in.vehicles[a].Pinned); i < len(ordA); i++ {
			st := ordA[i]
			without := removeAt(ordA, i)
			evWithout := in.eval(a, without)
			for b := range plans {
				if s.expired() {
					return false
				}
				if b == a {
					for j := len(in.vehicles[a].Pinned); j <= len(without); j++ {
						if j == i {
							continue
						}
						cand := insertAt(without, j, st)
						ev := in.eval(a, cand)
						if !in.acceptable(a, cand, ev) || ev.Weighted >= costA-eps {
							continue
						}
						plans[a].Order = cand
						s.m.Relocations++
						return true
					}
					continue
				}
				ordB := plans[b].Order
				if len(ordB) >= in.vehicles[b].Capacity {
					continue
				}
				if !in.acceptable(a, without, evWithout) {
					continue
				}
				costB := in.eval(b, ordB).Weighted
				for j := len(in.vehicles[b].Pinned); j <= len(ordB); j++ {
					cand := insertAt(ordB, j, st)
					ev := in.eval(b, cand)
					if !ev.Feasible {
						continue
					}
					if evWithout.Weighted+ev.Weighted >= costA+costB-eps {
						continue
					}
					plans[a].Order = without
					plans[b].Order = cand
					s.m.Relocations++
					return true
				}
			}
		}
	}
	return false
}

// exchange swaps two free stops, within a route or between two routes.
func (s *search) exchange(sol *Solution) bool {
	in := s.in
	plans := sol.Plans
	for a := range plans {
		for b := a; b < len(plans); b++ {
			ordA, ordB := plans[a].Order, plans[b].Order
			costA := in.eval(a, ordA).Weighted
			costB := 0.0
			if b != a {
				costB = in.eval(b, ordB).Weighted
			}
			for i := len(in.vehicles[a].Pinned); i < len(ordA); i++ {
				jStart := len(in.vehicles[b].Pinned)
				if b == a {
					jStart = i + 1
				}
				for j := jStart; j < len(ordB); j++ {
					if s.expired() {
						return false
					}
					if b == a {
						cand := append([]int{}, ordA...)
						cand[i], cand[j] = cand[j], cand[i]
						ev := in.eval(a, cand)
						if !in.acceptable(a, cand, ev) || ev.Weighted >= costA-eps {
							continue
						}
						plans[a].Order = cand
						s.m.Exchanges++
						return true
					}
					candA := append([]int{}, ordA...)
					candB := append([]int{}, ordB...)
					candA[i], candB[j] = ordB[j], ordA[i]
					evA := in.eval(a, candA)
					evB := in.eval(b, candB)
					if !evA.Feasible || !evB.Feasible {
						continue
					}
					if evA.Weighted+evB.Weighted >= costA+costB-eps {
						continue
					}
					plans[a].Order = candA
					plans[b].Order = candB
					s.m.Exchanges++
					return true
				}
			}
		}
	}
	return false
}

// twoOpt reverses a segment of free stops within one route.
func (s *search) twoOpt(sol *Solution) bool {
	in := s.in
	for a := range sol.Plans {
		ord := sol.Plans[a].Order
		cost := in.eval(a, ord).Weighted
		for i := len(in.vehicles[a].Pinned); i < len(ord)-2; i++ {
			for j := i + 2; j < len(ord); j++ {
				if s.expired() {
					return false
				}
				cand := append([]int{}, ord...)
				for l, r := i, j; l < r; l, r = l+1, r-1 {
					cand[l], cand[r] = cand[r], cand[l]
				}
				ev := in.eval(a, cand)
				if !in.acceptable(a, cand, ev) || ev.Weighted >= cost-eps {
					continue
				}
				sol.Plans[a].Order = cand
				s.m.Reversals++
				return true
			}
		}
	}
	return false
}

// insertUnassigned retries stops that had no feasible slot; earlier moves may
// have opened one.
func (s *search) insertUnassigned(sol *Solution) bool {
	if len(sol.Unassigned) == 0 {
		return false
	}
	before := len(sol.Unassigned)
	sol.Unassigned = s.in.greedyInsert(sol.Plans, sol.Unassigned)
	n := before - len(sol.Unassigned)
	s.m.LateInsertions += n
	return n > 0
}
