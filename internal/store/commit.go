package store

import (
	"context"
	"fmt"

	"rescuenav/internal/model"
)

// CommitPlan validates plan against current state, installs it and applies
// its assignments. A plan computed from an older version is accepted when the
// changes since then leave its routes valid; otherwise ErrStaleSnapshot and
// nothing changes. Structural violations return ErrCorrupt.
func (m *Memory) CommitPlan(ctx context.Context, plan model.Plan) (model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStructure(plan); err != nil {
		return model.Plan{}, err
	}
	if err := m.reconcile(plan); err != nil {
		return model.Plan{}, err
	}
	if err := m.apply(plan); err != nil {
		return model.Plan{}, err
	}
	m.version.Add(1)
	committed := clonePlan(&plan)
	m.plan.Store(committed)
	return *clonePlan(committed), nil
}

// checkStructure rejects plans that reference unknown entities or route a
// victim more than once.
func (m *Memory) checkStructure(plan model.Plan) error {
	seenR := map[string]bool{}
	seenV := map[string]bool{}
	for _, rt := range plan.Routes {
		if _, ok := m.responders[rt.ResponderID]; !ok {
			return fmt.Errorf("commit %s: unknown responder %q: %w", plan.ID, rt.ResponderID, ErrCorrupt)
		}
		if seenR[rt.ResponderID] {
			return fmt.Errorf("commit %s: responder %q has two routes: %w", plan.ID, rt.ResponderID, ErrCorrupt)
		}
		seenR[rt.ResponderID] = true
		for _, id := range rt.VictimIDs {
			if _, ok := m.victims[id]; !ok {
				return fmt.Errorf("commit %s: unknown victim %q: %w", plan.ID, id, ErrCorrupt)
			}
			if seenV[id] {
				return fmt.Errorf("commit %s: victim %q routed twice: %w", plan.ID, id, ErrCorrupt)
			}
			seenV[id] = true
		}
	}
	for _, id := range plan.Unreachable {
		if _, ok := m.victims[id]; !ok {
			return fmt.Errorf("commit %s: unknown victim %q: %w", plan.ID, id, ErrCorrupt)
		}
		if seenV[id] {
			return fmt.Errorf("commit %s: victim %q both routed and unreachable: %w", plan.ID, id, ErrCorrupt)
		}
	}
	return nil
}

// reconcile checks that plan still fits current state: routed victims are
// active, en-route victims stay at the head of their responder's route, and
// no route exceeds what its responder can take now.
func (m *Memory) reconcile(plan model.Plan) error {
	now := m.Now()
	stale := func(format string, args ...any) error {
		return fmt.Errorf("commit %s (base %d, now %d): %s: %w",
			plan.ID, plan.BaseVersion, m.version.Load(), fmt.Sprintf(format, args...), ErrStaleSnapshot)
	}
	enRoute := map[string]int{}
	for _, v := range m.victims {
		if v.Status != model.VictimEnRoute || v.ResponderID == "" {
			continue
		}
		enRoute[v.ResponderID]++
		rt, ok := plan.RouteFor(v.ResponderID)
		if !ok || len(rt.VictimIDs) == 0 || rt.VictimIDs[0] != v.ID {
			return stale("en-route victim %s moved", v.ID)
		}
	}
	for _, rt := range plan.Routes {
		r := m.responders[rt.ResponderID]
		limit := r.RemainingCapacity
		if !r.Available(now) {
			limit = 0
		}
		limit = max(limit, enRoute[r.ID])
		if len(rt.VictimIDs) > limit {
			return stale("responder %s can take %d stops, route has %d", r.ID, limit, len(rt.VictimIDs))
		}
		for _, id := range rt.VictimIDs {
			if !m.victims[id].Active() {
				return stale("victim %s no longer active", id)
			}
		}
	}
	return nil
}

// apply moves every victim and responder to the state plan implies.
func (m *Memory) apply(plan model.Plan) error {
	routed := map[string]bool{}
	for _, rt := range plan.Routes {
		for k, id := range rt.VictimIDs {
			v := m.victims[id]
			target := model.VictimAssigned
			if k == 0 {
				target = model.VictimEnRoute
			}
			if v.ResponderID != rt.ResponderID && v.Status == model.VictimEnRoute {
				if err := v.Transition(model.VictimDetected); err != nil {
					return err
				}
			}
			if err := moveTo(v, target); err != nil {
				return fmt.Errorf("commit %s: %w", plan.ID, err)
			}
			v.ResponderID = rt.ResponderID
			routed[id] = true
		}
	}
	unreachable := map[string]bool{}
	for _, id := range plan.Unreachable {
		unreachable[id] = true
	}
	for id, v := range m.victims {
		if routed[id] || !v.Active() {
			continue
		}
		if !unreachable[id] && v.Status == model.VictimUnreachable && v.UnreachableEpoch >= plan.CapacityEpoch {
			// held out of the solve; stays unreachable
			continue
		}
		target := model.VictimDetected
		if unreachable[id] {
			target = model.VictimUnreachable
			if v.Status != model.VictimUnreachable {
				v.UnreachableEpoch = plan.CapacityEpoch
			}
		}
		if err := moveTo(v, target); err != nil {
			return fmt.Errorf("commit %s: %w", plan.ID, err)
		}
	}
	for id, r := range m.responders {
		rt, ok := plan.RouteFor(id)
		busy := ok && len(rt.VictimIDs) > 0
		switch {
		case busy && r.Status == model.ResponderIdle:
			r.Status = model.ResponderRouting
		case !busy && r.Status == model.ResponderRouting:
			r.Status = model.ResponderIdle
		}
	}
	return nil
}

// moveTo walks v through legal transitions until it reaches to.
func moveTo(v *model.Victim, to model.VictimStatus) error {
	for step := 0; v.Status != to; step++ {
		if step > 3 {
			return fmt.Errorf("victim %s: no path %s -> %s: %w", v.ID, v.Status, to, model.ErrIllegalTransition)
		}
		next := to
		switch {
		case v.Status.CanTransition(to):
		case v.Status == model.VictimUnreachable, v.Status == model.VictimEnRoute:
			next = model.VictimDetected
		case v.Status == model.VictimDetected:
			next = model.VictimAssigned
		default:
			return fmt.Errorf("victim %s: no path %s -> %s: %w", v.ID, v.Status, to, model.ErrIllegalTransition)
		}
		if err := v.Transition(next); err != nil {
			return err
		}
	}
	return nil
}
