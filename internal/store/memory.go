package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
)

// Memory is the entity store. Every mutation runs under mu and bumps the
// version; the committed plan is swapped atomically so plan reads never block.
type Memory struct {
	mu         sync.Mutex
	version    atomic.Uint64
	victims    map[string]*model.Victim
	responders map[string]*model.Responder
	plan       atomic.Pointer[model.Plan]
	epoch      uint64 // capacity epoch, guarded by mu

	// Cost recomputes route distance when a derived plan drops a stop.
	Cost geo.CostModel
	Now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		victims:    map[string]*model.Victim{},
		responders: map[string]*model.Responder{},
		Cost:       geo.Haversine{},
		Now:        time.Now,
	}
}

func (m *Memory) Version() uint64 { return m.version.Load() }

// CurrentPlan returns the committed plan, nil before the first commit.
func (m *Memory) CurrentPlan() *model.Plan { return m.plan.Load() }

// UpsertVictim records a detection. A re-detection updates location, injury and
// likelihood, keeps the first DetectedAt, and makes an unreachable victim
// eligible again.
func (m *Memory) UpsertVictim(ctx context.Context, d Detection) (VictimChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.victims[d.VictimID]
	if !ok {
		nv := &model.Victim{
			ID:                 d.VictimID,
			Location:           d.Location,
			DetectedAt:         d.DetectedAt,
			Injury:             d.Injury,
			SurvivalLikelihood: d.SurvivalLikelihood,
			ScoredAt:           d.DetectedAt,
			Status:             model.VictimDetected,
		}
		m.victims[d.VictimID] = nv
		m.version.Add(1)
		return VictimChange{Next: *nv}, nil
	}
	if v.Status.Terminal() {
		return VictimChange{}, fmt.Errorf("detect %s: %w", d.VictimID, model.ErrIllegalTransition)
	}
	prev := *v
	v.Location = d.Location
	v.Injury = d.Injury
	if !d.DetectedAt.Before(v.ScoredAt) {
		v.SurvivalLikelihood = d.SurvivalLikelihood
		v.ScoredAt = d.DetectedAt
	}
	if d.DetectedAt.Before(v.DetectedAt) {
		v.DetectedAt = d.DetectedAt
	}
	if v.Status == model.VictimUnreachable {
		if err := v.Transition(model.VictimDetected); err != nil {
			return VictimChange{}, err
		}
	}
	m.version.Add(1)
	return VictimChange{Prev: &prev, Next: *v}, nil
}

// RefreshLikelihood applies a newer survival estimate. Out-of-order refreshes
// and refreshes for rescued victims are ignored.
func (m *Memory) RefreshLikelihood(ctx context.Context, id string, likelihood float64, scoredAt time.Time) (VictimChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.victims[id]
	if !ok {
		return VictimChange{}, fmt.Errorf("refresh %s: %w", id, ErrNotFound)
	}
	prev := *v
	if v.Status.Terminal() || scoredAt.Before(v.ScoredAt) {
		return VictimChange{Prev: &prev, Next: prev}, nil
	}
	v.SurvivalLikelihood = likelihood
	v.ScoredAt = scoredAt
	m.version.Add(1)
	return VictimChange{Prev: &prev, Next: *v}, nil
}

// UpdateResponder creates or updates a responder.
func (m *Memory) UpdateResponder(ctx context.Context, u ResponderUpdate) (ResponderChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := u.At
	if at.IsZero() {
		at = m.Now()
	}
	r, ok := m.responders[u.ResponderID]
	var change ResponderChange
	if !ok {
		r = &model.Responder{ID: u.ResponderID}
		switch {
		case u.Capacity != nil:
			r.Capacity = *u.Capacity
			r.RemainingCapacity = *u.Capacity
		case u.RemainingCapacity != nil:
			r.Capacity = *u.RemainingCapacity
		}
		m.responders[u.ResponderID] = r
	} else {
		prev := *r
		change.Prev = &prev
		if u.Capacity != nil {
			r.Capacity = *u.Capacity
		}
	}
	wasReturning := r.Status == model.ResponderReturning
	r.Location = u.Location
	r.Status = u.Status
	switch {
	case u.RemainingCapacity != nil:
		r.RemainingCapacity = *u.RemainingCapacity
	case wasReturning && u.Status == model.ResponderIdle:
		// back at the depot, unloaded
		r.RemainingCapacity = r.Capacity
	}
	if r.RemainingCapacity > r.Capacity {
		if u.Capacity != nil {
			r.RemainingCapacity = r.Capacity
		} else {
			r.Capacity = r.RemainingCapacity
		}
	}
	if u.SpeedMps != nil {
		r.SpeedMps = *u.SpeedMps
	}
	if u.RangeM != nil {
		r.RangeM = *u.RangeM
	}
	if u.Depot != nil {
		d := *u.Depot
		r.Depot = &d
	}
	if u.AvailableUntil != nil {
		t := *u.AvailableUntil
		r.AvailableUntil = &t
	}
	r.UpdatedAt = at
	m.version.Add(1)
	change.Next = copyResponder(r)
	if opensCapacity(change.Prev, change.Next, m.Now()) {
		m.epoch++
	}
	return change, nil
}

// opensCapacity reports whether next can take work prev could not: it is new
// or newly available, gained capacity or range, had its availability
// extended, or came back idle.
func opensCapacity(prev *model.Responder, next model.Responder, now time.Time) bool {
	if !next.Available(now) || next.RemainingCapacity <= 0 {
		return false
	}
	if prev == nil || !prev.Available(now) || prev.RemainingCapacity <= 0 {
		return true
	}
	if next.RemainingCapacity > prev.RemainingCapacity {
		return true
	}
	if prev.RangeM > 0 && (next.RangeM == 0 || next.RangeM > prev.RangeM) {
		return true
	}
	if prev.AvailableUntil != nil && (next.AvailableUntil == nil || next.AvailableUntil.After(*prev.AvailableUntil)) {
		return true
	}
	return next.Status == model.ResponderIdle && prev.Status != model.ResponderIdle
}

// SetUrgencies stores the latest computed urgency. It does not bump the
// version: urgency is derived state and never invalidates a snapshot.
func (m *Memory) SetUrgencies(scores map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range scores {
		if v, ok := m.victims[id]; ok {
			v.Urgency = u
		}
	}
}

// CompleteStop records that responderID reached victimID. The victim becomes
// rescued, the responder's remaining capacity drops by one and the next stop
// of its route goes en route.
func (m *Memory) CompleteStop(ctx context.Context, responderID, victimID string, at time.Time) (model.Victim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[responderID]
	if !ok {
		return model.Victim{}, fmt.Errorf("complete: responder %s: %w", responderID, ErrNotFound)
	}
	v, ok := m.victims[victimID]
	if !ok {
		return model.Victim{}, fmt.Errorf("complete: victim %s: %w", victimID, ErrNotFound)
	}
	if v.ResponderID != "" && v.ResponderID != responderID {
		return model.Victim{}, fmt.Errorf("complete: victim %s is assigned to %s: %w", victimID, v.ResponderID, model.ErrIllegalTransition)
	}
	if err := v.Transition(model.VictimRescued); err != nil {
		return model.Victim{}, fmt.Errorf("complete: %w", err)
	}
	if at.IsZero() {
		at = m.Now()
	}
	v.ResponderID = responderID
	v.RescuedAt = &at
	if r.RemainingCapacity > 0 {
		r.RemainingCapacity--
	}
	r.Location = v.Location
	r.UpdatedAt = at
	m.version.Add(1)
	m.dropFromPlan(victimID, false)
	return *v, nil
}

// MarkUnreachable records an external report that the victim cannot be reached.
func (m *Memory) MarkUnreachable(ctx context.Context, id string) (model.Victim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.victims[id]
	if !ok {
		return model.Victim{}, fmt.Errorf("unreachable %s: %w", id, ErrNotFound)
	}
	if err := v.Transition(model.VictimUnreachable); err != nil {
		return model.Victim{}, fmt.Errorf("unreachable: %w", err)
	}
	v.UnreachableEpoch = m.epoch
	m.version.Add(1)
	m.dropFromPlan(id, true)
	return *v, nil
}

// dropFromPlan installs a plan derived from the current one without victimID.
// The new head of the affected route goes en route. Caller holds mu.
func (m *Memory) dropFromPlan(victimID string, unreachable bool) {
	cur := m.plan.Load()
	if cur == nil {
		return
	}
	next := clonePlan(cur)
	next.ID = uuid.New().String()
	next.BaseVersion = m.version.Load()
	next.CreatedAt = m.Now()
	next.Source = model.SourceStopCompleted
	found := false
	for i := range next.Routes {
		rt := &next.Routes[i]
		k := indexOf(rt.VictimIDs, victimID)
		if k < 0 {
			continue
		}
		found = true
		rt.VictimIDs = append(rt.VictimIDs[:k], rt.VictimIDs[k+1:]...)
		if k < len(rt.Arrivals) {
			rt.Arrivals = append(rt.Arrivals[:k], rt.Arrivals[k+1:]...)
		}
		if r, ok := m.responders[rt.ResponderID]; ok {
			rt.CumulativeDistanceM = m.pathDistance(r.Location, rt.VictimIDs)
			if len(rt.VictimIDs) == 0 {
				if r.Status == model.ResponderRouting {
					r.Status = model.ResponderIdle
					if r.Available(m.Now()) && r.RemainingCapacity > 0 {
						m.epoch++
					}
				}
			} else if head, ok := m.victims[rt.VictimIDs[0]]; ok && head.Status == model.VictimAssigned {
				_ = head.Transition(model.VictimEnRoute)
			}
		}
	}
	if unreachable && indexOf(next.Unreachable, victimID) < 0 {
		next.Unreachable = append(next.Unreachable, victimID)
	}
	if !found && !unreachable {
		return
	}
	m.plan.Store(next)
}

func (m *Memory) pathDistance(from model.GeoPoint, ids []string) float64 {
	d := 0.0
	pos := from
	for _, id := range ids {
		v, ok := m.victims[id]
		if !ok {
			continue
		}
		d += m.Cost.Distance(pos, v.Location)
		pos = v.Location
	}
	return d
}

// Snapshot copies all entities at one version.
func (m *Memory) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Version:       m.version.Load(),
		TakenAt:       m.Now(),
		Victims:       make([]model.Victim, 0, len(m.victims)),
		Responders:    make([]model.Responder, 0, len(m.responders)),
		Plan:          m.plan.Load(),
		CapacityEpoch: m.epoch,
	}
	for _, v := range m.victims {
		s.Victims = append(s.Victims, copyVictim(v))
	}
	for _, r := range m.responders {
		s.Responders = append(s.Responders, copyResponder(r))
	}
	sort.Slice(s.Victims, func(i, j int) bool { return s.Victims[i].ID < s.Victims[j].ID })
	sort.Slice(s.Responders, func(i, j int) bool { return s.Responders[i].ID < s.Responders[j].ID })
	return s
}

func (m *Memory) Victim(ctx context.Context, id string) (model.Victim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.victims[id]
	if !ok {
		return model.Victim{}, ErrNotFound
	}
	return copyVictim(v), nil
}

func (m *Memory) Responder(ctx context.Context, id string) (model.Responder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responders[id]
	if !ok {
		return model.Responder{}, ErrNotFound
	}
	return copyResponder(r), nil
}

// Status summarizes the incident at now.
func (m *Memory) Status(ctx context.Context, now time.Time) model.SystemStatus {
	s := m.Snapshot(ctx)
	st := model.SystemStatus{
		TotalVictims:    len(s.Victims),
		VictimsByStatus: map[string]int{},
		TotalResponders: len(s.Responders),
		StoreVersion:    s.Version,
	}
	active := 0
	sum := 0.0
	for _, v := range s.Victims {
		st.VictimsByStatus[v.Status.String()]++
		if v.Active() {
			active++
			sum += v.SurvivalLikelihood
		}
	}
	if active > 0 {
		st.AverageLikelihood = sum / float64(active)
	}
	for _, r := range s.Responders {
		if r.Available(now) && r.RemainingCapacity > 0 {
			st.AvailableResponders++
		}
	}
	st.SystemLoad = float64(active) / float64(max(st.AvailableResponders, 1))
	if s.Plan != nil {
		st.PlanID = s.Plan.ID
	}
	return st
}

func copyVictim(v *model.Victim) model.Victim {
	out := *v
	if v.RescuedAt != nil {
		t := *v.RescuedAt
		out.RescuedAt = &t
	}
	return out
}

func copyResponder(r *model.Responder) model.Responder {
	out := *r
	if r.Depot != nil {
		d := *r.Depot
		out.Depot = &d
	}
	if r.AvailableUntil != nil {
		t := *r.AvailableUntil
		out.AvailableUntil = &t
	}
	return out
}

func clonePlan(p *model.Plan) *model.Plan {
	out := *p
	out.Routes = make([]model.Route, len(p.Routes))
	for i, r := range p.Routes {
		r.VictimIDs = append([]string(nil), r.VictimIDs...)
		r.Arrivals = append([]time.Time(nil), r.Arrivals...)
		out.Routes[i] = r
	}
	out.Unreachable = append([]string(nil), p.Unreachable...)
	return &out
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
