package replan

import (
	"rescuenav/internal/geo"
	"rescuenav/internal/model"
	"rescuenav/internal/store"
)

// DefaultMaterialMoveM is how far a responder must move before its position
// alone is worth a replan.
const DefaultMaterialMoveM = 50.0

// UrgentVictimChange is true for a new unconscious victim or an upgrade to
// unconscious. Those skip the coalescing window.
func UrgentVictimChange(ch store.VictimChange) bool {
	if ch.Next.Injury != model.InjuryUnconscious {
		return false
	}
	return ch.Prev == nil || ch.Prev.Injury != model.InjuryUnconscious || ch.Prev.Status == model.VictimUnreachable
}

// MaterialResponderChange reports whether a responder update can change the
// plan: a new responder, a status, capacity or availability change, or a move
// of at least moveM meters.
func MaterialResponderChange(ch store.ResponderChange, cost geo.CostModel, moveM float64) bool {
	if ch.Prev == nil {
		return true
	}
	p, n := ch.Prev, ch.Next
	if p.Status != n.Status || p.RemainingCapacity != n.RemainingCapacity || p.Capacity != n.Capacity {
		return true
	}
	if p.SpeedMps != n.SpeedMps || p.RangeM != n.RangeM {
		return true
	}
	if (p.AvailableUntil == nil) != (n.AvailableUntil == nil) ||
		(p.AvailableUntil != nil && !p.AvailableUntil.Equal(*n.AvailableUntil)) {
		return true
	}
	if cost == nil {
		cost = geo.Haversine{}
	}
	return cost.Distance(p.Location, n.Location) >= moveM
}
