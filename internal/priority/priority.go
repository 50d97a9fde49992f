// Package priority derives composite urgency scores for victims.
package priority

import (
	"math"
	"sort"
	"time"

	"rescuenav/internal/model"
)

// Engine computes urgency = likelihood * injury weight * decay(age).
type Engine struct {
	// InjuryWeights must be ordinal: none < minor < severe < unconscious.
	InjuryWeights map[model.InjuryLevel]float64
	// HalfLife is the age at which decay reaches 0.5.
	HalfLife time.Duration
	// DecayFloor bounds decay from below (0 < DecayFloor <= 1).
	DecayFloor float64
	// UrgencyFloor keeps every victim above zero so it is eventually served.
	UrgencyFloor float64
}

// DefaultInjuryWeights returns the stock ordinal weights.
func DefaultInjuryWeights() map[model.InjuryLevel]float64 {
	return map[model.InjuryLevel]float64{
		model.InjuryNone:        1.0,
		model.InjuryMinor:       1.5,
		model.InjurySevere:      2.5,
		model.InjuryUnconscious: 4.0,
	}
}

// NewEngine returns an Engine with stock weights, a two hour half-life and small floors.
func NewEngine() Engine {
	return Engine{
		InjuryWeights: DefaultInjuryWeights(),
		HalfLife:      2 * time.Hour,
		DecayFloor:    0.05,
		UrgencyFloor:  1e-3,
	}
}

// Score returns the urgency of v at now.
func (e Engine) Score(v model.Victim, now time.Time) float64 {
	u := v.SurvivalLikelihood * e.weight(v.Injury) * e.Decay(now.Sub(v.DetectedAt))
	if u < e.UrgencyFloor {
		return e.UrgencyFloor
	}
	return u
}

// Decay is 1 at age <= 0 and halves every HalfLife, never dropping below DecayFloor.
func (e Engine) Decay(age time.Duration) float64 {
	if age <= 0 || e.HalfLife <= 0 {
		return 1
	}
	d := math.Exp2(-float64(age) / float64(e.HalfLife))
	if d < e.DecayFloor {
		return e.DecayFloor
	}
	return d
}

func (e Engine) weight(l model.InjuryLevel) float64 {
	if w, ok := e.InjuryWeights[l]; ok {
		return w
	}
	return 1
}

// ScoreAll recomputes urgency for every active victim.
func (e Engine) ScoreAll(victims []model.Victim, now time.Time) map[string]float64 {
	out := make(map[string]float64, len(victims))
	for _, v := range victims {
		if !v.Active() {
			continue
		}
		out[v.ID] = e.Score(v, now)
	}
	return out
}

// Rank sorts victims in place by Urgency desc, then ID asc.
func Rank(victims []model.Victim) {
	sort.SliceStable(victims, func(i, j int) bool {
		if victims[i].Urgency != victims[j].Urgency {
			return victims[i].Urgency > victims[j].Urgency
		}
		return victims[i].ID < victims[j].ID
	})
}
