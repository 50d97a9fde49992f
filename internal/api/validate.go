package api

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"rescuenav/internal/model"
	"rescuenav/internal/store"
)

// ErrInvalidEvent marks malformed or out-of-range input. It is always
// wrapped with the offending field and never reaches the store.
var ErrInvalidEvent = errors.New("invalid event")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func validateID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid("%s is required", field)
	}
	if len(id) > 128 {
		return "", invalid("%s longer than 128 characters", field)
	}
	return id, nil
}

func validatePoint(lat, lon float64) (model.GeoPoint, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return model.GeoPoint{}, invalid("lat %v out of range [-90,90]", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return model.GeoPoint{}, invalid("lon %v out of range [-180,180]", lon)
	}
	return model.GeoPoint{Lat: lat, Lon: lon}, nil
}

func validateLikelihood(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return invalid("survival_likelihood %v outside [0,1]", p)
	}
	return nil
}

// validateDetection turns a boundary event into a store.Detection. A missing
// detected_at is stamped with now.
func validateDetection(ev model.DetectionEvent, now time.Time) (store.Detection, error) {
	id, err := validateID("victim_id", ev.VictimID)
	if err != nil {
		return store.Detection{}, err
	}
	loc, err := validatePoint(ev.Lat, ev.Lon)
	if err != nil {
		return store.Detection{}, err
	}
	injury, err := model.ParseInjury(ev.InjuryLevel)
	if err != nil {
		return store.Detection{}, invalid("injury_level: %v", err)
	}
	if err := validateLikelihood(ev.SurvivalLikelihood); err != nil {
		return store.Detection{}, err
	}
	at := ev.DetectedAt
	if at.IsZero() {
		at = now
	}
	return store.Detection{VictimID: id, Location: loc, Injury: injury, SurvivalLikelihood: ev.SurvivalLikelihood, DetectedAt: at}, nil
}

func validateLikelihoodEvent(ev model.LikelihoodEvent, now time.Time) (model.LikelihoodEvent, error) {
	id, err := validateID("victim_id", ev.VictimID)
	if err != nil {
		return ev, err
	}
	if err := validateLikelihood(ev.SurvivalLikelihood); err != nil {
		return ev, err
	}
	ev.VictimID = id
	if ev.ScoredAt.IsZero() {
		ev.ScoredAt = now
	}
	return ev, nil
}

func validateResponder(ev model.ResponderEvent, now time.Time) (store.ResponderUpdate, error) {
	id, err := validateID("responder_id", ev.ResponderID)
	if err != nil {
		return store.ResponderUpdate{}, err
	}
	loc, err := validatePoint(ev.Lat, ev.Lon)
	if err != nil {
		return store.ResponderUpdate{}, err
	}
	status, err := model.ParseResponderStatus(ev.Status)
	if err != nil {
		return store.ResponderUpdate{}, invalid("status: %v", err)
	}
	u := store.ResponderUpdate{
		ResponderID:       id,
		Location:          loc,
		Status:            status,
		RemainingCapacity: ev.RemainingCapacity,
		Capacity:          ev.Capacity,
		SpeedMps:          ev.SpeedMps,
		RangeM:            ev.RangeM,
		AvailableUntil:    ev.AvailableUntil,
		At:                now,
	}
	if u.RemainingCapacity != nil && *u.RemainingCapacity < 0 {
		return u, invalid("remaining_capacity must be >= 0")
	}
	if u.Capacity != nil && *u.Capacity < 0 {
		return u, invalid("capacity must be >= 0")
	}
	if u.SpeedMps != nil && (math.IsNaN(*u.SpeedMps) || *u.SpeedMps <= 0) {
		return u, invalid("speed_mps must be > 0")
	}
	if u.RangeM != nil && (math.IsNaN(*u.RangeM) || *u.RangeM < 0) {
		return u, invalid("range_m must be >= 0")
	}
	if (ev.DepotLat == nil) != (ev.DepotLon == nil) {
		return u, invalid("depot_lat and depot_lon must be given together")
	}
	if ev.DepotLat != nil {
		d, err := validatePoint(*ev.DepotLat, *ev.DepotLon)
		if err != nil {
			return u, fmt.Errorf("depot: %w", err)
		}
		u.Depot = &d
	}
	return u, nil
}
