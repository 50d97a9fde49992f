// Package geo estimates distance and travel time between points in the incident zone.
package geo

import (
	"fmt"
	"math"
	"strings"
	"time"

	"rescuenav/internal/model"
)

const earthRadiusM = 6371000.0

// DefaultSpeedMps is the on-foot speed through rubble (5 km/h) used when a responder reports none.
const DefaultSpeedMps = 5000.0 / 3600.0

// DefaultRoadDetour approximates road-network distance from straight-line distance.
const DefaultRoadDetour = 1.4

// CostModel estimates travel between two points.
type CostModel interface {
	// Distance returns meters between a and b.
	Distance(a, b model.GeoPoint) float64
	// TravelTime returns the time to cover a->b at speedMps.
	TravelTime(a, b model.GeoPoint, speedMps float64) time.Duration
}

// Haversine is great-circle distance scaled by Detour (1 = straight line).
type Haversine struct {
	Detour float64
}

func (h Haversine) Distance(a, b model.GeoPoint) float64 {
	return haversineMeters(a.Lat, a.Lon, b.Lat, b.Lon) * detour(h.Detour)
}

func (h Haversine) TravelTime(a, b model.GeoPoint, speedMps float64) time.Duration {
	return travel(h.Distance(a, b), speedMps)
}

// Euclidean projects onto a local plane (equirectangular). Good enough for a few km.
type Euclidean struct {
	Detour float64
}

func (e Euclidean) Distance(a, b model.GeoPoint) float64 {
	meanLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	x := (b.Lon - a.Lon) * math.Pi / 180 * math.Cos(meanLat)
	y := (b.Lat - a.Lat) * math.Pi / 180
	return math.Sqrt(x*x+y*y) * earthRadiusM * detour(e.Detour)
}

func (e Euclidean) TravelTime(a, b model.GeoPoint, speedMps float64) time.Duration {
	return travel(e.Distance(a, b), speedMps)
}

// New selects a cost model by name: haversine, euclidean or road.
func New(kind string, detourFactor float64) (CostModel, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "haversine":
		return Haversine{Detour: detourFactor}, nil
	case "euclidean":
		return Euclidean{Detour: detourFactor}, nil
	case "road":
		if detourFactor <= 1 {
			detourFactor = DefaultRoadDetour
		}
		return Haversine{Detour: detourFactor}, nil
	default:
		return nil, fmt.Errorf("geo: unknown cost model %q", kind)
	}
}

func detour(f float64) float64 {
	if f < 1 {
		return 1
	}
	return f
}

func travel(distM, speedMps float64) time.Duration {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return time.Duration(distM / speedMps * float64(time.Second))
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
