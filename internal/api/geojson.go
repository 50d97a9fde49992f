package api

import (
	"net/http"

	geojson "github.com/paulmach/go.geojson"

	"rescuenav/internal/model"
	"rescuenav/internal/store"
)

// PlanGeoJSONHandler handles GET /v1/plan/geojson: one LineString per route
// from the responder through its stops, plus a Point per victim.
func (s *Server) PlanGeoJSONHandler(w http.ResponseWriter, r *http.Request) {
	fc := PlanFeatures(s.Store.Snapshot(r.Context()))
	b, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func coord(p model.GeoPoint) []float64 { return []float64{p.Lon, p.Lat} }

// PlanFeatures renders the snapshot's plan as a FeatureCollection.
func PlanFeatures(snap store.Snapshot) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	victims := make(map[string]model.Victim, len(snap.Victims))
	for _, v := range snap.Victims {
		victims[v.ID] = v
	}
	responders := make(map[string]model.Responder, len(snap.Responders))
	for _, rs := range snap.Responders {
		responders[rs.ID] = rs
	}
	if snap.Plan == nil {
		return fc
	}
	for _, rt := range snap.Plan.Routes {
		rs, ok := responders[rt.ResponderID]
		if !ok {
			continue
		}
		line := [][]float64{coord(rs.Location)}
		for i, id := range rt.VictimIDs {
			v, ok := victims[id]
			if !ok {
				continue
			}
			line = append(line, coord(v.Location))
			f := geojson.NewPointFeature(coord(v.Location))
			f.ID = v.ID
			f.SetProperty("kind", "victim")
			f.SetProperty("responder_id", rt.ResponderID)
			f.SetProperty("sequence", i+1)
			f.SetProperty("injury_level", v.Injury.String())
			f.SetProperty("status", v.Status.String())
			if i < len(rt.Arrivals) {
				f.SetProperty("eta", rt.Arrivals[i])
			}
			fc.AddFeature(f)
		}
		route := geojson.NewLineStringFeature(line)
		route.ID = rt.ResponderID
		route.SetProperty("kind", "route")
		route.SetProperty("plan_id", snap.Plan.ID)
		route.SetProperty("cumulative_distance", rt.CumulativeDistanceM)
		route.SetProperty("estimated_completion_time", rt.EstimatedCompletion)
		route.SetProperty("feasible", rt.Feasible)
		fc.AddFeature(route)
	}
	for _, id := range snap.Plan.Unreachable {
		v, ok := victims[id]
		if !ok {
			continue
		}
		f := geojson.NewPointFeature(coord(v.Location))
		f.ID = v.ID
		f.SetProperty("kind", "unreachable")
		f.SetProperty("injury_level", v.Injury.String())
		fc.AddFeature(f)
	}
	return fc
}
