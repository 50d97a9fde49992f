package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"rescuenav/internal/model"
	"rescuenav/internal/opt"
	"rescuenav/internal/priority"
)

const sourceHTTP = "http"

// DetectionsHandler handles POST /v1/detections.
func (s *Server) DetectionsHandler(w http.ResponseWriter, r *http.Request) {
	var ev model.DetectionEvent
	if err := decode(r, &ev); err != nil {
		count(sourceHTTP, "detection", err)
		writeError(w, r, err)
		return
	}
	ch, err := s.Ingest.Detection(r.Context(), sourceHTTP, ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if ch.Prev == nil {
		status = http.StatusCreated
	}
	s.Broker.Publish(TopicEvents, SSEEvent{Type: "victim.detected", Data: ch.Next})
	writeJSON(w, status, ch.Next)
}

// LikelihoodsHandler handles POST /v1/likelihoods.
func (s *Server) LikelihoodsHandler(w http.ResponseWriter, r *http.Request) {
	var ev model.LikelihoodEvent
	if err := decode(r, &ev); err != nil {
		count(sourceHTTP, "likelihood", err)
		writeError(w, r, err)
		return
	}
	ch, err := s.Ingest.Likelihood(r.Context(), sourceHTTP, ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch.Next)
}

// RespondersHandler handles POST /v1/responders.
func (s *Server) RespondersHandler(w http.ResponseWriter, r *http.Request) {
	var ev model.ResponderEvent
	if err := decode(r, &ev); err != nil {
		count(sourceHTTP, "responder", err)
		writeError(w, r, err)
		return
	}
	ch, err := s.Ingest.Responder(r.Context(), sourceHTTP, ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if ch.Prev == nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, ch.Next)
}

// CompleteHandler handles POST /v1/responders/{id}/complete with body
// {victim_id, at}.
func (s *Server) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req model.StopCompletion
	if err := decode(r, &req); err != nil {
		count(sourceHTTP, "completion", err)
		writeError(w, r, err)
		return
	}
	req.ResponderID = r.PathValue("id")
	v, err := s.Ingest.Complete(r.Context(), sourceHTTP, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Broker.Publish(TopicEvents, SSEEvent{Type: "victim.rescued", Data: v})
	writeJSON(w, http.StatusOK, v)
}

// UnreachableHandler handles POST /v1/victims/{id}/unreachable.
func (s *Server) UnreachableHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Ingest.Unreachable(r.Context(), sourceHTTP, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Broker.Publish(TopicEvents, SSEEvent{Type: "victim.unreachable", Data: v})
	writeJSON(w, http.StatusOK, v)
}

// PlanHandler handles GET /v1/plan. Before the first commit it returns an
// empty plan.
func (s *Server) PlanHandler(w http.ResponseWriter, r *http.Request) {
	p := s.Store.CurrentPlan()
	if p == nil {
		writeJSON(w, http.StatusOK, model.Plan{Routes: []model.Route{}, Source: model.SourceEmpty})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ReplanHandler handles POST /v1/replan and returns the plan in force afterwards.
func (s *Server) ReplanHandler(w http.ResponseWriter, r *http.Request) {
	if s.Coord == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Planning unavailable", "no coordinator", r.URL.Path)
		return
	}
	p, err := s.Coord.ReplanNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// VictimsHandler handles GET /v1/victims?status=&limit=, most urgent first.
func (s *Server) VictimsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.Store.Snapshot(r.Context())
	now := s.Now()
	q := r.URL.Query()
	var filter *model.VictimStatus
	if v := q.Get("status"); v != "" {
		var st model.VictimStatus
		if err := st.UnmarshalJSON([]byte(strconv.Quote(v))); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
			return
		}
		filter = &st
	}
	out := make([]model.Victim, 0, len(snap.Victims))
	for _, v := range snap.Victims {
		if filter != nil && v.Status != *filter {
			continue
		}
		if v.Active() {
			v.Urgency = s.Priority.Score(v, now)
		}
		out = append(out, v)
	}
	priority.Rank(out)
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid query", "limit must be a non-negative integer", r.URL.Path)
			return
		}
		if n < len(out) {
			out = out[:n]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "store_version": snap.Version})
}

// VictimByIDHandler handles GET /v1/victims/{id}.
func (s *Server) VictimByIDHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Store.Victim(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v.Active() {
		v.Urgency = s.Priority.Score(v, s.Now())
	}
	writeJSON(w, http.StatusOK, v)
}

// ResponderListHandler handles GET /v1/responders.
func (s *Server) ResponderListHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.Store.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"items": snap.Responders, "store_version": snap.Version})
}

// ResponderByIDHandler handles GET /v1/responders/{id}, including its current route.
func (s *Server) ResponderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Store.Responder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"responder": rs}
	if rt, ok := s.Store.CurrentPlan().RouteFor(rs.ID); ok {
		resp["route"] = rt
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler handles GET /v1/status.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	st := s.Store.Status(r.Context(), s.Now())
	resp := map[string]any{"status": st}
	if s.Coord != nil {
		resp["planning_halted"] = s.Coord.Halted()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SolverMetricsHandler handles GET /v1/admin/solver-metrics.
func (s *Server) SolverMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": opt.RecentMetrics()})
}

// ResumeHandler handles POST /v1/admin/resume after an operator has fixed a
// corrupt store.
func (s *Server) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	if s.Coord == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Planning unavailable", "no coordinator", r.URL.Path)
		return
	}
	var cause string
	if err := s.Coord.HaltCause(); err != nil {
		cause = err.Error()
	}
	wasHalted := s.Coord.Halted()
	s.Coord.Resume()
	s.Log.Warn("planning resumed by operator")
	writeJSON(w, http.StatusOK, map[string]any{"resumed": wasHalted, "cause": cause})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports ready while planning runs and the archive answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if s.Coord != nil && s.Coord.Halted() {
		detail := "planning halted"
		if err := s.Coord.HaltCause(); err != nil {
			detail = err.Error()
		}
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", detail, r.URL.Path)
		return
	}
	if p, ok := s.Archive.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "archive: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
