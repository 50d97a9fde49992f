package api

import (
	"net/http"
	"runtime"
	"time"

	"rescuenav/internal/buildinfo"
)

// DebugJSON handles GET /debug/info.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":         buildinfo.Info(),
		"time":          time.Now().UTC().Format(time.RFC3339),
		"goroutines":    runtime.NumGoroutine(),
		"store_version": s.Store.Version(),
		"config":        s.Settings,
	}
	if p := s.Store.CurrentPlan(); p != nil {
		info["plan_id"] = p.ID
	}
	if s.Coord != nil {
		info["planning_halted"] = s.Coord.Halted()
	}
	writeJSON(w, http.StatusOK, info)
}
