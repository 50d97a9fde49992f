package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rescuenav/internal/geo"
	"rescuenav/internal/metrics"
	"rescuenav/internal/model"
	"rescuenav/internal/priority"
	"rescuenav/internal/store"
)

// Coordinator is the part of the replanning coordinator the API drives.
type Coordinator interface {
	Notifier
	ReplanNow(ctx context.Context) (model.Plan, error)
	Halted() bool
	HaltCause() error
	Resume()
}

type Server struct {
	Store    *store.Memory
	Coord    Coordinator
	Ingest   *Ingestor
	Broker   EventBroker
	Archive  store.Archive
	Priority priority.Engine
	Log      *zap.Logger
	// Limiter throttles the ingestion endpoints; nil disables limiting.
	Limiter *rate.Limiter
	// Settings is echoed by /debug/info.
	Settings map[string]any
	Now      func() time.Time
}

// Deps are the collaborators NewServer wires together.
type Deps struct {
	Store     *store.Memory
	Coord     Coordinator
	Broker    EventBroker
	Archive   store.Archive
	Priority  priority.Engine
	Cost      geo.CostModel
	Log       *zap.Logger
	RateRPS   float64
	RateBurst int
	MoveM     float64
	Settings  map[string]any
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Broker == nil {
		d.Broker = NewBroker()
	}
	if d.Archive == nil {
		d.Archive = store.Nop{}
	}
	if d.Priority.InjuryWeights == nil {
		d.Priority = priority.NewEngine()
	}
	log := d.Log.Named("api")
	s := &Server{
		Store:    d.Store,
		Coord:    d.Coord,
		Broker:   d.Broker,
		Archive:  d.Archive,
		Priority: d.Priority,
		Log:      log,
		Settings: d.Settings,
		Now:      func() time.Time { return time.Now().UTC() },
	}
	if d.RateRPS > 0 {
		burst := d.RateBurst
		if burst <= 0 {
			burst = int(d.RateRPS)
		}
		s.Limiter = rate.NewLimiter(rate.Limit(d.RateRPS), max(burst, 1))
	}
	var notifier Notifier
	if d.Coord != nil {
		notifier = d.Coord
	}
	s.Ingest = &Ingestor{
		Store:   d.Store,
		Coord:   notifier,
		Archive: d.Archive,
		Cost:    d.Cost,
		MoveM:   d.MoveM,
		Log:     log,
		Now:     func() time.Time { return s.Now() },
	}
	return s
}

// Routes returns the service handler with access logging and metrics applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Ingestion
	mux.Handle("POST /v1/detections", s.limit(http.HandlerFunc(s.DetectionsHandler)))
	mux.Handle("POST /v1/likelihoods", s.limit(http.HandlerFunc(s.LikelihoodsHandler)))
	mux.Handle("POST /v1/responders", s.limit(http.HandlerFunc(s.RespondersHandler)))
	mux.Handle("POST /v1/responders/{id}/complete", s.limit(http.HandlerFunc(s.CompleteHandler)))
	mux.Handle("POST /v1/victims/{id}/unreachable", s.limit(http.HandlerFunc(s.UnreachableHandler)))

	// Plan
	mux.HandleFunc("GET /v1/plan", s.PlanHandler)
	mux.HandleFunc("GET /v1/plan/geojson", s.PlanGeoJSONHandler)
	mux.HandleFunc("GET /v1/plan/stream", s.PlanStreamHandler)
	mux.HandleFunc("GET /v1/ws", s.WSHandler)
	mux.HandleFunc("POST /v1/replan", s.ReplanHandler)

	// Entities
	mux.HandleFunc("GET /v1/victims", s.VictimsHandler)
	mux.HandleFunc("GET /v1/victims/{id}", s.VictimByIDHandler)
	mux.HandleFunc("GET /v1/responders", s.ResponderListHandler)
	mux.HandleFunc("GET /v1/responders/{id}", s.ResponderByIDHandler)
	mux.HandleFunc("GET /v1/status", s.StatusHandler)

	// Admin
	mux.HandleFunc("GET /v1/admin/solver-metrics", s.SolverMetricsHandler)
	mux.HandleFunc("POST /v1/admin/resume", s.ResumeHandler)

	// Health, metrics, debug
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.DebugJSON)

	return s.instrument(mux)
}

// PublishPlan fans a committed plan out to stream subscribers.
func (s *Server) PublishPlan(p model.Plan) {
	s.Broker.Publish(TopicPlans, SSEEvent{Type: "plan.committed", Data: p})
}
