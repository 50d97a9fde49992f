package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
	"rescuenav/internal/opt"
	"rescuenav/internal/priority"
	"rescuenav/internal/replan"
	"rescuenav/internal/store"
)

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []replan.Reason
	urgent  []bool
}

func (n *recordingNotifier) Notify(reason replan.Reason, urgent bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
	n.urgent = append(n.urgent, urgent)
}

type testEnv struct {
	s     *Server
	st    *store.Memory
	coord *replan.Coordinator
	h     http.Handler
}

func newTestServer(t *testing.T) testEnv {
	t.Helper()
	st := store.NewMemory()
	cfg := replan.DefaultConfig()
	cfg.TimeBudget = 500 * time.Millisecond
	planner := opt.Planner{Cost: geo.Haversine{}, DefaultSpeedMps: geo.DefaultSpeedMps}
	coord := replan.New(cfg, st, priority.NewEngine(), planner, nil)
	s := NewServer(Deps{Store: st, Coord: coord, Cost: geo.Haversine{}})
	coord.OnCommit(s.PublishPlan)
	return testEnv{s: s, st: st, coord: coord, h: s.Routes()}
}

func (e testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", "").Code)

	rr := e.do(t, http.MethodGet, "/debug/info", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "store_version")
}

func TestDetectionValidation(t *testing.T) {
	e := newTestServer(t)
	cases := map[string]string{
		"likelihood above one": `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":1.2}`,
		"negative likelihood":  `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":-0.1}`,
		"bad latitude":         `{"victim_id":"v1","lat":91,"lon":0,"injury_level":"minor","survival_likelihood":0.5}`,
		"unknown injury":       `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"bruised","survival_likelihood":0.5}`,
		"missing id":           `{"lat":0,"lon":0,"injury_level":"minor","survival_likelihood":0.5}`,
		"malformed json":       `{"victim_id":`,
		"unknown field":        `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":0.5,"x":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/v1/detections", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			p := decodeBody[Problem](t, rr)
			assert.Equal(t, http.StatusBadRequest, p.Status)
		})
	}
	assert.Zero(t, e.st.Version(), "rejected events never reach the store")
}

func TestDetectionCreatesVictimAndTriggers(t *testing.T) {
	e := newTestServer(t)
	n := &recordingNotifier{}
	e.s.Ingest.Coord = n

	rr := e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0.001,"lon":0.002,"injury_level":"unconscious","survival_likelihood":0.7}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	v := decodeBody[model.Victim](t, rr)
	assert.Equal(t, "v1", v.ID)
	assert.Equal(t, model.VictimDetected, v.Status)
	assert.False(t, v.DetectedAt.IsZero(), "missing detected_at is stamped")

	rr = e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0.001,"lon":0.002,"injury_level":"unconscious","survival_likelihood":0.6}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.Len(t, n.reasons, 2)
	assert.Equal(t, replan.TriggerDetection, n.reasons[0])
	assert.True(t, n.urgent[0], "new unconscious victim is urgent")
	assert.False(t, n.urgent[1], "re-detection of the same injury is not")
}

func TestLikelihoodRefresh(t *testing.T) {
	e := newTestServer(t)
	n := &recordingNotifier{}
	e.s.Ingest.Coord = n
	require.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/likelihoods", `{"victim_id":"nope","survival_likelihood":0.5}`).Code)

	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":0.9,"detected_at":"2026-03-01T12:00:00Z"}`)
	rr := e.do(t, http.MethodPost, "/v1/likelihoods", `{"victim_id":"v1","survival_likelihood":0.4,"scored_at":"2026-03-01T12:05:00Z"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.InDelta(t, 0.4, decodeBody[model.Victim](t, rr).SurvivalLikelihood, 1e-9)

	// older estimate is ignored and does not trigger
	rr = e.do(t, http.MethodPost, "/v1/likelihoods", `{"victim_id":"v1","survival_likelihood":0.8,"scored_at":"2026-03-01T12:01:00Z"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.InDelta(t, 0.4, decodeBody[model.Victim](t, rr).SurvivalLikelihood, 1e-9)
	assert.Equal(t, []replan.Reason{replan.TriggerDetection, replan.TriggerRefresh}, n.reasons)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/likelihoods", `{"victim_id":"v1","survival_likelihood":2}`).Code)
}

func TestResponderValidation(t *testing.T) {
	e := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"flying"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","remaining_capacity":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","depot_lat":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","speed_mps":0}`).Code)

	rr := e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","remaining_capacity":2,"depot_lat":0.1,"depot_lon":0.1}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	r := decodeBody[model.Responder](t, rr)
	assert.Equal(t, 2, r.RemainingCapacity)
	require.NotNil(t, r.Depot)
	assert.InDelta(t, 0.1, r.Depot.Lat, 1e-9)
}

func TestEndToEndPlanAndCompletion(t *testing.T) {
	e := newTestServer(t)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","remaining_capacity":3}`).Code)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"a","lat":0,"lon":0.01,"injury_level":"minor","survival_likelihood":0.9}`)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"b","lat":0,"lon":0.02,"injury_level":"minor","survival_likelihood":0.9}`)

	// plan before first commit is empty, not an error
	rr := e.do(t, http.MethodGet, "/v1/plan", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[model.Plan](t, rr).Routes)

	rr = e.do(t, http.MethodPost, "/v1/replan", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	plan := decodeBody[model.Plan](t, rr)
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, []string{"a", "b"}, plan.Routes[0].VictimIDs)
	assert.NotEmpty(t, plan.ID)

	rr = e.do(t, http.MethodGet, "/v1/plan", "")
	assert.Equal(t, plan.ID, decodeBody[model.Plan](t, rr).ID)

	rr = e.do(t, http.MethodGet, "/v1/responders/r1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ordered_victim_ids":["a","b"]`)

	// completing the wrong stop is a conflict; the right one rescues
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/responders/r1/complete", `{"victim_id":"zzz"}`).Code)
	rr = e.do(t, http.MethodPost, "/v1/responders/r1/complete", `{"victim_id":"a"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.VictimRescued, decodeBody[model.Victim](t, rr).Status)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/responders/r1/complete", `{"victim_id":"a"}`).Code)

	b, err := e.st.Victim(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, model.VictimEnRoute, b.Status)

	// a rescued victim cannot be re-detected
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"a","lat":0,"lon":0.01,"injury_level":"minor","survival_likelihood":0.9}`).Code)

	rr = e.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		Status model.SystemStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Status.TotalVictims)
	assert.Equal(t, 1, st.Status.VictimsByStatus["rescued"])
	assert.Equal(t, 1, st.Status.AvailableResponders)
	assert.InDelta(t, 1.0, st.Status.SystemLoad, 1e-9)
}

func TestUnreachableEndpoint(t *testing.T) {
	e := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/victims/ghost/unreachable", "").Code)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"severe","survival_likelihood":0.5}`)
	rr := e.do(t, http.MethodPost, "/v1/victims/v1/unreachable", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.VictimUnreachable, decodeBody[model.Victim](t, rr).Status)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/victims/v1/unreachable", "").Code)
}

func TestVictimsSortedByUrgency(t *testing.T) {
	e := newTestServer(t)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"minor","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":0.9}`)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"uncon","lat":0,"lon":0,"injury_level":"unconscious","survival_likelihood":0.9}`)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"severe","lat":0,"lon":0,"injury_level":"severe","survival_likelihood":0.9}`)

	rr := e.do(t, http.MethodGet, "/v1/victims", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Items []model.Victim `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out.Items, 3)
	assert.Equal(t, []string{"uncon", "severe", "minor"}, []string{out.Items[0].ID, out.Items[1].ID, out.Items[2].ID})

	rr = e.do(t, http.MethodGet, "/v1/victims?limit=1", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Len(t, out.Items, 1)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/victims?status=lost", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/victims?limit=-2", "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/victims/minor", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/victims/none", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/responders/none", "").Code)
}

func TestIngestionRateLimit(t *testing.T) {
	e := newTestServer(t)
	e.s.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	body := `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":0.5}`
	assert.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/detections", body).Code)
	rr := e.do(t, http.MethodPost, "/v1/detections", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	// reads are not limited
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/plan", "").Code)
}

func TestSolverMetricsAndResume(t *testing.T) {
	e := newTestServer(t)
	e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","remaining_capacity":1}`)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0,"lon":0.01,"injury_level":"minor","survival_likelihood":0.5}`)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/replan", "").Code)

	rr := e.do(t, http.MethodGet, "/v1/admin/solver-metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "items")

	rr = e.do(t, http.MethodPost, "/v1/admin/resume", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"resumed":false`)
}

func TestPlanGeoJSON(t *testing.T) {
	e := newTestServer(t)
	e.do(t, http.MethodPost, "/v1/responders", `{"responder_id":"r1","lat":0,"lon":0,"status":"idle","remaining_capacity":1}`)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0,"lon":0.01,"injury_level":"minor","survival_likelihood":0.5}`)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v2","lat":0,"lon":0.02,"injury_level":"none","survival_likelihood":0.5}`)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/replan", "").Code)

	rr := e.do(t, http.MethodGet, "/v1/plan/geojson", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/geo+json", rr.Header().Get("Content-Type"))
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	kinds := map[string]string{}
	for _, f := range fc.Features {
		kinds[f.Properties["kind"].(string)] = f.Geometry.Type
	}
	assert.Equal(t, map[string]string{"victim": "Point", "route": "LineString", "unreachable": "Point"}, kinds)
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	mu   sync.Mutex
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}
func (r *sseRecorder) Flush() {}
func (r *sseRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestPlanStreamSSE(t *testing.T) {
	e := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/plan/stream", nil).WithContext(ctx)

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		e.s.PlanStreamHandler(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return strings.Contains(rec.String(), "event: heartbeat") }, time.Second, 5*time.Millisecond)
	e.s.PublishPlan(model.Plan{ID: "p-test", Routes: []model.Route{}})
	require.Eventually(t, func() bool { return strings.Contains(rec.String(), "event: plan.committed") }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.String(), `"plan_id":"p-test"`)
}

func TestWebSocketStream(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.s.Broker.(*Broker).Subscribers(TopicEvents) == 1 }, time.Second, 5*time.Millisecond)
	e.do(t, http.MethodPost, "/v1/detections", `{"victim_id":"v1","lat":0,"lon":0,"injury_level":"minor","survival_likelihood":0.5}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt SSEEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "victim.detected", evt.Type)
}

func TestStreamLinesAreWellFormed(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSE(rec, "plan.committed", map[string]string{"plan_id": "x"})
	sc := bufio.NewScanner(rec.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{"event: plan.committed", `data: {"plan_id":"x"}`, ""}, lines)
}
