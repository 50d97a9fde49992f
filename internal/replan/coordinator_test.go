package replan

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescuenav/internal/geo"
	"rescuenav/internal/model"
	"rescuenav/internal/opt"
	"rescuenav/internal/priority"
	"rescuenav/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intp(v int) *int { return &v }

type fixture struct {
	st *store.Memory
	c  *Coordinator
}

func newFixture(t *testing.T, cfg Config, wrap func(Store) Store) fixture {
	t.Helper()
	st := store.NewMemory()
	st.Now = func() time.Time { return t0 }
	var s Store = st
	if wrap != nil {
		s = wrap(st)
	}
	planner := opt.Planner{Cost: geo.Haversine{}, DefaultSpeedMps: geo.DefaultSpeedMps}
	c := New(cfg, s, priority.NewEngine(), planner, nil)
	c.now = func() time.Time { return t0 }
	return fixture{st: st, c: c}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tick = time.Hour
	cfg.TimeBudget = time.Second
	return cfg
}

func (f fixture) detect(t *testing.T, id string, lon float64, injury model.InjuryLevel, likelihood float64) {
	t.Helper()
	_, err := f.st.UpsertVictim(context.Background(), store.Detection{
		VictimID: id, Location: model.GeoPoint{Lon: lon}, Injury: injury, SurvivalLikelihood: likelihood, DetectedAt: t0,
	})
	require.NoError(t, err)
}

func (f fixture) responder(t *testing.T, id string, lat, lon float64, capacity int) {
	t.Helper()
	_, err := f.st.UpdateResponder(context.Background(), store.ResponderUpdate{
		ResponderID: id, Location: model.GeoPoint{Lat: lat, Lon: lon}, Status: model.ResponderIdle, Capacity: intp(capacity), At: t0,
	})
	require.NoError(t, err)
}

func (f fixture) victim(t *testing.T, id string) model.Victim {
	t.Helper()
	v, err := f.st.Victim(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestReplan_NoRespondersLeavesVictimsDetected(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.detect(t, "v1", 0.01, model.InjuryMinor, 0.8)

	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plan.Routes)
	assert.Empty(t, plan.Unreachable)
	assert.Equal(t, model.VictimDetected, f.victim(t, "v1").Status)
	assert.Greater(t, f.victim(t, "v1").Urgency, 0.0, "urgency stored for reads")
}

func TestReplan_UnconsciousInsertedAhead(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 3)
	f.responder(t, "r2", 1, 0, 3)
	f.detect(t, "m1", 0.01, model.InjuryMinor, 0.95)
	f.detect(t, "m2", 0.02, model.InjuryMinor, 0.95)
	_, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)

	f.detect(t, "u", -0.005, model.InjuryUnconscious, 0.8)
	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)

	rt, ok := plan.RouteFor("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "u", "m2"}, rt.VictimIDs)
	assert.Greater(t, f.victim(t, "u").Urgency, f.victim(t, "m2").Urgency)
}

func TestReplan_CapacityExhaustedThenReassigned(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 1)
	f.detect(t, "v1", 0.01, model.InjurySevere, 0.9)
	f.detect(t, "v2", 0.02, model.InjuryMinor, 0.9)

	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, plan.Unreachable)
	assert.Equal(t, model.VictimUnreachable, f.victim(t, "v2").Status)
	assert.Equal(t, model.VictimEnRoute, f.victim(t, "v1").Status)

	f.responder(t, "r2", 0, 0.03, 2)
	plan, err = f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plan.Unreachable)
	v2 := f.victim(t, "v2")
	assert.Equal(t, "r2", v2.ResponderID)
	assert.Equal(t, model.VictimEnRoute, v2.Status)
	assert.Equal(t, "r1", f.victim(t, "v1").ResponderID)
}

// reportUnreachable routes v1 and v2 on r1, then reports v2 unreachable.
func reportUnreachable(t *testing.T) fixture {
	t.Helper()
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "v1", 0.01, model.InjuryMinor, 0.8)
	f.detect(t, "v2", 0.02, model.InjuryMinor, 0.8)
	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	rt, _ := plan.RouteFor("r1")
	require.Equal(t, []string{"v1", "v2"}, rt.VictimIDs)

	_, err = f.st.MarkUnreachable(context.Background(), "v2")
	require.NoError(t, err)
	return f
}

func TestReplan_ReportedUnreachableStaysOut(t *testing.T) {
	f := reportUnreachable(t)

	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	rt, _ := plan.RouteFor("r1")
	assert.Equal(t, []string{"v1"}, rt.VictimIDs)
	v2 := f.victim(t, "v2")
	assert.Equal(t, model.VictimUnreachable, v2.Status)
	assert.Empty(t, v2.ResponderID)

	_, err = f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.VictimUnreachable, f.victim(t, "v2").Status)
}

func TestReplan_UnreachableReturnsWhenCapacityOpens(t *testing.T) {
	f := reportUnreachable(t)
	_, err := f.st.UpdateResponder(context.Background(), store.ResponderUpdate{
		ResponderID: "r1", Status: model.ResponderRouting, Capacity: intp(4), RemainingCapacity: intp(4), At: t0,
	})
	require.NoError(t, err)

	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	rt, _ := plan.RouteFor("r1")
	assert.Equal(t, []string{"v1", "v2"}, rt.VictimIDs)
	v2 := f.victim(t, "v2")
	assert.Equal(t, model.VictimAssigned, v2.Status)
	assert.Equal(t, "r1", v2.ResponderID)
}

func TestReplan_UnreachableReturnsOnRedetection(t *testing.T) {
	f := reportUnreachable(t)
	f.detect(t, "v2", 0.02, model.InjuryMinor, 0.8)
	require.Equal(t, model.VictimDetected, f.victim(t, "v2").Status)

	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	rt, _ := plan.RouteFor("r1")
	assert.Equal(t, []string{"v1", "v2"}, rt.VictimIDs)
	assert.Equal(t, "r1", f.victim(t, "v2").ResponderID)
}

func TestReplan_EqualCandidateKeepsIncumbent(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "a", 0.01, model.InjuryMinor, 0.8)
	f.detect(t, "b", 0.02, model.InjuryMinor, 0.8)
	_, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)

	// appending c is already optimal, so a fresh solve cannot beat the repair
	f.detect(t, "c", 0.03, model.InjuryMinor, 0.8)
	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SourceRepair, plan.Source)
	rt, _ := plan.RouteFor("r1")
	assert.Equal(t, []string{"a", "b", "c"}, rt.VictimIDs)
}

func TestReplan_HysteresisMargin(t *testing.T) {
	cases := map[string]struct {
		margin    float64
		source    string
		responder string
		status    model.VictimStatus
	}{
		// moving b to r2 cuts the objective by roughly 60%
		"better than margin reassigns": {margin: 0.05, source: model.SourceSolve, responder: "r2", status: model.VictimEnRoute},
		"within margin keeps":          {margin: 0.9, source: model.SourceRepair, responder: "r1", status: model.VictimAssigned},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Hysteresis = tc.margin
			f := newFixture(t, cfg, nil)
			f.responder(t, "r1", 0, 0, 3)
			f.detect(t, "a", 0.01, model.InjuryMinor, 0.8)
			f.detect(t, "b", 0.02, model.InjuryMinor, 0.8)
			_, err := f.c.ReplanNow(context.Background())
			require.NoError(t, err)
			require.Equal(t, model.VictimAssigned, f.victim(t, "b").Status)

			f.responder(t, "r2", 0, 0.021, 3)
			plan, err := f.c.ReplanNow(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.source, plan.Source)
			b := f.victim(t, "b")
			assert.Equal(t, tc.responder, b.ResponderID)
			assert.Equal(t, tc.status, b.Status)
			assert.Equal(t, "r1", f.victim(t, "a").ResponderID)
		})
	}
}

func TestReplan_PinnedVictimKeepsPosition(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "a", 0.02, model.InjuryMinor, 0.5)
	f.detect(t, "b", 0.03, model.InjuryMinor, 0.5)
	_, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.VictimEnRoute, f.victim(t, "a").Status)
	require.Equal(t, model.VictimAssigned, f.victim(t, "b").Status)

	// an urgent victim right next to the responder would be visited first if a were free
	f.detect(t, "c", 0.001, model.InjuryUnconscious, 0.9)
	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	rt, _ := plan.RouteFor("r1")
	require.Len(t, rt.VictimIDs, 3)
	assert.Equal(t, "a", rt.VictimIDs[0])
	assert.Equal(t, model.VictimEnRoute, f.victim(t, "a").Status)
}

func TestReplan_Idempotent(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 3)
	f.responder(t, "r2", 0, 0.05, 3)
	for i, lon := range []float64{0.01, 0.02, 0.04, 0.045} {
		f.detect(t, string(rune('a'+i)), lon, model.InjurySevere, 0.7)
	}
	first, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	v := f.st.Version()

	second, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Assignments(), second.Assignments())
	assert.Equal(t, v, f.st.Version())
}

func TestReplan_HooksSeeCommittedPlan(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "v1", 0.01, model.InjuryMinor, 0.5)
	var got []string
	f.c.OnCommit(func(p model.Plan) { got = append(got, p.ID) })

	plan, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{plan.ID}, got)
	assert.Equal(t, plan.ID, f.st.CurrentPlan().ID)
}

type flakyStore struct {
	Store
	fail  int
	err   error
	calls atomic.Int32
}

func (s *flakyStore) CommitPlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	if int(s.calls.Add(1)) <= s.fail {
		return model.Plan{}, s.err
	}
	return s.Store.CommitPlan(ctx, p)
}

func TestReplan_StaleRetries(t *testing.T) {
	var fs *flakyStore
	f := newFixture(t, testConfig(), func(s Store) Store {
		fs = &flakyStore{Store: s, fail: 2, err: store.ErrStaleSnapshot}
		return fs
	})
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "v1", 0.01, model.InjuryMinor, 0.5)

	_, err := f.c.ReplanNow(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, fs.calls.Load())

	fs.calls.Store(0)
	fs.fail = 10
	f.detect(t, "v2", 0.02, model.InjuryMinor, 0.5)
	_, err = f.c.ReplanNow(context.Background())
	assert.ErrorIs(t, err, store.ErrStaleSnapshot)
	assert.EqualValues(t, 3, fs.calls.Load())
	assert.False(t, f.c.Halted())
}

func TestReplan_CorruptHaltsUntilResume(t *testing.T) {
	var fs *flakyStore
	f := newFixture(t, testConfig(), func(s Store) Store {
		fs = &flakyStore{Store: s, fail: 1, err: store.ErrCorrupt}
		return fs
	})
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "v1", 0.01, model.InjuryMinor, 0.5)

	_, err := f.c.ReplanNow(context.Background())
	assert.ErrorIs(t, err, store.ErrCorrupt)
	assert.True(t, f.c.Halted())
	assert.ErrorIs(t, f.c.HaltCause(), store.ErrCorrupt)

	_, err = f.c.ReplanNow(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.EqualValues(t, 1, fs.calls.Load())

	f.c.Resume()
	assert.False(t, f.c.Halted())
	_, err = f.c.ReplanNow(context.Background())
	assert.NoError(t, err)
}

func TestRun_CoalescesBursts(t *testing.T) {
	cfg := testConfig()
	cfg.Coalesce = 50 * time.Millisecond
	f := newFixture(t, cfg, nil)
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "v1", 0.01, model.InjuryMinor, 0.5)

	var mu sync.Mutex
	commits := 0
	f.c.OnCommit(func(model.Plan) { mu.Lock(); commits++; mu.Unlock() })
	count := func() int { mu.Lock(); defer mu.Unlock(); return commits }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx) }()

	for i := 0; i < 10; i++ {
		f.c.Notify(TriggerDetection, false)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, count())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_UrgentSkipsWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Coalesce = time.Hour
	f := newFixture(t, cfg, nil)
	f.responder(t, "r1", 0, 0, 3)
	f.detect(t, "v1", 0.01, model.InjuryUnconscious, 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.Run(ctx) }()

	f.c.Notify(TriggerDetection, true)
	require.Eventually(t, func() bool { return f.st.CurrentPlan() != nil }, 2*time.Second, 10*time.Millisecond)
}

func TestNotify_UrgentCancelsInFlightSolve(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	cancelled := false
	f.c.cancel = func() { cancelled = true }
	f.c.Notify(TriggerResponder, false)
	assert.False(t, cancelled)
	f.c.Notify(TriggerDetection, true)
	assert.True(t, cancelled)
	assert.True(t, f.c.takeUrgent())
	assert.Equal(t, map[Reason]int{TriggerResponder: 1, TriggerDetection: 1}, f.c.takeQueued())
}

func TestImproves(t *testing.T) {
	assert.True(t, Improves(90, 100, 0.05))
	assert.False(t, Improves(96, 100, 0.05))
	assert.False(t, Improves(0, 0, 0.05))
}

func TestBuildInput(t *testing.T) {
	until := t0.Add(-time.Minute)
	snap := store.Snapshot{
		Version:       3,
		CapacityEpoch: 2,
		Responders: []model.Responder{
			{ID: "open", RemainingCapacity: 2},
			{ID: "full", RemainingCapacity: 0},
			{ID: "gone", RemainingCapacity: 2, AvailableUntil: &until},
			{ID: "home", RemainingCapacity: 2, Status: model.ResponderReturning},
		},
		Victims: []model.Victim{
			{ID: "p", Status: model.VictimEnRoute, ResponderID: "home"},
			{ID: "d", Status: model.VictimDetected},
			{ID: "u", Status: model.VictimUnreachable, UnreachableEpoch: 1},
			{ID: "held", Status: model.VictimUnreachable, UnreachableEpoch: 2},
			{ID: "r", Status: model.VictimRescued},
		},
	}
	in := BuildInput(snap, map[string]float64{"p": 1, "d": 2, "u": 3}, t0)
	var ids []string
	for _, r := range in.Responders {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"open", "home"}, ids)
	assert.Equal(t, map[string]bool{"home": true}, in.Closed)
	var vids []string
	for _, v := range in.Victims {
		vids = append(vids, v.ID)
	}
	assert.Equal(t, []string{"p", "d", "u"}, vids, "held waits for new capacity")
	assert.Equal(t, 2.0, in.Victims[1].Urgency)
	assert.Equal(t, uint64(3), in.Version)
	assert.Equal(t, uint64(2), in.Epoch)
}
