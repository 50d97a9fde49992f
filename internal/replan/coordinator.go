// Package replan decides when to re-solve and which plan to commit.
//
// Triggers are coalesced over a short window, a periodic tick refreshes
// urgency, and an urgent trigger cancels an in-flight solve. A new plan only
// replaces the incumbent when it is better by more than the hysteresis
// margin, which keeps assignments stable under small changes.
package replan

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rescuenav/internal/metrics"
	"rescuenav/internal/model"
	"rescuenav/internal/opt"
	"rescuenav/internal/priority"
	"rescuenav/internal/store"
)

var (
	ErrHalted    = errors.New("planning halted")
	ErrCancelled = errors.New("solve cancelled")
)

type Reason string

const (
	TriggerDetection  Reason = "detection"
	TriggerRefresh    Reason = "refresh"
	TriggerResponder  Reason = "responder"
	TriggerCompletion Reason = "completion"
	TriggerTick       Reason = "tick"
	TriggerRequest    Reason = "request"
)

type Config struct {
	Coalesce        time.Duration
	Tick            time.Duration
	TimeBudget      time.Duration
	Hysteresis      float64 // relative improvement a new plan needs over the incumbent
	MaxStaleRetries int
}

func DefaultConfig() Config {
	return Config{
		Coalesce:        250 * time.Millisecond,
		Tick:            5 * time.Second,
		TimeBudget:      2 * time.Second,
		Hysteresis:      0.05,
		MaxStaleRetries: 3,
	}
}

// Store is the part of the entity store the coordinator needs.
type Store interface {
	Snapshot(ctx context.Context) store.Snapshot
	SetUrgencies(scores map[string]float64)
	CommitPlan(ctx context.Context, plan model.Plan) (model.Plan, error)
	CurrentPlan() *model.Plan
}

type Coordinator struct {
	cfg      Config
	store    Store
	priority priority.Engine
	planner  opt.Planner
	log      *zap.Logger
	now      func() time.Time

	wake   chan struct{}
	cycle  sync.Mutex // one replan cycle at a time
	mu     sync.Mutex
	urgent bool
	queued map[Reason]int
	cancel context.CancelFunc // in-flight solve
	hooks  []func(model.Plan)
	halted atomic.Bool
	cause  atomic.Value // error that halted planning
}

func New(cfg Config, st Store, eng priority.Engine, planner opt.Planner, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxStaleRetries <= 0 {
		cfg.MaxStaleRetries = 1
	}
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		priority: eng,
		planner:  planner,
		log:      log.Named("replan"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		queued:   map[Reason]int{},
	}
}

// SetClock replaces the coordinator's time source. Offline solves use it to
// score a scenario at its own timestamp.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// OnCommit registers fn to run after every committed plan. Hooks run on the
// planning goroutine and must not block.
func (c *Coordinator) OnCommit(fn func(model.Plan)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Notify asks for a replan. Bursts inside the coalescing window collapse into
// one solve. An urgent trigger skips the window and cancels a solve in flight.
func (c *Coordinator) Notify(reason Reason, urgent bool) {
	metrics.Triggers.WithLabelValues(string(reason)).Inc()
	c.mu.Lock()
	c.queued[reason]++
	if urgent {
		c.urgent = true
		if c.cancel != nil {
			c.cancel()
		}
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives triggers and the periodic tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.cfg.Tick > 0 {
		t := time.NewTicker(c.cfg.Tick)
		defer t.Stop()
		tick = t.C
	}
	var window <-chan time.Time
	c.log.Info("coordinator started",
		zap.Duration("coalesce", c.cfg.Coalesce),
		zap.Duration("tick", c.cfg.Tick),
		zap.Duration("budget", c.cfg.TimeBudget),
		zap.Float64("hysteresis", c.cfg.Hysteresis))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopped")
			return nil
		case <-c.wake:
			if c.takeUrgent() {
				window = time.After(0)
			} else if window == nil {
				window = time.After(c.cfg.Coalesce)
			}
		case <-window:
			window = nil
			c.runCycle(ctx, c.takeQueued())
		case <-tick:
			if window == nil {
				c.runCycle(ctx, map[Reason]int{TriggerTick: 1})
			}
		}
	}
}

// ReplanNow runs one cycle synchronously, cancelling any solve in flight,
// and returns the plan in force afterwards.
func (c *Coordinator) ReplanNow(ctx context.Context) (model.Plan, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	return c.replan(ctx, TriggerRequest)
}

// Halted reports whether planning stopped on a corrupt plan.
func (c *Coordinator) Halted() bool { return c.halted.Load() }

// HaltCause returns the error that halted planning, nil when running.
func (c *Coordinator) HaltCause() error {
	if !c.halted.Load() {
		return nil
	}
	err, _ := c.cause.Load().(error)
	return err
}

// Resume clears a halt and schedules a replan.
func (c *Coordinator) Resume() {
	if c.halted.CompareAndSwap(true, false) {
		metrics.Halted.Set(0)
		c.log.Warn("planning resumed")
	}
	c.Notify(TriggerRequest, false)
}

func (c *Coordinator) takeUrgent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.urgent
	c.urgent = false
	return u
}

func (c *Coordinator) takeQueued() map[Reason]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queued
	c.queued = map[Reason]int{}
	return q
}

func (c *Coordinator) runCycle(ctx context.Context, reasons map[Reason]int) {
	reason := TriggerTick
	n := 0
	for r, k := range reasons {
		n += k
		if r != TriggerTick {
			reason = r
		}
	}
	_, err := c.replan(ctx, reason)
	switch {
	case err == nil, errors.Is(err, ErrHalted):
	case errors.Is(err, ErrCancelled):
		c.log.Debug("solve cancelled by urgent trigger")
	case ctx.Err() != nil:
	default:
		c.log.Warn("replan failed", zap.String("reason", string(reason)), zap.Int("triggers", n), zap.Error(err))
	}
}

// replan takes a snapshot, solves, weighs the result against the repaired
// incumbent and commits, retrying stale commits up to MaxStaleRetries.
func (c *Coordinator) replan(ctx context.Context, reason Reason) (model.Plan, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()
	if c.halted.Load() {
		return model.Plan{}, ErrHalted
	}
	var err error
	for attempt := 1; attempt <= c.cfg.MaxStaleRetries; attempt++ {
		var plan model.Plan
		plan, err = c.attempt(ctx, reason)
		if err == nil {
			return plan, nil
		}
		switch {
		case errors.Is(err, store.ErrStaleSnapshot):
			metrics.Solves.WithLabelValues("stale").Inc()
			metrics.StaleRetries.Inc()
			c.log.Info("stale snapshot, retrying", zap.Int("attempt", attempt), zap.Error(err))
			continue
		case errors.Is(err, store.ErrCorrupt):
			metrics.Solves.WithLabelValues("corrupt").Inc()
			c.halt(err)
			return model.Plan{}, err
		default:
			return model.Plan{}, err
		}
	}
	c.log.Warn("giving up after stale retries; waiting for next tick", zap.Int("retries", c.cfg.MaxStaleRetries))
	return model.Plan{}, err
}

func (c *Coordinator) attempt(ctx context.Context, reason Reason) (model.Plan, error) {
	snap := c.store.Snapshot(ctx)
	now := c.now()
	scores := c.priority.ScoreAll(snap.Victims, now)
	c.store.SetUrgencies(scores)
	in := BuildInput(snap, scores, now)

	solveCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	cand, m := c.planner.Solve(solveCtx, in, c.cfg.TimeBudget)
	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
	cancel()

	opt.RecordMetrics(m)
	metrics.SolveDuration.Observe(m.Elapsed.Seconds())
	if m.Cancelled {
		metrics.Solves.WithLabelValues("cancelled").Inc()
		if err := ctx.Err(); err != nil {
			return model.Plan{}, err
		}
		return model.Plan{}, ErrCancelled
	}
	if m.TimedOut {
		c.log.Warn("solver hit time budget; using best found",
			zap.Duration("budget", c.cfg.TimeBudget), zap.Int("stops", m.Stops), zap.Int("iterations", m.Iterations))
	}

	plan := cand
	outcome := "committed"
	if snap.Plan != nil && len(in.Responders) > 0 {
		inc, _ := c.planner.Repair(in, snap.Plan)
		if !Improves(cand.Objective, inc.Objective, c.cfg.Hysteresis) {
			plan = inc
			outcome = "kept"
			c.log.Debug("keeping incumbent",
				zap.Float64("candidate", cand.Objective),
				zap.Float64("incumbent", inc.Objective),
				zap.Float64("hysteresis", c.cfg.Hysteresis))
		}
	}
	if snap.Plan != nil && SameAssignment(plan, *snap.Plan) {
		metrics.Solves.WithLabelValues("unchanged").Inc()
		// urgency moved even though the routes did not
		metrics.PlanObjective.Set(c.planner.Objective(in, *snap.Plan))
		c.log.Debug("plan unchanged", zap.String("reason", string(reason)), zap.String("plan_id", snap.Plan.ID))
		return *snap.Plan, nil
	}

	committed, err := c.store.CommitPlan(ctx, plan)
	if err != nil {
		return model.Plan{}, err
	}
	metrics.Solves.WithLabelValues(outcome).Inc()
	metrics.PlanObjective.Set(committed.Objective)
	metrics.UnreachableVictims.Set(float64(len(committed.Unreachable)))
	c.log.Info("plan committed",
		zap.String("plan_id", committed.ID),
		zap.String("reason", string(reason)),
		zap.String("source", committed.Source),
		zap.Int("routes", len(committed.Routes)),
		zap.Int("unreachable", len(committed.Unreachable)),
		zap.Float64("objective", committed.Objective),
		zap.Duration("solve", m.Elapsed))

	c.mu.Lock()
	hooks := append([]func(model.Plan){}, c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(committed)
	}
	return committed, nil
}

func (c *Coordinator) halt(err error) {
	c.cause.Store(err)
	c.halted.Store(true)
	metrics.Halted.Set(1)
	c.log.Error("planning halted on corrupt plan; resume required", zap.Error(err))
}

// BuildInput selects what one solve sees. Available responders with spare
// capacity take new work; responders holding an en-route victim always stay
// in, closed to new work when they are not available. An unreachable victim
// is held out until some responder has gained capacity or availability since
// it became unreachable; a re-detection makes it detected again directly.
func BuildInput(snap store.Snapshot, scores map[string]float64, now time.Time) opt.Input {
	in := opt.Input{
		Now:     now,
		Version: snap.Version,
		Pinned:  snap.Pinned(),
		Closed:  map[string]bool{},
		Epoch:   snap.CapacityEpoch,
	}
	for _, r := range snap.Responders {
		open := r.Available(now) && r.RemainingCapacity > 0
		if !open && len(in.Pinned[r.ID]) == 0 {
			continue
		}
		if !open {
			in.Closed[r.ID] = true
		}
		in.Responders = append(in.Responders, r)
	}
	for _, v := range snap.Victims {
		if !v.Active() {
			continue
		}
		if v.Status == model.VictimUnreachable && v.UnreachableEpoch >= snap.CapacityEpoch {
			continue
		}
		v.Urgency = scores[v.ID]
		in.Victims = append(in.Victims, v)
	}
	return in
}

// Improves reports whether candidate beats incumbent by more than margin.
func Improves(candidate, incumbent, margin float64) bool {
	return candidate < incumbent*(1-margin)-1e-9
}

// SameAssignment reports whether a and b route the same victims in the same
// order, leave the same victims unserved, and agree on route distances
// within a meter.
func SameAssignment(a, b model.Plan) bool {
	if len(a.Routes) != len(b.Routes) || len(a.Unreachable) != len(b.Unreachable) {
		return false
	}
	for i := range a.Routes {
		ra, rb := a.Routes[i], b.Routes[i]
		if ra.ResponderID != rb.ResponderID || len(ra.VictimIDs) != len(rb.VictimIDs) {
			return false
		}
		for k := range ra.VictimIDs {
			if ra.VictimIDs[k] != rb.VictimIDs[k] {
				return false
			}
		}
		if math.Abs(ra.CumulativeDistanceM-rb.CumulativeDistanceM) > 1 {
			return false
		}
	}
	un := map[string]bool{}
	for _, id := range b.Unreachable {
		un[id] = true
	}
	for _, id := range a.Unreachable {
		if !un[id] {
			return false
		}
	}
	return true
}
