package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rescuenav/internal/geo"
	"rescuenav/internal/ingest"
	"rescuenav/internal/metrics"
	"rescuenav/internal/model"
	"rescuenav/internal/replan"
	"rescuenav/internal/store"
)

// Notifier receives replan triggers.
type Notifier interface {
	Notify(reason replan.Reason, urgent bool)
}

var _ ingest.Sink = (*Ingestor)(nil)

// Ingestor is the shared event pipeline behind the HTTP endpoints and the
// MQTT adapter: validate, apply to the store, archive, then trigger a replan.
type Ingestor struct {
	Store   *store.Memory
	Coord   Notifier
	Archive store.Archive
	Cost    geo.CostModel
	// MoveM is the responder displacement that counts as a material change.
	MoveM float64
	Log   *zap.Logger
	Now   func() time.Time
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now().UTC()
}

func (in *Ingestor) notify(reason replan.Reason, urgent bool) {
	if in.Coord != nil {
		in.Coord.Notify(reason, urgent)
	}
}

func (in *Ingestor) archive(ctx context.Context, kind, id string, payload any) {
	if in.Archive == nil {
		return
	}
	if err := in.Archive.RecordEvent(ctx, kind, id, payload); err != nil && in.Log != nil {
		in.Log.Warn("archive event failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}

func count(source, kind string, err error) {
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	metrics.Ingested.WithLabelValues(source, kind, result).Inc()
}

// Detection ingests a victim detection.
func (in *Ingestor) Detection(ctx context.Context, source string, ev model.DetectionEvent) (ch store.VictimChange, err error) {
	defer func() { count(source, "detection", err) }()
	d, err := validateDetection(ev, in.now())
	if err != nil {
		return ch, err
	}
	ch, err = in.Store.UpsertVictim(ctx, d)
	if err != nil {
		return ch, err
	}
	in.archive(ctx, "detection", d.VictimID, ev)
	in.notify(replan.TriggerDetection, replan.UrgentVictimChange(ch))
	return ch, nil
}

// Likelihood ingests a survival-likelihood refresh. Ignored refreshes do not
// trigger a replan.
func (in *Ingestor) Likelihood(ctx context.Context, source string, ev model.LikelihoodEvent) (ch store.VictimChange, err error) {
	defer func() { count(source, "likelihood", err) }()
	ev, err = validateLikelihoodEvent(ev, in.now())
	if err != nil {
		return ch, err
	}
	ch, err = in.Store.RefreshLikelihood(ctx, ev.VictimID, ev.SurvivalLikelihood, ev.ScoredAt)
	if err != nil {
		return ch, err
	}
	in.archive(ctx, "likelihood", ev.VictimID, ev)
	if ch.Prev != nil && ch.Prev.ScoredAt.Equal(ch.Next.ScoredAt) && ch.Prev.SurvivalLikelihood == ch.Next.SurvivalLikelihood {
		return ch, nil
	}
	in.notify(replan.TriggerRefresh, false)
	return ch, nil
}

// Responder ingests a responder state report.
func (in *Ingestor) Responder(ctx context.Context, source string, ev model.ResponderEvent) (ch store.ResponderChange, err error) {
	defer func() { count(source, "responder", err) }()
	u, err := validateResponder(ev, in.now())
	if err != nil {
		return ch, err
	}
	ch, err = in.Store.UpdateResponder(ctx, u)
	if err != nil {
		return ch, err
	}
	in.archive(ctx, "responder", u.ResponderID, ev)
	moveM := in.MoveM
	if moveM <= 0 {
		moveM = replan.DefaultMaterialMoveM
	}
	if replan.MaterialResponderChange(ch, in.Cost, moveM) {
		in.notify(replan.TriggerResponder, false)
	}
	return ch, nil
}

// Complete records a completed stop.
func (in *Ingestor) Complete(ctx context.Context, source string, c model.StopCompletion) (v model.Victim, err error) {
	defer func() { count(source, "completion", err) }()
	if c.ResponderID, err = validateID("responder_id", c.ResponderID); err != nil {
		return v, err
	}
	if c.VictimID, err = validateID("victim_id", c.VictimID); err != nil {
		return v, err
	}
	if c.At.IsZero() {
		c.At = in.now()
	}
	v, err = in.Store.CompleteStop(ctx, c.ResponderID, c.VictimID, c.At)
	if err != nil {
		return v, err
	}
	in.archive(ctx, "completion", c.VictimID, c)
	in.notify(replan.TriggerCompletion, false)
	return v, nil
}

// Unreachable records an external report that a victim cannot be reached.
func (in *Ingestor) Unreachable(ctx context.Context, source, victimID string) (v model.Victim, err error) {
	defer func() { count(source, "unreachable", err) }()
	if victimID, err = validateID("victim_id", victimID); err != nil {
		return v, err
	}
	v, err = in.Store.MarkUnreachable(ctx, victimID)
	if err != nil {
		return v, err
	}
	in.archive(ctx, "unreachable", victimID, map[string]any{"victim_id": victimID})
	in.notify(replan.TriggerCompletion, false)
	return v, nil
}
