package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rescuenav/internal/model"
)

// EventPlanCommitted is emitted after every committed plan.
const EventPlanCommitted = "plan.committed"

// Target is one subscriber endpoint.
type Target struct {
	URL    string
	Secret string
}

type Publisher struct {
	Queue   Queue
	Targets []Target
	Log     *zap.Logger
}

func NewPublisher(q Queue, targets []Target, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{Queue: q, Targets: targets, Log: log.Named("webhooks")}
}

// Emit queues {id, type, ts, data} for every target.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	if len(p.Targets) == 0 {
		return
	}
	payload := map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.Log.Error("webhook payload not serializable", zap.String("type", eventType), zap.Error(err))
		return
	}
	for _, t := range p.Targets {
		if _, err := p.Queue.Enqueue(ctx, eventType, t.URL, t.Secret, body); err != nil {
			p.Log.Warn("webhook enqueue failed", zap.String("url", t.URL), zap.Error(err))
		}
	}
}

// PlanCommitted is a commit hook for the replanning coordinator.
func (p *Publisher) PlanCommitted(plan model.Plan) {
	p.Emit(context.Background(), EventPlanCommitted, plan)
}
