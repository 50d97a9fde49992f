package store

import (
	"context"

	"rescuenav/internal/model"
)

// Archive keeps an append-only history of committed plans and ingested
// events for after-action review. It is never read on the planning path.
type Archive interface {
	RecordPlan(ctx context.Context, plan model.Plan) error
	RecordEvent(ctx context.Context, kind, entityID string, payload any) error
	Close() error
}

// Nop is the Archive used when no DATABASE_URL is set.
type Nop struct{}

func (Nop) RecordPlan(context.Context, model.Plan) error { return nil }
func (Nop) RecordEvent(context.Context, string, string, any) error { return nil }
func (Nop) Close() error { return nil }
