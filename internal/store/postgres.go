package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rescuenav/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
    id           UUID PRIMARY KEY,
    base_version BIGINT NOT NULL,
    source       TEXT NOT NULL,
    objective    DOUBLE PRECISION NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    body         JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS plan_routes (
    plan_id      UUID NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
    responder_id TEXT NOT NULL,
    victim_ids   TEXT[] NOT NULL,
    distance_m   DOUBLE PRECISION NOT NULL,
    completes_at TIMESTAMPTZ NOT NULL,
    feasible     BOOLEAN NOT NULL,
    PRIMARY KEY (plan_id, responder_id)
);
CREATE TABLE IF NOT EXISTS events (
    id          UUID PRIMARY KEY,
    kind        TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    payload     JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS events_entity_idx ON events (entity_id, recorded_at);
`

// Postgres archives plans and events.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresDB wraps an open handle.
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate creates the archive tables if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// RecordPlan stores plan and one row per route in a single transaction.
func (p *Postgres) RecordPlan(ctx context.Context, plan model.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO plans (id, base_version, source, objective, created_at, body)
        VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		plan.ID, int64(plan.BaseVersion), plan.Source, plan.Objective, plan.CreatedAt, body); err != nil {
		return fmt.Errorf("record plan %s: %w", plan.ID, err)
	}
	for _, rt := range plan.Routes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO plan_routes (plan_id, responder_id, victim_ids, distance_m, completes_at, feasible)
            VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
			plan.ID, rt.ResponderID, pgTextArray(rt.VictimIDs), rt.CumulativeDistanceM, rt.EstimatedCompletion, rt.Feasible); err != nil {
			return fmt.Errorf("record plan %s route %s: %w", plan.ID, rt.ResponderID, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) RecordEvent(ctx context.Context, kind, entityID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO events (id, kind, entity_id, payload) VALUES ($1,$2,$3,$4)`,
		uuid.New().String(), kind, entityID, b)
	if err != nil {
		return fmt.Errorf("record event %s: %w", kind, err)
	}
	return nil
}

// PlanIDs lists archived plan ids, newest first.
func (p *Postgres) PlanIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text FROM plans ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }

// pgTextArray renders ids as a Postgres text[] literal.
func pgTextArray(ids []string) string {
	b, _ := json.Marshal(ids)
	s := string(b)
	return "{" + s[1:len(s)-1] + "}"
}
