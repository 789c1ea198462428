package outbox

import (
	"context"
	"encoding/json"

	"github.com/billingkit/cashier/libs/db"
)

// Sink is the fire-and-forget event bus handed to the reconciliation core.
// Each publish is committed to the outbox table; the Publisher goroutine
// delivers it to Kafka later.
type Sink struct {
	pool *db.Pool
	repo *Repository
}

func NewSink(pool *db.Pool, repo *Repository) *Sink {
	return &Sink{pool: pool, repo: repo}
}

func (s *Sink) Publish(ctx context.Context, eventType, aggregateID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.repo.Insert(ctx, tx, Event{
		AggregateType: "subscription",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
