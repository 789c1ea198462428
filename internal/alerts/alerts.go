// Package alerts is the administrator-facing alert channel for
// reconciliation inconsistencies. Alerts are never auto-remediated: they
// are logged at error level with an alert marker and forwarded on the
// event bus for an out-of-scope admin notifier to deliver.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/billingkit/cashier/internal/outbox"
)

type eventPublisher interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload map[string]any) error
}

type Alerter struct {
	logger *slog.Logger
	events eventPublisher
}

func New(logger *slog.Logger, events eventPublisher) *Alerter {
	return &Alerter{logger: logger, events: events}
}

// Alert records an operator-remediation alert. kv are alternating slog
// key/value pairs attached to both the log line and the published event.
func (a *Alerter) Alert(ctx context.Context, message string, kv ...any) {
	args := append([]any{"alert", true}, kv...)
	a.logger.Error(message, args...)

	if a.events == nil {
		return
	}
	payload := map[string]any{
		"message":     message,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			payload[key] = kv[i+1]
		}
	}
	if err := a.events.Publish(ctx, outbox.EventAdminAlert, "admin", payload); err != nil {
		a.logger.Error("failed to publish admin alert", "err", err)
	}
}
