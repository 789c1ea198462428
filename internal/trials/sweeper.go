// Package trials runs the periodic sweep that warns users before a free
// trial converts into a paid charge.
package trials

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/internal/money"
	"github.com/billingkit/cashier/internal/notify"
	"github.com/billingkit/cashier/internal/provider"
	"github.com/billingkit/cashier/libs/db"
)

// Store is the slice of local state the sweeper touches.
type Store interface {
	FindByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (billing.Subscription, error)
	RecordTrialNotice(ctx context.Context, subscriptionID string, job notify.Job) (bool, error)
}

// Searcher is the provider-side query the sweep is driven by. The provider
// is authoritative for which trials are about to convert; the local mirror
// only contributes the dedupe flag.
type Searcher interface {
	SearchSubscriptions(ctx context.Context, criteria provider.SearchCriteria) ([]provider.Subscription, error)
}

// Alerter forwards reconciliation inconsistencies to an administrator.
type Alerter interface {
	Alert(ctx context.Context, message string, kv ...any)
}

type Sweeper struct {
	pool        *db.Pool
	store       Store
	provider    Searcher
	alerter     Alerter
	logger      *slog.Logger
	window      time.Duration
	batchSize   int
	advisoryKey int64
	now         func() time.Time
}

type Config struct {
	// NoticeWindow is how far ahead of the first charge the notice goes out.
	NoticeWindow    time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func NewSweeper(pool *db.Pool, store Store, providerClient Searcher, alerter Alerter, logger *slog.Logger, cfg Config) *Sweeper {
	window := cfg.NoticeWindow
	if window <= 0 {
		window = 48 * time.Hour
	}
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 100
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		lockKey = 7281002
	}
	return &Sweeper{
		pool:        pool,
		store:       store,
		provider:    providerClient,
		alerter:     alerter,
		logger:      logger,
		window:      window,
		batchSize:   bs,
		advisoryKey: lockKey,
		now:         time.Now,
	}
}

// Run sweeps on a fixed interval. A Postgres advisory lock elects a single
// sweeping instance across a multi-instance deployment.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.advisoryKey).Scan(&locked); err != nil {
			s.logger.Error("trial sweep: failed to acquire advisory lock", "err", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		if !locked {
			s.logger.Info("trial sweep: advisory lock held by another instance", "lock_key", s.advisoryKey)
			if !sleepCtx(ctx, 30*time.Second) {
				return
			}
			continue
		}
		s.logger.Info("trial sweep: advisory lock acquired", "lock_key", s.advisoryKey)
		defer func() {
			_, _ = s.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, s.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Sweep immediately on startup so notices delayed by downtime still go
	// out before the charge.
	if err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("trial sweep failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("trial sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce queries the provider for trialing subscriptions whose first
// charge falls inside the notice window and enqueues one notice per
// subscription. A provider error aborts the whole sweep; the next tick
// retries from scratch since nothing was marked.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := s.now().UTC().Add(s.window)
	remotes, err := s.provider.SearchSubscriptions(ctx, provider.SearchCriteria{
		Status:            provider.SubscriptionActive,
		InTrial:           true,
		NextBillingBefore: cutoff,
	})
	if err != nil {
		return err
	}

	sort.Slice(remotes, func(i, j int) bool {
		return remotes[i].NextBillingDate.After(remotes[j].NextBillingDate)
	})
	if len(remotes) > s.batchSize {
		remotes = remotes[:s.batchSize]
	}

	enqueued := 0
	for _, remote := range remotes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.TrimSpace(remote.ID) == "" {
			continue
		}
		sub, err := s.store.FindByProviderSubscriptionID(ctx, remote.ID)
		if err != nil {
			// The provider is billing a trial the local mirror knows nothing
			// about. An operator has to reconcile by hand; the sweep moves on.
			s.alerter.Alert(ctx, "trialing subscription at provider has no local record",
				"provider_subscription_id", remote.ID,
				"err", err.Error(),
			)
			continue
		}
		if sub.TrialNoticeSent || sub.Status != billing.StatusActive || !sub.IsTrialing {
			continue
		}

		recorded, err := s.store.RecordTrialNotice(ctx, sub.ID, s.buildJob(sub, remote))
		if err != nil {
			s.logger.Error("trial sweep: failed to enqueue notice", "subscription_id", sub.ID, "err", err)
			continue
		}
		if recorded {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info("trial sweep complete", "enqueued", enqueued, "candidates", len(remotes))
	}
	return nil
}

// sleepCtx waits for d and reports false if the context was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Sweeper) buildJob(sub billing.Subscription, remote provider.Subscription) notify.Job {
	amount := remote.NextBillingAmount
	if formatted, err := money.Format(remote.NextBillingAmount, remote.CurrencyCode); err == nil {
		amount = formatted
	}
	return notify.Job{
		IdempotencyKey: "trial_notice|" + sub.ID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		NotifyAt:       s.now().UTC(),
		TemplateData: map[string]any{
			"subscription_name": sub.Name,
			"first_charge_at":   remote.NextBillingDate.UTC().Format(time.RFC3339),
			"amount":            amount,
		},
	}
}
