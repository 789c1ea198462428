package trials

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/internal/notify"
	"github.com/billingkit/cashier/internal/provider"
)

type fakeStore struct {
	subs    map[string]billing.Subscription
	notices []notify.Job
	order   []string
}

func (s *fakeStore) FindByProviderSubscriptionID(_ context.Context, providerID string) (billing.Subscription, error) {
	sub, ok := s.subs[providerID]
	if !ok {
		return billing.Subscription{}, billing.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *fakeStore) RecordTrialNotice(_ context.Context, subscriptionID string, job notify.Job) (bool, error) {
	for providerID, sub := range s.subs {
		if sub.ID != subscriptionID {
			continue
		}
		if sub.TrialNoticeSent {
			return false, nil
		}
		sub.TrialNoticeSent = true
		s.subs[providerID] = sub
		s.notices = append(s.notices, job)
		s.order = append(s.order, subscriptionID)
		return true, nil
	}
	return false, billing.ErrSubscriptionNotFound
}

type fakeAlerter struct {
	messages []string
}

func (a *fakeAlerter) Alert(_ context.Context, message string, _ ...any) {
	a.messages = append(a.messages, message)
}

type fakeSearcher struct {
	results  []provider.Subscription
	err      error
	criteria provider.SearchCriteria
}

func (s *fakeSearcher) SearchSubscriptions(_ context.Context, criteria provider.SearchCriteria) ([]provider.Subscription, error) {
	s.criteria = criteria
	return s.results, s.err
}

func trialSub(id, userID string) billing.Subscription {
	return billing.Subscription{
		ID:                     "local-" + id,
		UserID:                 userID,
		Name:                   "Premium",
		Type:                   billing.TypePaidIndividual,
		Status:                 billing.StatusActive,
		ProviderSubscriptionID: id,
		IsTrialing:             true,
	}
}

func newTestSweeper(store *fakeStore, searcher *fakeSearcher) (*Sweeper, *fakeAlerter) {
	alerter := &fakeAlerter{}
	return NewSweeper(nil, store, searcher, alerter, slog.Default(), Config{NoticeWindow: 48 * time.Hour}), alerter
}

func TestSweepEnqueuesOneNoticePerSubscription(t *testing.T) {
	billingDate := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: map[string]billing.Subscription{
		"psub-a": trialSub("psub-a", "user-a"),
	}}
	searcher := &fakeSearcher{results: []provider.Subscription{
		{ID: "psub-a", Status: provider.SubscriptionActive, InTrial: true, NextBillingDate: billingDate, NextBillingAmount: "12.50", CurrencyCode: "USD"},
	}}
	sweeper, _ := newTestSweeper(store, searcher)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if len(store.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(store.notices))
	}
	job := store.notices[0]
	if job.UserID != "user-a" || job.SubscriptionID != "local-psub-a" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.IdempotencyKey == "" {
		t.Fatalf("expected idempotency key set")
	}

	// Re-sweeping the same provider results must not enqueue again.
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("second SweepOnce failed: %v", err)
	}
	if len(store.notices) != 1 {
		t.Fatalf("expected notice count unchanged, got %d", len(store.notices))
	}
}

func TestSweepAbortsOnProviderError(t *testing.T) {
	store := &fakeStore{subs: map[string]billing.Subscription{
		"psub-a": trialSub("psub-a", "user-a"),
	}}
	searcher := &fakeSearcher{err: errors.New("search timeout")}
	sweeper, _ := newTestSweeper(store, searcher)

	if err := sweeper.SweepOnce(context.Background()); err == nil {
		t.Fatalf("expected sweep to fail")
	}
	if len(store.notices) != 0 {
		t.Fatalf("expected no notices after aborted sweep, got %d", len(store.notices))
	}
	if store.subs["psub-a"].TrialNoticeSent {
		t.Fatalf("expected trial notice flag untouched")
	}
}

func TestSweepProcessesLatestBillingFirst(t *testing.T) {
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: map[string]billing.Subscription{
		"psub-a": trialSub("psub-a", "user-a"),
		"psub-b": trialSub("psub-b", "user-b"),
		"psub-c": trialSub("psub-c", "user-c"),
	}}
	searcher := &fakeSearcher{results: []provider.Subscription{
		{ID: "psub-a", Status: provider.SubscriptionActive, InTrial: true, NextBillingDate: base.Add(2 * time.Hour)},
		{ID: "psub-b", Status: provider.SubscriptionActive, InTrial: true, NextBillingDate: base.Add(30 * time.Hour)},
		{ID: "psub-c", Status: provider.SubscriptionActive, InTrial: true, NextBillingDate: base.Add(10 * time.Hour)},
	}}
	sweeper, _ := newTestSweeper(store, searcher)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	want := []string{"local-psub-b", "local-psub-c", "local-psub-a"}
	if len(store.order) != len(want) {
		t.Fatalf("expected %d notices, got %d", len(want), len(store.order))
	}
	for i := range want {
		if store.order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, store.order)
		}
	}
}

func TestSweepSkipsAlreadyNotifiedAndNonTrialing(t *testing.T) {
	notified := trialSub("psub-a", "user-a")
	notified.TrialNoticeSent = true
	converted := trialSub("psub-b", "user-b")
	converted.IsTrialing = false
	store := &fakeStore{subs: map[string]billing.Subscription{
		"psub-a": notified,
		"psub-b": converted,
	}}
	searcher := &fakeSearcher{results: []provider.Subscription{
		{ID: "psub-a", Status: provider.SubscriptionActive, InTrial: true},
		{ID: "psub-b", Status: provider.SubscriptionActive, InTrial: true},
	}}
	sweeper, alerter := newTestSweeper(store, searcher)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if len(store.notices) != 0 {
		t.Fatalf("expected no notices, got %d", len(store.notices))
	}
	if len(alerter.messages) != 0 {
		t.Fatalf("expected no alerts, got %v", alerter.messages)
	}
}

func TestSweepAlertsOnMissingLocalRecord(t *testing.T) {
	store := &fakeStore{subs: map[string]billing.Subscription{
		"psub-a": trialSub("psub-a", "user-a"),
	}}
	searcher := &fakeSearcher{results: []provider.Subscription{
		{ID: "psub-orphan", Status: provider.SubscriptionActive, InTrial: true},
		{ID: "psub-a", Status: provider.SubscriptionActive, InTrial: true},
	}}
	sweeper, alerter := newTestSweeper(store, searcher)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if len(alerter.messages) != 1 {
		t.Fatalf("expected 1 admin alert, got %v", alerter.messages)
	}
	// The orphan must not stop notices for subscriptions that do resolve.
	if len(store.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(store.notices))
	}
}

func TestSweepUsesNoticeWindow(t *testing.T) {
	store := &fakeStore{subs: map[string]billing.Subscription{}}
	searcher := &fakeSearcher{}
	sweeper, _ := newTestSweeper(store, searcher)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if !searcher.criteria.InTrial || searcher.criteria.Status != provider.SubscriptionActive {
		t.Fatalf("unexpected criteria %+v", searcher.criteria)
	}
	until := time.Until(searcher.criteria.NextBillingBefore)
	if until < 47*time.Hour || until > 49*time.Hour {
		t.Fatalf("expected cutoff about 48h out, got %v", until)
	}
}
