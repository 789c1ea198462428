package billing

import (
	"testing"
	"time"
)

func validSubscription() Subscription {
	return Subscription{
		ID:                     "sub-1",
		UserID:                 "user-1",
		Name:                   "Premium",
		Type:                   TypePaidIndividual,
		Status:                 StatusActive,
		ProviderSubscriptionID: "psub-1",
	}
}

func TestValidateAcceptsCompleteRecord(t *testing.T) {
	s := validSubscription()
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateRequiresUser(t *testing.T) {
	s := validSubscription()
	s.UserID = ""
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestValidateRejectsUnknownStatus(t *testing.T) {
	s := validSubscription()
	s.Status = SubscriptionStatus("paused")
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestValidateCancelAtPeriodEndNeedsDate(t *testing.T) {
	s := validSubscription()
	s.CancelAtPeriodEnd = true
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error without period end")
	}
	end := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	s.PeriodEnd = &end
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid with period end, got %v", err)
	}
}

func TestValidateProviderIDByType(t *testing.T) {
	s := validSubscription()
	s.ProviderSubscriptionID = ""
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for paid subscription without provider id")
	}
	s.Type = TypeFree
	if err := s.Validate(); err != nil {
		t.Fatalf("expected free subscription valid without provider id, got %v", err)
	}
}

func TestRequireProviderIDRegistersType(t *testing.T) {
	custom := SubscriptionType("paid_team")
	if RequiresProviderID(custom) {
		t.Fatalf("expected custom type unregistered")
	}
	RequireProviderID(custom)
	if !RequiresProviderID(custom) {
		t.Fatalf("expected custom type registered")
	}
}

func TestDiscountAppliesTo(t *testing.T) {
	plan := BillingPlan{ID: "premium", Environment: EnvironmentProduction}
	d := Discount{
		ProviderDiscountID: "SPRING",
		Environment:        EnvironmentProduction,
		Published:          true,
		BillingPlanIDs:     []string{"premium", "basic"},
	}
	if !d.AppliesTo(plan) {
		t.Fatalf("expected discount to apply")
	}

	unpublished := d
	unpublished.Published = false
	if unpublished.AppliesTo(plan) {
		t.Fatalf("expected unpublished discount rejected")
	}

	wrongEnv := d
	wrongEnv.Environment = EnvironmentSandbox
	if wrongEnv.AppliesTo(plan) {
		t.Fatalf("expected cross-environment discount rejected")
	}

	other := d
	other.BillingPlanIDs = []string{"basic"}
	if other.AppliesTo(plan) {
		t.Fatalf("expected discount for other plans rejected")
	}
}
