package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/internal/provider"
)

func TestWriteBillingErrorMapping(t *testing.T) {
	h := &Handler{}
	cases := []struct {
		err      error
		wantCode int
	}{
		{billing.ErrPlanNotFound, http.StatusNotFound},
		{billing.ErrSubscriptionNotFound, http.StatusNotFound},
		{billing.ErrPlanUnavailable, http.StatusBadRequest},
		{billing.ErrInvalidDiscount, http.StatusBadRequest},
		{billing.ErrActiveSubscriptionExists, http.StatusConflict},
		{billing.ErrNotProviderManaged, http.StatusConflict},
		{fmt.Errorf("%w: write failed", billing.ErrReconciliationInconsistency), http.StatusInternalServerError},
		{&provider.Error{Kind: provider.KindDeclined, Message: "card declined"}, http.StatusPaymentRequired},
		{&provider.Error{Kind: provider.KindInvalidToken, Message: "bad nonce"}, http.StatusBadRequest},
		{&provider.Error{Kind: provider.KindTransient, Message: "timeout"}, http.StatusBadGateway},
		{errors.New("acquire connection: pool closed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rw := httptest.NewRecorder()
		h.writeBillingError(rw, tc.err)
		if rw.Code != tc.wantCode {
			t.Fatalf("err %v: expected %d, got %d", tc.err, tc.wantCode, rw.Code)
		}
	}
}

func TestWriteBillingErrorHidesGatewayDetails(t *testing.T) {
	h := &Handler{}
	rw := httptest.NewRecorder()
	h.writeBillingError(rw, &provider.Error{Kind: provider.KindGateway, Message: "pool exhausted at 10.0.3.7"})
	if strings.Contains(rw.Body.String(), "10.0.3.7") {
		t.Fatalf("expected gateway internals hidden, got %q", rw.Body.String())
	}
}

func TestWriteBillingErrorInternalFailuresStayInternal(t *testing.T) {
	h := &Handler{}
	rw := httptest.NewRecorder()
	h.writeBillingError(rw, errors.New("acquire connection: pool closed"))
	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rw.Code)
	}
	if !strings.Contains(rw.Body.String(), "internal error") {
		t.Fatalf("expected generic message, got %q", rw.Body.String())
	}
}

func TestWriteBillingErrorShowsDeclineMessage(t *testing.T) {
	h := &Handler{}
	rw := httptest.NewRecorder()
	h.writeBillingError(rw, &provider.Error{Kind: provider.KindDeclined, Message: "insufficient funds"})
	if !strings.Contains(rw.Body.String(), "insufficient funds") {
		t.Fatalf("expected decline reason surfaced, got %q", rw.Body.String())
	}
}

func TestAdminEndpointsRejectNonAdmins(t *testing.T) {
	h := &Handler{}
	endpoints := []http.HandlerFunc{h.CancelSubscriptionNow, h.CreateManualSubscription}
	for i, endpoint := range endpoints {
		req := httptest.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(`{}`))
		req.Header.Set("X-Role", "member")
		req.Header.Set("X-User-Id", "user-1")
		rw := httptest.NewRecorder()
		endpoint(rw, req)
		if rw.Code != http.StatusForbidden {
			t.Fatalf("endpoint %d: expected 403, got %d", i, rw.Code)
		}
	}
}

func TestCreateSubscriptionRequiresUserContext(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(`{}`))
	rw := httptest.NewRecorder()
	h.CreateSubscription(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestCallerUserReadsHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-User-Id", " user-1 ")
	req.Header.Set("X-User-Email", "u1@example.com")
	req.Header.Set("X-User-Name", "User One")

	user, ok := callerUser(req)
	if !ok {
		t.Fatalf("expected user context")
	}
	if user.ID != "user-1" || user.Email != "u1@example.com" || user.Name != "User One" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, ok := callerUser(httptest.NewRequest(http.MethodGet, "http://example.com", nil)); ok {
		t.Fatalf("expected missing user context")
	}
}
