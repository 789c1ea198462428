// Package handlers exposes the billing HTTP API. Authentication happens at
// the gateway; handlers trust the X-User-Id and X-Role headers it injects.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/billingkit/cashier/internal/alerts"
	"github.com/billingkit/cashier/internal/billing"
	"github.com/billingkit/cashier/internal/engine"
	"github.com/billingkit/cashier/internal/money"
	"github.com/billingkit/cashier/internal/provider"
	"github.com/billingkit/cashier/internal/storage"
)

type Handler struct {
	engine           *engine.Engine
	repo             *storage.Repository
	alerter          *alerts.Alerter
	logger           *slog.Logger
	environment      billing.Environment
	webhookSecret    string
	webhookTolerance time.Duration
}

type Config struct {
	Environment             string
	WebhookSecret           string
	WebhookToleranceSeconds int
}

func New(eng *engine.Engine, repo *storage.Repository, alerter *alerts.Alerter, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.WebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	env := billing.Environment(strings.TrimSpace(cfg.Environment))
	if env == "" {
		env = billing.EnvironmentSandbox
	}
	return &Handler{
		engine:           eng,
		repo:             repo,
		alerter:          alerter,
		logger:           logger,
		environment:      env,
		webhookSecret:    strings.TrimSpace(cfg.WebhookSecret),
		webhookTolerance: time.Duration(tolSeconds) * time.Second,
	}
}

type createSubscriptionRequest struct {
	PlanID             string `json:"plan_id"`
	PaymentMethodNonce string `json:"payment_method_nonce"`
	CouponCode         string `json:"coupon_code,omitempty"`
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := callerUser(r)
	if !ok {
		http.Error(w, "missing user context", http.StatusUnauthorized)
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.PaymentMethodNonce = strings.TrimSpace(req.PaymentMethodNonce)
	req.CouponCode = strings.TrimSpace(req.CouponCode)
	if req.PlanID == "" || req.PaymentMethodNonce == "" {
		http.Error(w, "plan_id and payment_method_nonce are required", http.StatusBadRequest)
		return
	}

	sub, err := h.engine.CreateSubscription(r.Context(), user, req.PlanID, req.PaymentMethodNonce, req.CouponCode)
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionResponse(sub))
}

type swapSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
	PlanID         string `json:"plan_id"`
	CouponCode     string `json:"coupon_code,omitempty"`
}

func (h *Handler) SwapSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req swapSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if req.SubscriptionID == "" || req.PlanID == "" {
		http.Error(w, "subscription_id and plan_id are required", http.StatusBadRequest)
		return
	}
	if !h.authorizeSubscriptionAccess(w, r, req.SubscriptionID) {
		return
	}

	sub, err := h.engine.SwapSubscription(r.Context(), req.SubscriptionID, req.PlanID, strings.TrimSpace(req.CouponCode))
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

type cancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
	CancelMessage  string `json:"cancel_message,omitempty"`
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.SubscriptionID == "" {
		http.Error(w, "subscription_id is required", http.StatusBadRequest)
		return
	}
	if !h.authorizeSubscriptionAccess(w, r, req.SubscriptionID) {
		return
	}

	sub, err := h.engine.Cancel(r.Context(), req.SubscriptionID, strings.TrimSpace(req.CancelMessage))
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

// CancelSubscriptionNow is the administrative immediate cancel. It skips
// the provider, so it is also the cleanup path when a subscription was
// already removed provider-side.
func (h *Handler) CancelSubscriptionNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("X-Role") != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req cancelSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.SubscriptionID == "" {
		http.Error(w, "subscription_id is required", http.StatusBadRequest)
		return
	}

	sub, err := h.engine.CancelNow(r.Context(), req.SubscriptionID, strings.TrimSpace(req.CancelMessage))
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

type manualSubscriptionRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

func (h *Handler) CreateManualSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("X-Role") != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req manualSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if req.UserID == "" || req.PlanID == "" {
		http.Error(w, "user_id and plan_id are required", http.StatusBadRequest)
		return
	}

	sub, err := h.engine.CreateManualSubscription(r.Context(), req.UserID, req.PlanID)
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionResponse(sub))
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	callerID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		userID = callerID
	}
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if r.Header.Get("X-Role") != "admin" && callerID != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sub, exists, err := h.repo.ActiveSubscriptionForUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}
	if !exists {
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": "none"})
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

// ListPlans is public: the signup page renders from it before login.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	plans, err := h.repo.ListAvailablePlans(r.Context(), h.environment)
	if err != nil {
		http.Error(w, "failed to load plans", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(plans))
	for _, p := range plans {
		display := p.Price
		if formatted, err := money.Format(p.Price, p.CurrencyCode); err == nil {
			display = formatted
		}
		out = append(out, map[string]any{
			"id":             p.ID,
			"name":           p.Name,
			"type":           string(p.Type),
			"price":          p.Price,
			"currency_code":  p.CurrencyCode,
			"price_display":  display,
			"has_free_trial": p.HasFreeTrial,
			"weight":         p.Weight,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

type paymentMethodRequest struct {
	PaymentMethodNonce string `json:"payment_method_nonce"`
}

func (h *Handler) UpdatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := callerUser(r)
	if !ok {
		http.Error(w, "missing user context", http.StatusUnauthorized)
		return
	}
	var req paymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.PaymentMethodNonce = strings.TrimSpace(req.PaymentMethodNonce)
	if req.PaymentMethodNonce == "" {
		http.Error(w, "payment_method_nonce is required", http.StatusBadRequest)
		return
	}

	if err := h.engine.UpdatePaymentMethod(r.Context(), user, req.PaymentMethodNonce); err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) ClientToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Anonymous visitors get a token too; the checkout form loads before
	// signup completes.
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	token, err := h.engine.ClientToken(r.Context(), userID)
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_token": token})
}

// authorizeSubscriptionAccess loads the subscription and enforces that the
// caller owns it or is an admin. It writes the error response itself.
func (h *Handler) authorizeSubscriptionAccess(w http.ResponseWriter, r *http.Request, subscriptionID string) bool {
	sub, err := h.repo.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return false
		}
		http.Error(w, "failed to load subscription", http.StatusInternalServerError)
		return false
	}
	if r.Header.Get("X-Role") == "admin" {
		return true
	}
	callerID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if callerID == "" || callerID != sub.UserID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// writeBillingError maps domain and provider errors to HTTP responses.
// Card declines and bad payment tokens surface the provider's message;
// everything else stays generic so gateway internals never reach users.
func (h *Handler) writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrPlanNotFound):
		http.Error(w, "plan not found", http.StatusNotFound)
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		http.Error(w, "subscription not found", http.StatusNotFound)
	case errors.Is(err, billing.ErrPlanUnavailable):
		http.Error(w, "plan is not available for signup", http.StatusBadRequest)
	case errors.Is(err, billing.ErrInvalidDiscount):
		http.Error(w, "coupon code is not valid for this plan", http.StatusBadRequest)
	case errors.Is(err, billing.ErrActiveSubscriptionExists):
		http.Error(w, "an active subscription already exists", http.StatusConflict)
	case errors.Is(err, billing.ErrNotProviderManaged):
		http.Error(w, "subscription is not billed through the payment provider", http.StatusConflict)
	case errors.Is(err, billing.ErrReconciliationInconsistency):
		http.Error(w, "payment was processed but could not be recorded; support has been notified", http.StatusInternalServerError)
	case provider.IsDeclined(err):
		http.Error(w, provider.UserMessage(err), http.StatusPaymentRequired)
	case provider.KindOf(err) == provider.KindInvalidToken:
		http.Error(w, provider.UserMessage(err), http.StatusBadRequest)
	case provider.KindOf(err) != "":
		http.Error(w, provider.UserMessage(err), http.StatusBadGateway)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func callerUser(r *http.Request) (engine.User, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if id == "" {
		return engine.User{}, false
	}
	return engine.User{
		ID:    id,
		Email: strings.TrimSpace(r.Header.Get("X-User-Email")),
		Name:  strings.TrimSpace(r.Header.Get("X-User-Name")),
	}, true
}

func subscriptionResponse(sub billing.Subscription) map[string]any {
	resp := map[string]any{
		"id":                   sub.ID,
		"user_id":              sub.UserID,
		"plan_id":              sub.BillingPlanID,
		"name":                 sub.Name,
		"type":                 string(sub.Type),
		"status":               string(sub.Status),
		"is_trialing":          sub.IsTrialing,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
	}
	if sub.PeriodEnd != nil {
		resp["period_end"] = sub.PeriodEnd.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
