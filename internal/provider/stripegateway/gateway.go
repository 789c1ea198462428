// Package stripegateway implements provider.Client against Stripe.
//
// The stripe-go SDK uses a package-global API key; usage of that global is
// confined to this package.
package stripegateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billingkit/cashier/internal/provider"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/paymentmethod"
	"github.com/stripe/stripe-go/v79/setupintent"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"
)

type Gateway struct{}

type Config struct {
	SecretKey string
}

func New(cfg Config) (*Gateway, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripegateway: secret key is required")
	}
	stripe.Key = key
	return &Gateway{}, nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, profile provider.CustomerProfile, paymentMethodNonce string) (*provider.Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(profile.Email),
		Name:  stripe.String(profile.Name),
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return nil, mapErr(err)
	}

	pm, err := g.CreatePaymentMethod(ctx, cust.ID, paymentMethodNonce, true)
	if err != nil {
		return nil, err
	}
	return &provider.Customer{
		ID:             cust.ID,
		Email:          profile.Email,
		Name:           profile.Name,
		PaymentMethods: []provider.PaymentMethod{*pm},
	}, nil
}

func (g *Gateway) FindCustomer(ctx context.Context, customerID string) (*provider.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := customer.Get(customerID, params)
	if err != nil {
		return nil, mapErr(err)
	}

	defaultToken := ""
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		defaultToken = cust.InvoiceSettings.DefaultPaymentMethod.ID
	}

	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String("card"),
	}
	listParams.Context = ctx
	out := &provider.Customer{ID: cust.ID, Email: cust.Email, Name: cust.Name}
	iter := paymentmethod.List(listParams)
	for iter.Next() {
		pm := iter.PaymentMethod()
		out.PaymentMethods = append(out.PaymentMethods, provider.PaymentMethod{
			Token:   pm.ID,
			Type:    string(pm.Type),
			Default: pm.ID == defaultToken,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (g *Gateway) CreatePaymentMethod(ctx context.Context, customerID, paymentMethodNonce string, makeDefault bool) (*provider.PaymentMethod, error) {
	attachParams := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attachParams.Context = ctx
	pm, err := paymentmethod.Attach(paymentMethodNonce, attachParams)
	if err != nil {
		return nil, mapErr(err)
	}

	if makeDefault {
		updateParams := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(pm.ID),
			},
		}
		updateParams.Context = ctx
		if _, err := customer.Update(customerID, updateParams); err != nil {
			return nil, mapErr(err)
		}
	}
	return &provider.PaymentMethod{Token: pm.ID, Type: string(pm.Type), Default: makeDefault}, nil
}

func (g *Gateway) DeletePaymentMethod(ctx context.Context, token string) error {
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	_, err := paymentmethod.Detach(token, params)
	return mapErr(err)
}

func (g *Gateway) CreateSubscription(ctx context.Context, req provider.CreateSubscriptionRequest) (*provider.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PlanID)},
		},
	}
	params.Context = ctx
	if req.PaymentMethodToken != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodToken)
	}
	if req.DiscountID != "" {
		params.Coupon = stripe.String(req.DiscountID)
	}
	sub, err := stripesubscription.New(params)
	if err != nil {
		return nil, mapErr(err)
	}
	snapshot := ToProviderSubscription(sub)
	return &snapshot, nil
}

func (g *Gateway) UpdateSubscription(ctx context.Context, providerSubscriptionID string, req provider.UpdateSubscriptionRequest) (*provider.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	if req.PlanID != "" {
		getParams := &stripe.SubscriptionParams{}
		getParams.Context = ctx
		current, err := stripesubscription.Get(providerSubscriptionID, getParams)
		if err != nil {
			return nil, mapErr(err)
		}
		if current.Items == nil || len(current.Items.Data) == 0 {
			return nil, &provider.Error{Kind: provider.KindGateway, Message: "subscription has no line items"}
		}
		params.Items = []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(req.PlanID),
			},
		}
	}
	if req.PaymentMethodToken != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodToken)
	}
	if req.DiscountID != "" {
		params.Coupon = stripe.String(req.DiscountID)
	}

	sub, err := stripesubscription.Update(providerSubscriptionID, params)
	if err != nil {
		return nil, mapErr(err)
	}
	snapshot := ToProviderSubscription(sub)
	return &snapshot, nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, providerSubscriptionID string) (*provider.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := stripesubscription.Cancel(providerSubscriptionID, params)
	if err != nil {
		return nil, mapErr(err)
	}
	snapshot := ToProviderSubscription(sub)
	return &snapshot, nil
}

func (g *Gateway) SearchSubscriptions(ctx context.Context, criteria provider.SearchCriteria) ([]provider.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Context = ctx
	// Stripe models "active and in trial" as its own lifecycle status.
	switch {
	case criteria.InTrial:
		params.Status = stripe.String(string(stripe.SubscriptionStatusTrialing))
	case criteria.Status == provider.SubscriptionActive:
		params.Status = stripe.String(string(stripe.SubscriptionStatusActive))
	case criteria.Status == provider.SubscriptionCanceled:
		params.Status = stripe.String(string(stripe.SubscriptionStatusCanceled))
	}
	if !criteria.NextBillingBefore.IsZero() {
		params.CurrentPeriodEndRange = &stripe.RangeQueryParams{
			LesserThanOrEqual: criteria.NextBillingBefore.Unix(),
		}
	}

	var out []provider.Subscription
	iter := stripesubscription.List(params)
	for iter.Next() {
		out = append(out, ToProviderSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (g *Gateway) GenerateClientToken(ctx context.Context, customerID string) (string, error) {
	params := &stripe.SetupIntentParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	si, err := setupintent.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return si.ClientSecret, nil
}

// ToProviderSubscription converts a Stripe subscription into the neutral
// snapshot shape consumed by the reconciliation engine. A subscription that
// is still trialing has never been billed, so its billing period end is
// reported as zero and its first billing date is the trial end.
func ToProviderSubscription(s *stripe.Subscription) provider.Subscription {
	out := provider.Subscription{
		ID:      s.ID,
		Status:  mapStatus(s.Status),
		InTrial: s.Status == stripe.SubscriptionStatusTrialing,
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PlanID = item.Price.ID
			out.CurrencyCode = strings.ToUpper(string(item.Price.Currency))
			qty := item.Quantity
			if qty == 0 {
				qty = 1
			}
			out.NextBillingAmount = minorUnitsToDecimal(item.Price.UnitAmount * qty)
		}
	}
	if out.InTrial {
		if s.TrialEnd > 0 {
			out.FirstBillingDate = time.Unix(s.TrialEnd, 0).UTC()
			out.NextBillingDate = out.FirstBillingDate
		}
	} else {
		if s.StartDate > 0 {
			out.FirstBillingDate = time.Unix(s.StartDate, 0).UTC()
		}
		if s.CurrentPeriodEnd > 0 {
			end := time.Unix(s.CurrentPeriodEnd, 0).UTC()
			out.BillingPeriodEndDate = end
			out.NextBillingDate = end
		}
	}
	return out
}

func mapStatus(status stripe.SubscriptionStatus) provider.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return provider.SubscriptionActive
	case stripe.SubscriptionStatusCanceled:
		return provider.SubscriptionCanceled
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return provider.SubscriptionPastDue
	case stripe.SubscriptionStatusIncompleteExpired:
		return provider.SubscriptionExpired
	default:
		return provider.SubscriptionStatus(status)
	}
}

func minorUnitsToDecimal(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return &provider.Error{Kind: provider.KindTransient, Message: "billing gateway unreachable", Raw: err}
	}
	switch {
	case sErr.Type == stripe.ErrorTypeCard:
		return &provider.Error{Kind: provider.KindDeclined, Message: sErr.Msg, Raw: err}
	case sErr.Code == stripe.ErrorCodeResourceMissing:
		return &provider.Error{Kind: provider.KindNotFound, Message: sErr.Msg, Raw: err}
	case sErr.Type == stripe.ErrorTypeInvalidRequest && strings.Contains(sErr.Param, "payment_method"):
		return &provider.Error{Kind: provider.KindInvalidToken, Message: sErr.Msg, Raw: err}
	case sErr.HTTPStatusCode >= 500 || sErr.Type == stripe.ErrorTypeAPI:
		return &provider.Error{Kind: provider.KindTransient, Message: sErr.Msg, Raw: err}
	default:
		return &provider.Error{Kind: provider.KindGateway, Message: sErr.Msg, Raw: err}
	}
}
