package engine

import (
	"context"
	"fmt"

	"github.com/billingkit/cashier/internal/outbox"
	"github.com/billingkit/cashier/internal/provider"
)

// ensureCustomerWithPaymentMethod resolves the provider customer for a
// user, creating one on first contact, and turns the single-use nonce into
// a stored default payment method. It returns the customer ID and the new
// method's token.
func (e *Engine) ensureCustomerWithPaymentMethod(ctx context.Context, user User, paymentMethodNonce string) (customerID, token string, err error) {
	customerID, err = e.customers.ProviderCustomerID(ctx, user.ID)
	if err != nil {
		return "", "", err
	}

	if customerID == "" {
		customer, err := e.provider.CreateCustomer(ctx, provider.CustomerProfile{
			Email: user.Email,
			Name:  user.Name,
		}, paymentMethodNonce)
		if err != nil {
			return "", "", err
		}
		if err := e.customers.SetProviderCustomerID(ctx, user.ID, customer.ID); err != nil {
			// The remote customer exists but is unlinked. No charge has
			// happened yet, so failing here is safe; a later retry creates a
			// second customer, which the provider tolerates.
			return "", "", fmt.Errorf("link provider customer %s: %w", customer.ID, err)
		}
		return customer.ID, defaultMethodToken(customer), nil
	}

	method, err := e.provider.CreatePaymentMethod(ctx, customerID, paymentMethodNonce, true)
	if err != nil {
		return "", "", err
	}
	return customerID, method.Token, nil
}

// UpdatePaymentMethod replaces the user's stored payment method: the nonce
// becomes the new default, any provider-billed active subscription is
// repointed at it, and older stored methods are deleted so exactly one
// remains.
func (e *Engine) UpdatePaymentMethod(ctx context.Context, user User, paymentMethodNonce string) error {
	customerID, token, err := e.ensureCustomerWithPaymentMethod(ctx, user, paymentMethodNonce)
	if err != nil {
		e.publishProviderError(ctx, user.ID, err)
		return err
	}

	sub, exists, err := e.store.ActiveSubscriptionForUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if exists && sub.ProviderSubscriptionID != "" {
		if _, err := e.provider.UpdateSubscription(ctx, sub.ProviderSubscriptionID, provider.UpdateSubscriptionRequest{
			PaymentMethodToken: token,
		}); err != nil {
			e.publishProviderError(ctx, user.ID, err)
			return err
		}
	}

	customer, err := e.provider.FindCustomer(ctx, customerID)
	if err != nil {
		e.publishProviderError(ctx, user.ID, err)
		return err
	}
	methodType := ""
	for _, m := range customer.PaymentMethods {
		if m.Token == token {
			methodType = m.Type
			continue
		}
		if err := e.provider.DeletePaymentMethod(ctx, m.Token); err != nil {
			// The new default is already in place; a leftover old method is
			// harmless, so log and keep going.
			e.logger.Warn("failed to delete superseded payment method", "user_id", user.ID, "err", err)
		}
	}

	if err := e.events.Publish(ctx, outbox.EventPaymentMethodUpdated, user.ID, map[string]any{
		"user_id":             user.ID,
		"payment_method_type": methodType,
	}); err != nil {
		e.logger.Error("failed to publish payment method event", "user_id", user.ID, "err", err)
	}
	e.logger.Info("payment method updated", "user_id", user.ID)
	return nil
}

// ClientToken returns the checkout authorization token for the user. Users
// without a provider customer yet get the anonymous variant.
func (e *Engine) ClientToken(ctx context.Context, userID string) (string, error) {
	customerID, err := e.customers.ProviderCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	token, err := e.provider.GenerateClientToken(ctx, customerID)
	if err != nil {
		e.publishProviderError(ctx, userID, err)
		return "", err
	}
	return token, nil
}

func defaultMethodToken(c *provider.Customer) string {
	for _, m := range c.PaymentMethods {
		if m.Default {
			return m.Token
		}
	}
	if len(c.PaymentMethods) > 0 {
		return c.PaymentMethods[0].Token
	}
	return ""
}
