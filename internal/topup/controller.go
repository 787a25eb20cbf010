package topup

import (
	"context"
	"errors"
	"time"

	"creditd/internal/ledger"
	"creditd/internal/payments"
	"creditd/pkg/config"
	"creditd/pkg/logging"
	"creditd/pkg/retry"

	"github.com/shopspring/decimal"
)

// ErrNoPaymentMethod means auto top-up is enabled but the account has no
// saved payment method to charge.
var ErrNoPaymentMethod = errors.New("no saved payment method for auto top-up")

// Charger performs an off-session payment against a saved payment method
// and returns the gateway reference for the charge.
type Charger interface {
	ChargeSavedPaymentMethod(ctx context.Context, params payments.ChargeParams) (string, error)
}

// Controller decides when an account needs an automatic top-up and fires
// the charge. The decision runs under the account row lock so concurrent
// triggers collapse to one in-flight charge; the gateway call itself
// happens strictly outside the lock.
type Controller struct {
	store  ledger.Store
	charge Charger
	policy config.BillingPolicy
	logger logging.Logger

	// breaker guards the gateway itself, across organizations in this
	// process. The per-account breaker persisted on the account row stays
	// authoritative for per-account policy.
	breaker *retry.CircuitBreaker
}

func NewController(store ledger.Store, charger Charger, policy config.BillingPolicy, logger logging.Logger) *Controller {
	return &Controller{
		store:   store,
		charge:  charger,
		policy:  policy,
		logger:  logger,
		breaker: retry.NewCircuitBreaker(retry.DefaultCircuitBreakerConfig()),
	}
}

// chargeIntent is the decision captured under the lock.
type chargeIntent struct {
	amount           decimal.Decimal
	customerRef      string
	paymentMethodRef string
}

// CheckAndTrigger evaluates the account's top-up state and, when every
// gate passes, charges the saved payment method. Returns true when a
// charge was attempted. A false return with nil error means the account
// did not need a top-up or a guard suppressed it.
func (c *Controller) CheckAndTrigger(ctx context.Context, organizationID string) (bool, error) {
	var intent *chargeIntent
	var guardErr error

	err := c.store.WithAccountLock(ctx, organizationID, func(tx ledger.AccountTx) error {
		acct := tx.Account()

		if !acct.AutoTopUpEnabled {
			return nil
		}
		if acct.Balance.GreaterThanOrEqual(acct.TopUpThreshold) {
			return nil
		}
		if !c.circuitAllows(acct) {
			c.logger.WithField("organization_id", organizationID).
				Debug("Top-up suppressed, circuit open")
			return nil
		}
		if acct.TopUpRequestedAt != nil && time.Since(*acct.TopUpRequestedAt) < c.policy.TopUpCooldown {
			return nil
		}

		lastTopUp, err := tx.LastAutoTopUpAt(ctx)
		if err != nil {
			return err
		}
		if lastTopUp != nil && time.Since(*lastTopUp) < c.policy.TopUpCooldown {
			return nil
		}

		if acct.PaymentCustomerRef == "" || acct.PaymentMethodRef == "" {
			guardErr = ErrNoPaymentMethod
			return nil
		}

		if err := tx.MarkTopUpRequested(ctx, time.Now().UTC()); err != nil {
			return err
		}
		intent = &chargeIntent{
			amount:           acct.TopUpAmount,
			customerRef:      acct.PaymentCustomerRef,
			paymentMethodRef: acct.PaymentMethodRef,
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if guardErr != nil {
		return false, guardErr
	}
	if intent == nil {
		return false, nil
	}

	return true, c.executeCharge(ctx, organizationID, intent)
}

// circuitAllows reports whether the persisted breaker permits a charge.
// An open circuit transitions to half-open after the reset window and
// admits a single retry attempt.
func (c *Controller) circuitAllows(acct *ledger.Account) bool {
	if acct.TopUpFailureCount < c.policy.BreakerFailureThreshold {
		return true
	}
	if acct.CircuitOpenedAt == nil {
		return true
	}
	return time.Since(*acct.CircuitOpenedAt) >= c.policy.BreakerResetWindow
}

func (c *Controller) executeCharge(ctx context.Context, organizationID string, intent *chargeIntent) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.policy.ChargeMaxAttempts
	cfg.Retryable = payments.IsTransient
	cfg.CircuitBreaker = c.breaker

	chargeErr := retry.Do(ctx, cfg, func(ctx context.Context) error {
		ref, err := c.charge.ChargeSavedPaymentMethod(ctx, payments.ChargeParams{
			OrganizationID:   organizationID,
			CustomerRef:      intent.customerRef,
			PaymentMethodRef: intent.paymentMethodRef,
			Amount:           intent.amount,
			Currency:         c.policy.Currency,
		})
		if err != nil {
			return err
		}
		c.logger.WithFields(map[string]interface{}{
			"organization_id": organizationID,
			"gateway_ref":     ref,
			"amount":          intent.amount.String(),
		}).Info("Auto top-up charge submitted")
		return nil
	})
	if chargeErr == nil {
		// The credit lands when the gateway confirms the charge via
		// webhook; the in-flight marker holds off repeat triggers until
		// then or until the cooldown lapses.
		return nil
	}

	c.logger.WithError(chargeErr).WithField("organization_id", organizationID).
		Warn("Auto top-up charge failed")

	count, err := c.store.RecordTopUpFailure(ctx, organizationID, c.policy.BreakerFailureThreshold)
	if err != nil {
		c.logger.WithError(err).WithField("organization_id", organizationID).
			Error("Failed to record top-up failure")
		return chargeErr
	}
	if count >= c.policy.BreakerFailureThreshold {
		c.logger.WithFields(map[string]interface{}{
			"organization_id": organizationID,
			"failures":        count,
		}).Warn("Top-up circuit opened after repeated failures")
	}
	return chargeErr
}
