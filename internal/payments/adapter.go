package payments

import (
	"context"
	"fmt"

	"creditd/internal/ledger"
	"creditd/pkg/config"
	"creditd/pkg/logging"
	"creditd/pkg/money"
)

// CreditLedger is the slice of the ledger service the adapter needs.
type CreditLedger interface {
	ApplyCredit(ctx context.Context, p ledger.CreditParams) (*ledger.Transaction, error)
}

// AccountStore is the slice of the ledger store the adapter needs for
// bookkeeping outside the transaction path.
type AccountStore interface {
	RecordTopUpFailure(ctx context.Context, organizationID string, threshold int) (int, error)
	UpdatePaymentRefs(ctx context.Context, organizationID, customerRef, paymentMethodRef string) error
}

// Adapter turns verified payment confirmation events into ledger credits.
// Successful payments are credited net of the platform fee; failed
// auto top-up charges feed the top-up failure counter.
type Adapter struct {
	ledger CreditLedger
	store  AccountStore
	policy config.BillingPolicy
	logger logging.Logger
}

func NewAdapter(l CreditLedger, store AccountStore, policy config.BillingPolicy, logger logging.Logger) *Adapter {
	return &Adapter{
		ledger: l,
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// HandleEvent processes one payment confirmation event. Safe to call with
// redelivered events: the gateway reference is the ledger idempotency key,
// so a duplicate success credits exactly once.
func (a *Adapter) HandleEvent(ctx context.Context, ev PaymentEvent) error {
	if ev.OrganizationID == "" {
		return fmt.Errorf("payment event %s has no organization", ev.ReferenceID)
	}

	switch ev.Outcome {
	case OutcomeSucceeded:
		return a.handleSuccess(ctx, ev)
	case OutcomeFailed:
		return a.handleFailure(ctx, ev)
	default:
		return fmt.Errorf("unknown payment outcome %q", ev.Outcome)
	}
}

func (a *Adapter) handleSuccess(ctx context.Context, ev PaymentEvent) error {
	gross := money.FromMinorUnits(ev.AmountMinorUnits)
	net := money.NetOfFee(gross, a.policy.PlatformFeeRate)

	txType := ledger.TxPurchase
	description := "Credit purchase"
	if ev.Kind == KindAutoTopUp {
		txType = ledger.TxAutoTopUp
		description = "Automatic top-up"
	}

	tx, err := a.ledger.ApplyCredit(ctx, ledger.CreditParams{
		OrganizationID: ev.OrganizationID,
		Amount:         net,
		Type:           txType,
		ExternalRef:    ev.ReferenceID,
		Description:    description,
		Metadata: map[string]string{
			"gateway_ref":  ev.ReferenceID,
			"gross_amount": gross.String(),
			"currency":     ev.Currency,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to credit payment %s: %w", ev.ReferenceID, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"organization_id": ev.OrganizationID,
		"transaction_id":  tx.ID,
		"type":            string(txType),
		"gross":           gross.String(),
		"net":             net.String(),
	}).Info("Payment credited to ledger")

	if ev.CustomerRef != "" {
		if err := a.store.UpdatePaymentRefs(ctx, ev.OrganizationID, ev.CustomerRef, ev.PaymentMethodRef); err != nil {
			a.logger.WithError(err).WithField("organization_id", ev.OrganizationID).
				Warn("Failed to store payment references")
		}
	}

	return nil
}

func (a *Adapter) handleFailure(ctx context.Context, ev PaymentEvent) error {
	a.logger.WithFields(map[string]interface{}{
		"organization_id": ev.OrganizationID,
		"reference_id":    ev.ReferenceID,
		"kind":            string(ev.Kind),
		"reason":          ev.FailureReason,
	}).Warn("Payment failed")

	if ev.Kind != KindAutoTopUp {
		return nil
	}

	count, err := a.store.RecordTopUpFailure(ctx, ev.OrganizationID, a.policy.BreakerFailureThreshold)
	if err != nil {
		return fmt.Errorf("failed to record top-up failure: %w", err)
	}
	if count >= a.policy.BreakerFailureThreshold {
		a.logger.WithFields(map[string]interface{}{
			"organization_id": ev.OrganizationID,
			"failures":        count,
		}).Warn("Top-up circuit opened after repeated failures")
	}
	return nil
}
