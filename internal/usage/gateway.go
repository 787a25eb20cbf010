package usage

import (
	"context"
	"errors"
	"fmt"

	"creditd/internal/ledger"
	"creditd/pkg/config"
	"creditd/pkg/logging"
	"creditd/pkg/money"

	"github.com/shopspring/decimal"
)

// ValidationError marks a usage report that can never be charged, no
// matter how often it is retried. Async consumers commit these instead of
// redelivering.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid usage report: " + e.Reason
}

// IsValidation reports whether err is a permanent usage report rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DebitLedger is the slice of the ledger service the gateway needs.
type DebitLedger interface {
	ApplyDebit(ctx context.Context, p ledger.DebitParams) (*ledger.Transaction, error)
}

// TopUpChecker fires an auto top-up evaluation for an organization.
// Implemented by the top-up controller.
type TopUpChecker interface {
	CheckAndTrigger(ctx context.Context, organizationID string) (bool, error)
}

// Report is a usage event priced at provider cost. The gateway applies
// the platform markup before debiting.
type Report struct {
	OrganizationID string            `json:"organization_id"`
	ProviderCost   decimal.Decimal   `json:"provider_cost"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Gateway prices usage reports and debits the ledger. After every report
// it nudges the top-up controller so accounts refill before they run dry.
type Gateway struct {
	ledger DebitLedger
	topup  TopUpChecker
	policy config.BillingPolicy
	logger logging.Logger
}

func NewGateway(l DebitLedger, topup TopUpChecker, policy config.BillingPolicy, logger logging.Logger) *Gateway {
	return &Gateway{
		ledger: l,
		topup:  topup,
		policy: policy,
		logger: logger,
	}
}

// Debit charges the organization for one usage report. The returned error
// is an *ledger.InsufficientCreditsError when the balance cannot cover
// the marked-up cost, or a *ValidationError when the report itself is
// unchargeable. A cost whose marked-up charge rounds to zero is a free
// no-op: nil transaction, nil error, nothing written.
func (g *Gateway) Debit(ctx context.Context, report Report) (*ledger.Transaction, error) {
	if report.OrganizationID == "" {
		return nil, &ValidationError{Reason: "missing organization"}
	}
	if report.ProviderCost.IsNegative() {
		return nil, &ValidationError{Reason: fmt.Sprintf("negative provider cost %s", report.ProviderCost)}
	}

	amount := money.WithMarkup(report.ProviderCost, g.policy.UsageMarkupRate)
	if amount.IsZero() {
		g.logger.WithFields(map[string]interface{}{
			"organization_id": report.OrganizationID,
			"provider_cost":   report.ProviderCost.String(),
		}).Debug("Usage charge rounds to zero, nothing debited")
		return nil, nil
	}

	description := report.Description
	if description == "" {
		description = "Usage charge"
	}

	metadata := map[string]string{
		"provider_cost": report.ProviderCost.String(),
	}
	for k, v := range report.Metadata {
		metadata[k] = v
	}

	txn, err := g.ledger.ApplyDebit(ctx, ledger.DebitParams{
		OrganizationID: report.OrganizationID,
		Amount:         amount,
		ExternalRef:    report.ExternalRef,
		Description:    description,
		Metadata:       metadata,
	})
	if err != nil {
		if ledger.IsInsufficientCredits(err) {
			// A rejected debit is the strongest signal the account needs a
			// refill. Best effort; the rejection stands either way.
			g.nudgeTopUp(ctx, report.OrganizationID)
		}
		return nil, err
	}

	g.logger.WithFields(map[string]interface{}{
		"organization_id": report.OrganizationID,
		"transaction_id":  txn.ID,
		"amount":          amount.String(),
		"balance_after":   txn.BalanceAfter.String(),
	}).Debug("Usage debit applied")

	g.nudgeTopUp(ctx, report.OrganizationID)
	return txn, nil
}

func (g *Gateway) nudgeTopUp(ctx context.Context, organizationID string) {
	if g.topup == nil {
		return
	}
	if _, err := g.topup.CheckAndTrigger(ctx, organizationID); err != nil {
		g.logger.WithError(err).WithField("organization_id", organizationID).
			Warn("Auto top-up check failed")
	}
}
