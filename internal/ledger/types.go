package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"
	TxAutoTopUp  TransactionType = "auto_topup"
	TxUsageDebit TransactionType = "usage_debit"
	TxAdjustment TransactionType = "adjustment"
)

// Account is one organization's credit balance plus its auto top-up
// settings. The top-up bookkeeping columns (requested-at marker, failure
// count, circuit timestamp) live on the row so the controller state
// machine is shared across service instances.
type Account struct {
	OrganizationID     string          `json:"organization_id"`
	Balance            decimal.Decimal `json:"balance"`
	Currency           string          `json:"currency"`
	AutoTopUpEnabled   bool            `json:"auto_topup_enabled"`
	TopUpThreshold     decimal.Decimal `json:"topup_threshold"`
	TopUpAmount        decimal.Decimal `json:"topup_amount"`
	PaymentCustomerRef string          `json:"-"`
	PaymentMethodRef   string          `json:"-"`
	TopUpRequestedAt   *time.Time      `json:"topup_requested_at,omitempty"`
	TopUpFailureCount  int             `json:"topup_failure_count"`
	CircuitOpenedAt    *time.Time      `json:"circuit_opened_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Transaction is an append-only ledger entry. Amount is signed: credits
// positive, debits negative. BalanceAfter snapshots the account balance
// at commit time. ExternalRef, when set, is unique per organization and
// makes the write idempotent.
type Transaction struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Type           TransactionType   `json:"type"`
	Amount         decimal.Decimal   `json:"amount"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
