package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"creditd/pkg/logging"
	"creditd/pkg/money"
)

// Service owns all balance mutations. Every write happens inside a
// row-locked transaction; the service itself keeps no per-account state,
// so any number of instances can run against the same database.
type Service struct {
	store  Store
	logger logging.Logger
}

// NewService creates a ledger service.
func NewService(store Store, logger logging.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Store exposes the underlying store for collaborators that need read or
// bookkeeping access (top-up controller, jobs).
func (s *Service) Store() Store { return s.store }

// CreditParams describes a credit to apply.
type CreditParams struct {
	OrganizationID string
	Amount         decimal.Decimal
	Type           TransactionType
	ExternalRef    string
	Description    string
	Metadata       map[string]string
}

// ApplyCredit adds credits to an account. When ExternalRef is set the
// operation is idempotent: replays return the already-recorded transaction
// and change nothing.
func (s *Service) ApplyCredit(ctx context.Context, p CreditParams) (*Transaction, error) {
	amount := money.Normalize(p.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", p.Amount)
	}
	switch p.Type {
	case TxPurchase, TxAutoTopUp, TxAdjustment:
	default:
		return nil, fmt.Errorf("invalid credit transaction type %q", p.Type)
	}

	// Fast path: a replayed reference never needs the lock.
	if p.ExternalRef != "" {
		existing, err := s.store.FindTransactionByExternalRef(ctx, p.OrganizationID, p.ExternalRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.WithFields(logging.Fields{
				"organization_id": p.OrganizationID,
				"external_ref":    p.ExternalRef,
				"transaction_id":  existing.ID,
			}).Info("Credit already applied, returning existing transaction")
			return existing, nil
		}
	}

	var result *Transaction
	err := s.store.WithAccountLock(ctx, p.OrganizationID, func(tx AccountTx) error {
		// Re-check under the lock: another instance may have won the race.
		if p.ExternalRef != "" {
			existing, err := tx.FindTransactionByExternalRef(ctx, p.ExternalRef)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}

		newBalance := tx.Account().Balance.Add(amount)
		txn := &Transaction{
			OrganizationID: p.OrganizationID,
			Type:           p.Type,
			Amount:         amount,
			BalanceAfter:   newBalance,
			ExternalRef:    p.ExternalRef,
			Description:    p.Description,
			Metadata:       p.Metadata,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, newBalance); err != nil {
			return err
		}

		// A successful payment closes the top-up circuit; an auto top-up
		// credit additionally retires the in-flight marker.
		if err := tx.ResetTopUpFailures(ctx, p.Type == TxAutoTopUp); err != nil {
			return err
		}

		result = txn
		return nil
	})

	// Unique-violation backstop: a concurrent writer committed the same
	// reference between our check and insert.
	if errors.Is(err, ErrDuplicateExternalRef) && p.ExternalRef != "" {
		existing, ferr := s.store.FindTransactionByExternalRef(ctx, p.OrganizationID, p.ExternalRef)
		if ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": p.OrganizationID,
		"type":            p.Type,
		"amount":          amount,
		"balance_after":   result.BalanceAfter,
		"external_ref":    p.ExternalRef,
	}).Info("Credit applied")

	return result, nil
}

// DebitParams describes a usage debit to apply.
type DebitParams struct {
	OrganizationID string
	Amount         decimal.Decimal
	ExternalRef    string
	Description    string
	Metadata       map[string]string
}

// ApplyDebit removes credits for usage. The balance never goes negative:
// a debit exceeding the balance fails with InsufficientCreditsError and
// writes nothing.
func (s *Service) ApplyDebit(ctx context.Context, p DebitParams) (*Transaction, error) {
	amount := money.Normalize(p.Amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %s", p.Amount)
	}

	var result *Transaction
	err := s.store.WithAccountLock(ctx, p.OrganizationID, func(tx AccountTx) error {
		if p.ExternalRef != "" {
			existing, err := tx.FindTransactionByExternalRef(ctx, p.ExternalRef)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}

		balance := tx.Account().Balance
		if balance.LessThan(amount) {
			return &InsufficientCreditsError{
				OrganizationID: p.OrganizationID,
				Available:      balance,
				Requested:      amount,
			}
		}

		newBalance := balance.Sub(amount)
		txn := &Transaction{
			OrganizationID: p.OrganizationID,
			Type:           TxUsageDebit,
			Amount:         amount.Neg(),
			BalanceAfter:   newBalance,
			ExternalRef:    p.ExternalRef,
			Description:    p.Description,
			Metadata:       p.Metadata,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, newBalance); err != nil {
			return err
		}

		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": p.OrganizationID,
		"amount":          amount,
		"balance_after":   result.BalanceAfter,
	}).Info("Usage debit applied")

	return result, nil
}

// Balance returns the account; organizations that never transacted get a
// zero-balance view without creating a row.
func (s *Service) Balance(ctx context.Context, orgID string) (*Account, error) {
	account, err := s.store.GetAccount(ctx, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Account{OrganizationID: orgID, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Transactions returns the newest ledger entries for an organization.
func (s *Service) Transactions(ctx context.Context, orgID string, limit, offset int) ([]Transaction, error) {
	return s.store.ListTransactions(ctx, orgID, limit, offset)
}

// ReconcileReport is the outcome of a ledger audit for one organization.
type ReconcileReport struct {
	OrganizationID string          `json:"organization_id"`
	Balance        decimal.Decimal `json:"balance"`
	TransactionSum decimal.Decimal `json:"transaction_sum"`
	Drift          decimal.Decimal `json:"drift"`
	Consistent     bool            `json:"consistent"`
}

// Reconcile checks the core invariant: the account balance equals the sum
// of all transaction amounts. Drift is reported, never auto-corrected.
func (s *Service) Reconcile(ctx context.Context, orgID string) (*ReconcileReport, error) {
	account, err := s.store.GetAccount(ctx, orgID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumTransactionAmounts(ctx, orgID)
	if err != nil {
		return nil, err
	}

	drift := account.Balance.Sub(sum)
	report := &ReconcileReport{
		OrganizationID: orgID,
		Balance:        account.Balance,
		TransactionSum: sum,
		Drift:          drift,
		Consistent:     drift.IsZero(),
	}
	if !report.Consistent {
		s.logger.WithFields(logging.Fields{
			"organization_id": orgID,
			"balance":         account.Balance,
			"transaction_sum": sum,
			"drift":           drift,
		}).Error("Ledger drift detected")
	}
	return report, nil
}
