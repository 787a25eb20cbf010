package ledger

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// InsufficientCreditsError is returned when a debit would push the balance
// below zero. Nothing is written when it occurs.
type InsufficientCreditsError struct {
	OrganizationID string
	Available      decimal.Decimal
	Requested      decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for organization %s: have %s, need %s",
		e.OrganizationID, e.Available, e.Requested)
}

// IsInsufficientCredits reports whether err is an InsufficientCreditsError.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// StoreError wraps a failed database operation. The enclosing transaction
// has been rolled back; callers may retry the whole operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// isUniqueViolation detects the Postgres unique-constraint error used as
// the idempotency backstop for concurrent external-ref inserts.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
