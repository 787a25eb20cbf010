package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"creditd/pkg/logging"
)

// Store is the persistence boundary of the ledger. The Postgres
// implementation is the only one in production; tests drive it through
// sqlmock.
type Store interface {
	// WithAccountLock opens a transaction, row-locks the organization's
	// account (creating it at zero balance on first use) and invokes fn
	// with a tx-scoped view. Commit on nil, rollback on error.
	WithAccountLock(ctx context.Context, orgID string, fn func(tx AccountTx) error) error

	GetAccount(ctx context.Context, orgID string) (*Account, error)
	UpdateTopUpSettings(ctx context.Context, orgID string, enabled bool, threshold, amount decimal.Decimal) error
	UpdatePaymentRefs(ctx context.Context, orgID, customerRef, methodRef string) error
	ListTransactions(ctx context.Context, orgID string, limit, offset int) ([]Transaction, error)
	FindTransactionByExternalRef(ctx context.Context, orgID, externalRef string) (*Transaction, error)
	RecordTopUpFailure(ctx context.Context, orgID string, threshold int) (int, error)
	SumTransactionAmounts(ctx context.Context, orgID string) (decimal.Decimal, error)
	ListAutoTopUpCandidates(ctx context.Context) ([]string, error)
	ListOrganizationIDs(ctx context.Context) ([]string, error)
}

// AccountTx is the view handed to WithAccountLock callbacks. Every method
// runs while the account row is held, so the snapshot from Account() stays
// authoritative for the duration of the callback.
type AccountTx interface {
	Account() *Account
	FindTransactionByExternalRef(ctx context.Context, externalRef string) (*Transaction, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
	UpdateBalance(ctx context.Context, balance decimal.Decimal) error
	ResetTopUpFailures(ctx context.Context, clearInFlight bool) error
	LastAutoTopUpAt(ctx context.Context) (*time.Time, error)
	MarkTopUpRequested(ctx context.Context, at time.Time) error
}

// PostgresStore implements Store on database/sql + lib/pq.
type PostgresStore struct {
	db       *sql.DB
	currency string
	logger   logging.Logger
}

// NewPostgresStore creates a ledger store. currency is the ledger currency
// assigned to accounts created on first use.
func NewPostgresStore(db *sql.DB, currency string, logger logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, currency: currency, logger: logger}
}

const accountColumns = `organization_id, balance, currency, auto_topup_enabled,
		       topup_threshold, topup_amount,
		       COALESCE(payment_customer_ref, ''), COALESCE(payment_method_ref, ''),
		       topup_requested_at, topup_failure_count, circuit_opened_at,
		       created_at, updated_at`

const transactionColumns = `id, organization_id, type, amount, balance_after,
		       COALESCE(external_ref, ''), description, COALESCE(metadata, '{}'), created_at`

// pgAccountTx implements AccountTx on the open database transaction.
type pgAccountTx struct {
	tx      *sql.Tx
	account *Account
}

// Account returns the locked account snapshot.
func (a *pgAccountTx) Account() *Account { return a.account }

// WithAccountLock implements the row-lock protocol: ensure the account row
// exists, then SELECT ... FOR UPDATE it for the duration of fn.
func (s *PostgresStore) WithAccountLock(ctx context.Context, orgID string, fn func(tx AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	_, err = tx.ExecContext(ctx, `
		INSERT INTO creditd.accounts (organization_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (organization_id) DO NOTHING
	`, orgID, s.currency)
	if err != nil {
		return storeErr("ensure account", err)
	}

	account, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM creditd.accounts
		WHERE organization_id = $1
		FOR UPDATE
	`, orgID))
	if err != nil {
		return storeErr("lock account", err)
	}

	if err := fn(&pgAccountTx{tx: tx, account: account}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// FindTransactionByExternalRef looks up an existing entry with the same
// idempotency key inside the open transaction.
func (a *pgAccountTx) FindTransactionByExternalRef(ctx context.Context, externalRef string) (*Transaction, error) {
	row := a.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM creditd.credit_transactions
		WHERE organization_id = $1 AND external_ref = $2
	`, a.account.OrganizationID, externalRef)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find transaction", err)
	}
	return txn, nil
}

// InsertTransaction appends a ledger entry. The caller fills everything
// except ID and CreatedAt.
func (a *pgAccountTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	txn.ID = uuid.New().String()

	var externalRef interface{}
	if txn.ExternalRef != "" {
		externalRef = txn.ExternalRef
	}
	var metadata interface{}
	if len(txn.Metadata) > 0 {
		raw, err := json.Marshal(txn.Metadata)
		if err != nil {
			return storeErr("marshal metadata", err)
		}
		metadata = raw
	}

	err := a.tx.QueryRowContext(ctx, `
		INSERT INTO creditd.credit_transactions (
			id, organization_id, type, amount, balance_after,
			external_ref, description, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, txn.ID, txn.OrganizationID, string(txn.Type), txn.Amount, txn.BalanceAfter,
		externalRef, txn.Description, metadata).Scan(&txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExternalRef
		}
		return storeErr("insert transaction", err)
	}
	return nil
}

// ErrDuplicateExternalRef signals that a concurrent writer already used the
// external reference. The service resolves it by returning the winner's row.
var ErrDuplicateExternalRef = errors.New("duplicate external reference")

// UpdateBalance writes the new balance for the locked account.
func (a *pgAccountTx) UpdateBalance(ctx context.Context, balance decimal.Decimal) error {
	_, err := a.tx.ExecContext(ctx, `
		UPDATE creditd.accounts
		SET balance = $1, updated_at = NOW()
		WHERE organization_id = $2
	`, balance, a.account.OrganizationID)
	if err != nil {
		return storeErr("update balance", err)
	}
	a.account.Balance = balance
	return nil
}

// ResetTopUpFailures clears the circuit-breaker accounting. When
// clearInFlight is set the top-up in-flight marker is cleared too.
func (a *pgAccountTx) ResetTopUpFailures(ctx context.Context, clearInFlight bool) error {
	query := `
		UPDATE creditd.accounts
		SET topup_failure_count = 0, circuit_opened_at = NULL, updated_at = NOW()
		WHERE organization_id = $1
	`
	if clearInFlight {
		query = `
		UPDATE creditd.accounts
		SET topup_failure_count = 0, circuit_opened_at = NULL,
		    topup_requested_at = NULL, updated_at = NOW()
		WHERE organization_id = $1
	`
	}
	if _, err := a.tx.ExecContext(ctx, query, a.account.OrganizationID); err != nil {
		return storeErr("reset topup failures", err)
	}
	return nil
}

// LastAutoTopUpAt returns the time of the latest auto top-up credit, or
// nil when the account has never auto-topped-up.
func (a *pgAccountTx) LastAutoTopUpAt(ctx context.Context) (*time.Time, error) {
	var at time.Time
	err := a.tx.QueryRowContext(ctx, `
		SELECT created_at FROM creditd.credit_transactions
		WHERE organization_id = $1 AND type = 'auto_topup'
		ORDER BY created_at DESC
		LIMIT 1
	`, a.account.OrganizationID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("last auto topup", err)
	}
	return &at, nil
}

// MarkTopUpRequested stamps the in-flight marker before a charge is
// initiated, so other instances back off for the cooldown window.
func (a *pgAccountTx) MarkTopUpRequested(ctx context.Context, at time.Time) error {
	_, err := a.tx.ExecContext(ctx, `
		UPDATE creditd.accounts
		SET topup_requested_at = $1, updated_at = NOW()
		WHERE organization_id = $2
	`, at, a.account.OrganizationID)
	if err != nil {
		return storeErr("mark topup requested", err)
	}
	a.account.TopUpRequestedAt = &at
	return nil
}

// GetAccount reads an account without locking. Returns sql.ErrNoRows when
// the organization has no account yet.
func (s *PostgresStore) GetAccount(ctx context.Context, orgID string) (*Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM creditd.accounts
		WHERE organization_id = $1
	`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("get account", err)
	}
	return account, nil
}

// UpdateTopUpSettings stores the organization's auto top-up policy,
// creating the account on first use.
func (s *PostgresStore) UpdateTopUpSettings(ctx context.Context, orgID string, enabled bool, threshold, amount decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO creditd.accounts (
			organization_id, currency, auto_topup_enabled, topup_threshold, topup_amount
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			auto_topup_enabled = EXCLUDED.auto_topup_enabled,
			topup_threshold = EXCLUDED.topup_threshold,
			topup_amount = EXCLUDED.topup_amount,
			updated_at = NOW()
	`, orgID, s.currency, enabled, threshold, amount)
	if err != nil {
		return storeErr("update topup settings", err)
	}
	return nil
}

// UpdatePaymentRefs stores the gateway customer and saved payment method
// for off-session charges.
func (s *PostgresStore) UpdatePaymentRefs(ctx context.Context, orgID, customerRef, methodRef string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO creditd.accounts (
			organization_id, currency, payment_customer_ref, payment_method_ref
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (organization_id) DO UPDATE SET
			payment_customer_ref = COALESCE(NULLIF(EXCLUDED.payment_customer_ref, ''), creditd.accounts.payment_customer_ref),
			payment_method_ref = COALESCE(NULLIF(EXCLUDED.payment_method_ref, ''), creditd.accounts.payment_method_ref),
			updated_at = NOW()
	`, orgID, s.currency, customerRef, methodRef)
	if err != nil {
		return storeErr("update payment refs", err)
	}
	return nil
}

// ListTransactions returns the newest entries first.
func (s *PostgresStore) ListTransactions(ctx context.Context, orgID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM creditd.credit_transactions
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, storeErr("scan transaction", err)
		}
		result = append(result, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list transactions", err)
	}
	return result, nil
}

// FindTransactionByExternalRef is the unlocked fast path of the
// idempotency check.
func (s *PostgresStore) FindTransactionByExternalRef(ctx context.Context, orgID, externalRef string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM creditd.credit_transactions
		WHERE organization_id = $1 AND external_ref = $2
	`, orgID, externalRef)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find transaction", err)
	}
	return txn, nil
}

// RecordTopUpFailure increments the account's consecutive-failure count
// and clears the in-flight marker in a single statement. The circuit
// timestamp is stamped from the post-increment count inside the same
// UPDATE, so two concurrent failures cannot both observe a pre-threshold
// count and leave the circuit unopened. Returns the new count.
func (s *PostgresStore) RecordTopUpFailure(ctx context.Context, orgID string, threshold int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE creditd.accounts
		SET topup_failure_count = topup_failure_count + 1,
		    topup_requested_at = NULL,
		    circuit_opened_at = CASE
		        WHEN topup_failure_count + 1 >= $2 THEN NOW()
		        ELSE circuit_opened_at
		    END,
		    updated_at = NOW()
		WHERE organization_id = $1
		RETURNING topup_failure_count
	`, orgID, threshold).Scan(&count)
	if err != nil {
		return 0, storeErr("record topup failure", err)
	}
	return count, nil
}

// SumTransactionAmounts totals the signed entry amounts for reconciliation.
func (s *PostgresStore) SumTransactionAmounts(ctx context.Context, orgID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM creditd.credit_transactions
		WHERE organization_id = $1
	`, orgID).Scan(&sum)
	if err != nil {
		return decimal.Zero, storeErr("sum transactions", err)
	}
	return sum, nil
}

// ListAutoTopUpCandidates returns organizations with auto top-up enabled
// whose balance sits below their threshold.
func (s *PostgresStore) ListAutoTopUpCandidates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id
		FROM creditd.accounts
		WHERE auto_topup_enabled = true AND balance < topup_threshold
	`)
	if err != nil {
		return nil, storeErr("list topup candidates", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListOrganizationIDs returns every organization with an account.
func (s *PostgresStore) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id FROM creditd.accounts
	`)
	if err != nil {
		return nil, storeErr("list organizations", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan organization id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate organizations", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.OrganizationID, &a.Balance, &a.Currency, &a.AutoTopUpEnabled,
		&a.TopUpThreshold, &a.TopUpAmount,
		&a.PaymentCustomerRef, &a.PaymentMethodRef,
		&a.TopUpRequestedAt, &a.TopUpFailureCount, &a.CircuitOpenedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var rawMetadata []byte
	err := row.Scan(
		&t.ID, &t.OrganizationID, &t.Type, &t.Amount, &t.BalanceAfter,
		&t.ExternalRef, &t.Description, &rawMetadata, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rawMetadata) > 0 && string(rawMetadata) != "{}" {
		if err := json.Unmarshal(rawMetadata, &t.Metadata); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
