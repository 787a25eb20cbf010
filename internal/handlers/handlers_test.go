package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"

	"creditd/internal/ledger"
	"creditd/internal/payments"
	"creditd/internal/topup"
	"creditd/internal/usage"
	"creditd/pkg/auth"
	"creditd/pkg/config"
	"creditd/pkg/logging"
)

const testWebhookSecret = "whsec_test"

var accountCols = []string{
	"organization_id", "balance", "currency", "auto_topup_enabled",
	"topup_threshold", "topup_amount", "payment_customer_ref", "payment_method_ref",
	"topup_requested_at", "topup_failure_count", "circuit_opened_at",
	"created_at", "updated_at",
}

var transactionCols = []string{
	"id", "organization_id", "type", "amount", "balance_after",
	"external_ref", "description", "metadata", "created_at",
}

func accountRow(balance string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(accountCols).AddRow(
		"org-1", balance, "usd", false,
		"0", "0", "", "",
		nil, 0, nil,
		now, now,
	)
}

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logging.NewLoggerWithService("handlers-test")
	policy := config.BillingPolicy{
		Currency:                "usd",
		PlatformFeeRate:         decimal.RequireFromString("0.10"),
		UsageMarkupRate:         decimal.RequireFromString("0.10"),
		TopUpCooldown:           5 * time.Minute,
		ChargeMaxAttempts:       1,
		BreakerFailureThreshold: 3,
		BreakerResetWindow:      30 * time.Minute,
	}

	store := ledger.NewPostgresStore(db, "usd", logger)
	svc := ledger.NewService(store, logger)
	stripeClient := payments.NewClient(payments.Config{
		SecretKey:     "sk_test",
		WebhookSecret: testWebhookSecret,
		Logger:        logger,
	})
	adapter := payments.NewAdapter(svc, store, policy, logger)
	gateway := usage.NewGateway(svc, nil, policy, logger)
	controller := topup.NewController(store, nil, policy, logger)

	api := New(Config{
		Ledger:  svc,
		Usage:   gateway,
		TopUp:   controller,
		Stripe:  stripeClient,
		Adapter: adapter,
		Policy:  policy,
		Logger:  logger,
	})

	router := gin.New()
	authed := router.Group("")
	authed.Use(func(c *gin.Context) {
		c.Set(auth.CtxOrganizationID, "org-1")
		c.Next()
	})
	authed.GET("/billing/balance", api.GetBalance)
	authed.GET("/billing/transactions", api.GetTransactions)
	authed.PUT("/billing/topup-settings", api.UpdateTopUpSettings)
	authed.GET("/billing/reconcile", api.GetReconciliation)
	router.POST("/webhooks/stripe", api.HandleStripeWebhook)
	router.POST("/usage/debit", api.IngestUsage)

	return router, mock
}

func signPayload(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestGetBalanceUnknownOrganizationIsZero(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectQuery("SELECT .* FROM creditd.accounts").
		WithArgs("org-1").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/billing/balance", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp balanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Balance.IsZero() {
		t.Errorf("Expected zero balance, got %s", resp.Balance)
	}
	if resp.Currency != "usd" {
		t.Errorf("Expected usd currency, got %s", resp.Currency)
	}
}

func TestGetTransactionsEmptyIsArray(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectQuery("SELECT .* FROM creditd.credit_transactions").
		WithArgs("org-1", 50, 0).
		WillReturnRows(sqlmock.NewRows(transactionCols))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/billing/transactions", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"transactions":[]`)) {
		t.Errorf("Expected empty array, got %s", w.Body.String())
	}
}

func TestUpdateTopUpSettingsRejectsZeroThreshold(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"enabled": true, "threshold": 0, "amount": 25}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/billing/topup-settings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestUpdateTopUpSettingsPersists(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectExec("INSERT INTO creditd.accounts").
		WithArgs("org-1", "usd", true,
			decimal.RequireFromString("5"), decimal.RequireFromString("25")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"enabled": true, "threshold": 5, "amount": 25}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/billing/topup-settings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestIngestUsageInsufficientCreditsReturns402(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO creditd.accounts").
		WithArgs("org-2", "usd").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .*FOR UPDATE`).
		WithArgs("org-2").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"org-2", "1.00", "usd", false, "0", "0", "", "",
			nil, 0, nil, time.Now(), time.Now(),
		))
	mock.ExpectRollback()

	body := `{"organization_id": "org-2", "provider_cost": "10"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage/debit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("Insufficient credits")) {
		t.Errorf("Expected insufficient credits error, got %s", w.Body.String())
	}
}

func TestIngestUsageUnchargeableReportReturns400(t *testing.T) {
	router, mock := newTestRouter(t)

	body := `{"provider_cost": "10"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage/debit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestIngestUsageZeroRoundedChargeReturns200(t *testing.T) {
	router, mock := newTestRouter(t)

	body := `{"organization_id": "org-2", "provider_cost": "0.004"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/usage/debit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"charged":false`)) {
		t.Errorf("Expected charged=false body, got %s", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestStripeWebhookAcknowledgesUnrelatedEvents(t *testing.T) {
	router, _ := newTestRouter(t)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"api_version": %q,
		"data": {"object": {}}
	}`, stripe.APIVersion))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStripeWebhookCreditsAutoTopUp(t *testing.T) {
	router, mock := newTestRouter(t)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_2",
		"type": "payment_intent.succeeded",
		"api_version": %q,
		"data": {"object": {
			"id": "pi_42",
			"amount": 10000,
			"currency": "usd",
			"metadata": {"purpose": "auto_topup", "organization_id": "org-1"}
		}}
	}`, stripe.APIVersion))

	// Fast-path idempotency lookup misses.
	mock.ExpectQuery("SELECT .* FROM creditd.credit_transactions").
		WithArgs("org-1", "pi_42").
		WillReturnRows(sqlmock.NewRows(transactionCols))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO creditd.accounts").
		WithArgs("org-1", "usd").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .*FOR UPDATE`).
		WithArgs("org-1").
		WillReturnRows(accountRow("2.00"))
	mock.ExpectQuery("SELECT .* FROM creditd.credit_transactions").
		WithArgs("org-1", "pi_42").
		WillReturnRows(sqlmock.NewRows(transactionCols))
	// $100 gross nets to $90 after the 10% fee: 2.00 + 90 = 92.00.
	mock.ExpectQuery("INSERT INTO creditd.credit_transactions").
		WithArgs(sqlmock.AnyArg(), "org-1", "auto_topup", decimal.RequireFromString("90"),
			decimal.RequireFromString("92"), "pi_42", "Automatic top-up", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE creditd.accounts").
		WithArgs(decimal.RequireFromString("92"), "org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE creditd.accounts").
		WithArgs("org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
