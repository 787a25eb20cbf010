package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"creditd/internal/ledger"
	"creditd/internal/payments"
	"creditd/internal/topup"
	"creditd/internal/usage"
	"creditd/pkg/auth"
	"creditd/pkg/config"
	"creditd/pkg/logging"
	"creditd/pkg/money"
)

// Metrics holds the credit ledger business metrics
type Metrics struct {
	CreditsApplied  *prometheus.CounterVec
	DebitsApplied   *prometheus.CounterVec
	DebitsRejected  *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	TopUpAttempts   *prometheus.CounterVec
	ReconcileDrifts *prometheus.CounterVec

	DBQueries     *prometheus.CounterVec
	DBDuration    *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec
}

// API carries the wired services for the HTTP surface. Everything is
// injected; handlers hold no package state.
type API struct {
	ledger  *ledger.Service
	usage   *usage.Gateway
	topup   *topup.Controller
	stripe  *payments.Client
	adapter *payments.Adapter
	policy  config.BillingPolicy
	metrics *Metrics
	logger  logging.Logger
}

type Config struct {
	Ledger  *ledger.Service
	Usage   *usage.Gateway
	TopUp   *topup.Controller
	Stripe  *payments.Client
	Adapter *payments.Adapter
	Policy  config.BillingPolicy
	Metrics *Metrics
	Logger  logging.Logger
}

func New(cfg Config) *API {
	return &API{
		ledger:  cfg.Ledger,
		usage:   cfg.Usage,
		topup:   cfg.TopUp,
		stripe:  cfg.Stripe,
		adapter: cfg.Adapter,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// balanceResponse is the account view returned to tenants. Payment
// gateway references stay server-side.
type balanceResponse struct {
	OrganizationID string          `json:"organization_id"`
	Balance        decimal.Decimal `json:"balance"`
	Currency       string          `json:"currency"`
	AutoTopUp      topUpSettings   `json:"auto_topup"`
}

type topUpSettings struct {
	Enabled   bool            `json:"enabled"`
	Threshold decimal.Decimal `json:"threshold"`
	Amount    decimal.Decimal `json:"amount"`
}

// GetBalance returns the calling organization's credit balance
func (a *API) GetBalance(c *gin.Context) {
	orgID := c.GetString(auth.CtxOrganizationID)

	account, err := a.ledger.Balance(c.Request.Context(), orgID)
	if err != nil {
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Failed to fetch balance")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to fetch balance"})
		return
	}

	currency := account.Currency
	if currency == "" {
		currency = a.policy.Currency
	}
	c.JSON(http.StatusOK, balanceResponse{
		OrganizationID: account.OrganizationID,
		Balance:        account.Balance,
		Currency:       currency,
		AutoTopUp: topUpSettings{
			Enabled:   account.AutoTopUpEnabled,
			Threshold: account.TopUpThreshold,
			Amount:    account.TopUpAmount,
		},
	})
}

// GetTransactions returns the organization's ledger history, newest first
func (a *API) GetTransactions(c *gin.Context) {
	orgID := c.GetString(auth.CtxOrganizationID)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	transactions, err := a.ledger.Transactions(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Failed to list transactions")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to list transactions"})
		return
	}
	if transactions == nil {
		transactions = []ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

type topUpSettingsRequest struct {
	Enabled   bool            `json:"enabled"`
	Threshold decimal.Decimal `json:"threshold"`
	Amount    decimal.Decimal `json:"amount"`
}

// UpdateTopUpSettings stores the organization's auto top-up policy
func (a *API) UpdateTopUpSettings(c *gin.Context) {
	orgID := c.GetString(auth.CtxOrganizationID)

	var req topUpSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if req.Enabled && (!req.Threshold.IsPositive() || !req.Amount.IsPositive()) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Threshold and amount must be positive"})
		return
	}

	threshold := money.Normalize(req.Threshold)
	amount := money.Normalize(req.Amount)
	if err := a.ledger.Store().UpdateTopUpSettings(c.Request.Context(), orgID, req.Enabled, threshold, amount); err != nil {
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Failed to update top-up settings")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to update settings"})
		return
	}

	c.JSON(http.StatusOK, topUpSettings{Enabled: req.Enabled, Threshold: threshold, Amount: amount})
}

type purchaseRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	SuccessURL string          `json:"success_url"`
	CancelURL  string          `json:"cancel_url"`
}

// CreatePurchase opens a checkout session for a one-time credit purchase
func (a *API) CreatePurchase(c *gin.Context) {
	orgID := c.GetString(auth.CtxOrganizationID)
	email := c.GetString(auth.CtxEmail)

	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Amount must be positive"})
		return
	}

	ctx := c.Request.Context()
	cust, err := a.stripe.EnsureCustomer(ctx, payments.CustomerInfo{
		OrganizationID: orgID,
		Email:          email,
		Name:           orgID,
	})
	if err != nil {
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Failed to resolve payment customer")
		c.JSON(http.StatusBadGateway, errorResponse{Error: "Payment provider unavailable"})
		return
	}

	sess, err := a.stripe.CreatePurchaseCheckout(ctx, payments.PurchaseCheckoutParams{
		CustomerID:     cust.ID,
		OrganizationID: orgID,
		Amount:         money.Normalize(req.Amount),
		Currency:       a.policy.Currency,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Failed to create checkout session")
		c.JSON(http.StatusBadGateway, errorResponse{Error: "Failed to create checkout session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}

// TriggerTopUpCheck evaluates the auto top-up gates for the caller and
// fires a charge when they pass
func (a *API) TriggerTopUpCheck(c *gin.Context) {
	orgID := c.GetString(auth.CtxOrganizationID)

	triggered, err := a.topup.CheckAndTrigger(c.Request.Context(), orgID)
	if errors.Is(err, topup.ErrNoPaymentMethod) {
		c.JSON(http.StatusConflict, errorResponse{Error: "No saved payment method"})
		return
	}
	if err != nil {
		a.recordTopUpAttempt("error")
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Top-up check failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Top-up check failed"})
		return
	}
	if triggered {
		a.recordTopUpAttempt("triggered")
	}
	c.JSON(http.StatusOK, gin.H{"triggered": triggered})
}

// GetReconciliation audits the caller's balance against its entries
func (a *API) GetReconciliation(c *gin.Context) {
	orgID := c.GetString(auth.CtxOrganizationID)

	report, err := a.ledger.Reconcile(c.Request.Context(), orgID)
	if err != nil {
		a.logger.WithError(err).WithField("organization_id", orgID).Error("Reconciliation failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Reconciliation failed"})
		return
	}
	if !report.Consistent && a.metrics != nil && a.metrics.ReconcileDrifts != nil {
		a.metrics.ReconcileDrifts.WithLabelValues(orgID).Inc()
	}
	c.JSON(http.StatusOK, report)
}

// IngestUsage debits the reporting organization for metered usage.
// Service-to-service endpoint.
func (a *API) IngestUsage(c *gin.Context) {
	var report usage.Report
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid usage report"})
		return
	}

	txn, err := a.usage.Debit(c.Request.Context(), report)
	if err != nil {
		if usage.IsValidation(err) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			if a.metrics != nil && a.metrics.DebitsRejected != nil {
				a.metrics.DebitsRejected.WithLabelValues(report.OrganizationID).Inc()
			}
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":     "Insufficient credits",
				"available": insufficient.Available,
				"requested": insufficient.Requested,
			})
			return
		}
		a.logger.WithError(err).WithField("organization_id", report.OrganizationID).Error("Usage debit failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Usage debit failed"})
		return
	}

	if txn == nil {
		// Charge rounded to zero; nothing was debited.
		c.JSON(http.StatusOK, gin.H{"charged": false})
		return
	}

	if a.metrics != nil && a.metrics.DebitsApplied != nil {
		a.metrics.DebitsApplied.WithLabelValues(report.OrganizationID).Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": txn.ID,
		"amount":         txn.Amount,
		"balance_after":  txn.BalanceAfter,
	})
}

func (a *API) recordTopUpAttempt(result string) {
	if a.metrics != nil && a.metrics.TopUpAttempts != nil {
		a.metrics.TopUpAttempts.WithLabelValues(result).Inc()
	}
}
