package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"creditd/pkg/logging"
	"creditd/pkg/money"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Client wraps the Stripe API operations used for credit purchases and
// off-session auto top-up charges.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// CustomerInfo represents organization data for Stripe customer creation
type CustomerInfo struct {
	OrganizationID string
	Email          string
	Name           string
}

// EnsureCustomer finds an existing customer by organization ID or creates
// a new one.
func (c *Client) EnsureCustomer(ctx context.Context, info CustomerInfo) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['organization_id']:'%s'", info.OrganizationID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("customer_id", cust.ID).Debug("Found existing Stripe customer")
		return cust, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for Stripe customer, will create new")
	}

	createParams := &stripe.CustomerParams{
		Email: stripe.String(info.Email),
		Name:  stripe.String(info.Name),
		Metadata: map[string]string{
			"organization_id": info.OrganizationID,
		},
	}

	cust, err := customer.New(createParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe customer: %w", classify(err))
	}

	c.logger.WithFields(map[string]interface{}{
		"customer_id":     cust.ID,
		"organization_id": info.OrganizationID,
	}).Info("Created new Stripe customer")

	return cust, nil
}

// PurchaseCheckoutParams for creating a credit purchase checkout session
type PurchaseCheckoutParams struct {
	CustomerID     string
	OrganizationID string
	Amount         decimal.Decimal // gross amount, major units
	Currency       string
	SuccessURL     string
	CancelURL      string
}

// CreatePurchaseCheckout creates a one-time payment Checkout Session for a
// credit purchase. The payment method is saved for off-session reuse so
// auto top-up can charge it later.
func (c *Client) CreatePurchaseCheckout(ctx context.Context, params PurchaseCheckoutParams) (*stripe.CheckoutSession, error) {
	metadata := map[string]string{
		"organization_id": params.OrganizationID,
		"purpose":         string(KindPurchase),
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Customer: stripe.String(params.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(money.ToMinorUnits(params.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Prepaid credits"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata:         metadata,
			SetupFutureUsage: stripe.String("off_session"),
		},
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", classify(err))
	}

	c.logger.WithFields(map[string]interface{}{
		"session_id":      sess.ID,
		"organization_id": params.OrganizationID,
		"amount":          params.Amount.String(),
	}).Info("Created Stripe checkout session")

	return sess, nil
}

// ChargeParams for an off-session auto top-up charge
type ChargeParams struct {
	OrganizationID   string
	CustomerRef      string
	PaymentMethodRef string
	Amount           decimal.Decimal // gross amount, major units
	Currency         string
	IdempotencyKey   string
}

// ChargeSavedPaymentMethod creates and confirms an off-session
// PaymentIntent against the organization's saved payment method. Returns
// the PaymentIntent ID on success. The returned error is a *GatewayError
// carrying a transience classification.
func (c *Client) ChargeSavedPaymentMethod(ctx context.Context, params ChargeParams) (string, error) {
	piParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(money.ToMinorUnits(params.Amount)),
		Currency:      stripe.String(params.Currency),
		Customer:      stripe.String(params.CustomerRef),
		PaymentMethod: stripe.String(params.PaymentMethodRef),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata: map[string]string{
			"organization_id": params.OrganizationID,
			"purpose":         string(KindAutoTopUp),
		},
	}
	if params.IdempotencyKey != "" {
		piParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	intent, err := paymentintent.New(piParams)
	if err != nil {
		return "", classify(err)
	}

	c.logger.WithFields(map[string]interface{}{
		"payment_intent":  intent.ID,
		"organization_id": params.OrganizationID,
		"amount":          params.Amount.String(),
	}).Info("Created off-session top-up charge")

	return intent.ID, nil
}

// PaymentMethodFromIntent fetches the payment method attached to a
// confirmed PaymentIntent. Used after a checkout completes to capture the
// reusable payment method reference.
func (c *Client) PaymentMethodFromIntent(ctx context.Context, intentID string) (string, error) {
	intent, err := paymentintent.Get(intentID, nil)
	if err != nil {
		return "", classify(err)
	}
	if intent.PaymentMethod == nil {
		return "", nil
	}
	return intent.PaymentMethod.ID, nil
}

// VerifyAndParseWebhook verifies the webhook signature and parses the event
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return &event, nil
}

// EventToPayment maps a verified Stripe event to a PaymentEvent. The
// second return value is false for event types the credit ledger does not
// care about; those must still be acknowledged to Stripe.
func (c *Client) EventToPayment(ctx context.Context, event *stripe.Event) (*PaymentEvent, bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, false, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		if sess.Metadata["purpose"] != string(KindPurchase) {
			return nil, false, nil
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, false, nil
		}
		ev := &PaymentEvent{
			ReferenceID:      sess.ID,
			OrganizationID:   sess.Metadata["organization_id"],
			AmountMinorUnits: sess.AmountTotal,
			Currency:         string(sess.Currency),
			Kind:             KindPurchase,
			Outcome:          OutcomeSucceeded,
		}
		if sess.Customer != nil {
			ev.CustomerRef = sess.Customer.ID
		}
		if sess.PaymentIntent != nil {
			if pm, err := c.PaymentMethodFromIntent(ctx, sess.PaymentIntent.ID); err == nil {
				ev.PaymentMethodRef = pm
			} else {
				c.logger.WithError(err).Warn("Failed to resolve payment method from intent")
			}
		}
		return ev, true, nil

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, false, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		// Purchases are credited from checkout.session.completed; only
		// off-session top-up intents are handled here.
		if intent.Metadata["purpose"] != string(KindAutoTopUp) {
			return nil, false, nil
		}
		ev := &PaymentEvent{
			ReferenceID:      intent.ID,
			OrganizationID:   intent.Metadata["organization_id"],
			AmountMinorUnits: intent.Amount,
			Currency:         string(intent.Currency),
			Kind:             KindAutoTopUp,
			Outcome:          OutcomeSucceeded,
		}
		if event.Type == "payment_intent.payment_failed" {
			ev.Outcome = OutcomeFailed
			if intent.LastPaymentError != nil {
				ev.FailureReason = intent.LastPaymentError.Msg
			}
		}
		return ev, true, nil
	}

	return nil, false, nil
}

// classify wraps a Stripe API error with a transience hint. Card declines
// and malformed requests never succeed on retry; rate limits, server
// errors and connection failures can.
func classify(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch {
		case sErr.Type == stripe.ErrorTypeCard:
			return &GatewayError{Transient: false, Err: err}
		case sErr.Type == stripe.ErrorTypeInvalidRequest:
			return &GatewayError{Transient: false, Err: err}
		case sErr.HTTPStatusCode == 429 || sErr.HTTPStatusCode >= 500:
			return &GatewayError{Transient: true, Err: err}
		default:
			return &GatewayError{Transient: false, Err: err}
		}
	}
	// Not a Stripe API error, so the request never reached Stripe.
	return &GatewayError{Transient: true, Err: err}
}
