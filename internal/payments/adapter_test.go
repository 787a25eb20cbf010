package payments

import (
	"context"
	"errors"
	"testing"

	"creditd/internal/ledger"
	"creditd/pkg/config"
	"creditd/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
)

type stubLedger struct {
	credits []ledger.CreditParams
	err     error
}

func (s *stubLedger) ApplyCredit(ctx context.Context, p ledger.CreditParams) (*ledger.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.credits = append(s.credits, p)
	return &ledger.Transaction{
		ID:             "tx-1",
		OrganizationID: p.OrganizationID,
		Type:           p.Type,
		Amount:         p.Amount,
	}, nil
}

type stubStore struct {
	failureCount     int
	failureOrg       string
	failureThreshold int
	failureCalls     int
	refsOrg          string
	refsCustomer     string
	refsMethod       string
}

func (s *stubStore) RecordTopUpFailure(ctx context.Context, organizationID string, threshold int) (int, error) {
	s.failureOrg = organizationID
	s.failureThreshold = threshold
	s.failureCalls++
	s.failureCount++
	return s.failureCount, nil
}

func (s *stubStore) UpdatePaymentRefs(ctx context.Context, organizationID, customerRef, paymentMethodRef string) error {
	s.refsOrg = organizationID
	s.refsCustomer = customerRef
	s.refsMethod = paymentMethodRef
	return nil
}

func testPolicy() config.BillingPolicy {
	return config.BillingPolicy{
		Currency:                "usd",
		PlatformFeeRate:         decimal.RequireFromString("0.10"),
		UsageMarkupRate:         decimal.RequireFromString("0.10"),
		BreakerFailureThreshold: 3,
	}
}

func newTestAdapter(l *stubLedger, s *stubStore) *Adapter {
	return NewAdapter(l, s, testPolicy(), logging.NewLoggerWithService("payments-test"))
}

func TestHandleEventPurchaseCreditsNetOfFee(t *testing.T) {
	l := &stubLedger{}
	s := &stubStore{}
	a := newTestAdapter(l, s)

	err := a.HandleEvent(context.Background(), PaymentEvent{
		ReferenceID:      "cs_123",
		OrganizationID:   "org-1",
		AmountMinorUnits: 10000,
		Currency:         "usd",
		Kind:             KindPurchase,
		Outcome:          OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	if len(l.credits) != 1 {
		t.Fatalf("Expected 1 credit, got %d", len(l.credits))
	}
	got := l.credits[0]
	if got.Type != ledger.TxPurchase {
		t.Errorf("Expected purchase type, got %s", got.Type)
	}
	if got.ExternalRef != "cs_123" {
		t.Errorf("Expected external ref cs_123, got %s", got.ExternalRef)
	}
	// $100.00 gross minus the 10% platform fee.
	if !got.Amount.Equal(decimal.RequireFromString("90")) {
		t.Errorf("Expected net 90, got %s", got.Amount)
	}
}

func TestHandleEventStoresPaymentRefs(t *testing.T) {
	l := &stubLedger{}
	s := &stubStore{}
	a := newTestAdapter(l, s)

	err := a.HandleEvent(context.Background(), PaymentEvent{
		ReferenceID:      "cs_456",
		OrganizationID:   "org-1",
		AmountMinorUnits: 2500,
		Currency:         "usd",
		Kind:             KindPurchase,
		Outcome:          OutcomeSucceeded,
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
	})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	if s.refsOrg != "org-1" || s.refsCustomer != "cus_1" || s.refsMethod != "pm_1" {
		t.Errorf("Payment refs not stored: org=%s customer=%s method=%s",
			s.refsOrg, s.refsCustomer, s.refsMethod)
	}
}

func TestHandleEventAutoTopUpFailureRecordsAgainstThreshold(t *testing.T) {
	l := &stubLedger{}
	s := &stubStore{failureCount: 2}
	a := newTestAdapter(l, s)

	err := a.HandleEvent(context.Background(), PaymentEvent{
		ReferenceID:    "pi_789",
		OrganizationID: "org-1",
		Kind:           KindAutoTopUp,
		Outcome:        OutcomeFailed,
		FailureReason:  "card_declined",
	})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	if s.failureCalls != 1 {
		t.Fatalf("Expected 1 failure record, got %d", s.failureCalls)
	}
	if s.failureOrg != "org-1" {
		t.Errorf("Expected failure recorded for org-1, got %s", s.failureOrg)
	}
	// The store opens the circuit atomically against this threshold.
	if s.failureThreshold != 3 {
		t.Errorf("Expected breaker threshold 3, got %d", s.failureThreshold)
	}
	if len(l.credits) != 0 {
		t.Errorf("Failure must not credit the ledger, got %d credits", len(l.credits))
	}
}

func TestHandleEventPurchaseFailureIgnoresBreaker(t *testing.T) {
	l := &stubLedger{}
	s := &stubStore{}
	a := newTestAdapter(l, s)

	err := a.HandleEvent(context.Background(), PaymentEvent{
		ReferenceID:    "cs_999",
		OrganizationID: "org-1",
		Kind:           KindPurchase,
		Outcome:        OutcomeFailed,
	})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if s.failureCalls != 0 {
		t.Error("Purchase failures must not touch the top-up breaker")
	}
}

func TestHandleEventRejectsMissingOrganization(t *testing.T) {
	a := newTestAdapter(&stubLedger{}, &stubStore{})

	err := a.HandleEvent(context.Background(), PaymentEvent{
		ReferenceID: "cs_000",
		Outcome:     OutcomeSucceeded,
	})
	if err == nil {
		t.Fatal("Expected error for event without organization")
	}
}

func TestIsTransientClassification(t *testing.T) {
	cardErr := classify(&stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: 402})
	if IsTransient(cardErr) {
		t.Error("Card declines must be permanent")
	}

	rateErr := classify(&stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 429})
	if !IsTransient(rateErr) {
		t.Error("Rate limits must be transient")
	}

	serverErr := classify(&stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503})
	if !IsTransient(serverErr) {
		t.Error("Server errors must be transient")
	}

	netErr := classify(errors.New("connection refused"))
	if !IsTransient(netErr) {
		t.Error("Connection failures must be transient")
	}

	if IsTransient(errors.New("plain error")) {
		t.Error("Unclassified errors must not be transient")
	}
}
