package payments

// Outcome tags a payment event variant. Every event is either a success
// or a failure; there is no untagged state.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Kind says what the payment was for, carried in gateway metadata.
type Kind string

const (
	KindPurchase  Kind = "purchase"
	KindAutoTopUp Kind = "auto_topup"
)

// PaymentEvent is the gateway-neutral confirmation event handed to the
// adapter. ReferenceID is the gateway's identifier for the payment and
// doubles as the ledger idempotency key.
type PaymentEvent struct {
	ReferenceID      string
	OrganizationID   string
	AmountMinorUnits int64
	Currency         string
	Kind             Kind
	Outcome          Outcome

	// FailureReason is set on failed events only.
	FailureReason string

	// CustomerRef and PaymentMethodRef are set when the gateway reported
	// a reusable customer/payment method alongside the payment.
	CustomerRef      string
	PaymentMethodRef string
}
