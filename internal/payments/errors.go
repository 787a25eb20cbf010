package payments

import (
	"errors"
	"fmt"
)

// GatewayError wraps a payment gateway failure with a transience hint.
// Transient failures (rate limits, 5xx, network) are safe to retry;
// permanent ones (card declines, bad requests) are not.
type GatewayError struct {
	Transient bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient gateway error: %v", e.Err)
	}
	return fmt.Sprintf("permanent gateway error: %v", e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a gateway error worth retrying.
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	return false
}
