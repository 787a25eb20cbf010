package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingPolicy is the single source of truth for billing rates and the
// auto top-up policy. Handlers and services receive it by injection and
// never read rate environment variables directly.
type BillingPolicy struct {
	// Currency is the ledger currency for all accounts.
	Currency string

	// PlatformFeeRate is the fraction of a card payment retained by the
	// platform before crediting the ledger (0.10 = 10%).
	PlatformFeeRate decimal.Decimal

	// UsageMarkupRate is the fraction added on top of the provider cost
	// when debiting usage (0.10 = 10%).
	UsageMarkupRate decimal.Decimal

	// TopUpCooldown is the minimum gap between auto top-up charges for
	// one account.
	TopUpCooldown time.Duration

	// ChargeMaxAttempts bounds retries of a single top-up charge against
	// the payment gateway. Only transient gateway errors are retried.
	ChargeMaxAttempts int

	// BreakerFailureThreshold is the consecutive-failure count at which
	// an account's auto top-up circuit opens.
	BreakerFailureThreshold int

	// BreakerResetWindow is how long an open circuit suppresses top-up
	// attempts before a new one is allowed.
	BreakerResetWindow time.Duration
}

// LoadBillingPolicy reads the billing policy from the environment, falling
// back to production defaults.
func LoadBillingPolicy() BillingPolicy {
	return BillingPolicy{
		Currency:                GetEnv("BILLING_CURRENCY", "usd"),
		PlatformFeeRate:         getEnvDecimal("PLATFORM_FEE_RATE", "0.10"),
		UsageMarkupRate:         getEnvDecimal("USAGE_MARKUP_RATE", "0.10"),
		TopUpCooldown:           GetEnvDuration("TOPUP_COOLDOWN", 5*time.Minute),
		ChargeMaxAttempts:       GetEnvInt("TOPUP_CHARGE_MAX_ATTEMPTS", 3),
		BreakerFailureThreshold: GetEnvInt("TOPUP_BREAKER_FAILURES", 3),
		BreakerResetWindow:      GetEnvDuration("TOPUP_BREAKER_RESET", 30*time.Minute),
	}
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	raw := GetEnv(key, defaultValue)
	if d, err := decimal.NewFromString(raw); err == nil {
		return d
	}
	d, _ := decimal.NewFromString(defaultValue)
	return d
}
