// Package money holds the fixed-point arithmetic used by the credit ledger.
// All ledger amounts are decimals with two fractional digits; rounding is
// half-up, matching what card gateways settle in minor units.
package money

import "github.com/shopspring/decimal"

// Places is the ledger precision.
const Places = 2

// Normalize rounds an amount to ledger precision, half-up.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// FromMinorUnits converts gateway minor units (e.g. cents) to a ledger amount.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -Places)
}

// ToMinorUnits converts a ledger amount to gateway minor units.
func ToMinorUnits(d decimal.Decimal) int64 {
	return Normalize(d).Shift(Places).IntPart()
}

// NetOfFee returns the amount credited to the ledger after the platform
// retains its fee: gross * (1 - feeRate), rounded.
func NetOfFee(gross, feeRate decimal.Decimal) decimal.Decimal {
	return Normalize(gross.Mul(decimal.NewFromInt(1).Sub(feeRate)))
}

// WithMarkup returns the amount debited for usage: cost * (1 + markupRate),
// rounded.
func WithMarkup(cost, markupRate decimal.Decimal) decimal.Decimal {
	return Normalize(cost.Mul(decimal.NewFromInt(1).Add(markupRate)))
}
