package domain

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds half-up to cents. Amounts handled here are never negative,
// so decimal's half-away-from-zero rounding is half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// ComputePricing fixes the charge for a booking. The fee is rounded before
// total and payout are derived from it, so total == subtotal + fee exactly.
func ComputePricing(unitPrice decimal.Decimal, unit PricingUnit, quantity int, feeRatePercent decimal.Decimal, currency string) (Pricing, error) {
	if quantity < 1 {
		return Pricing{}, errors.Wrapf(ErrInvalidPricingInput, "quantity %d must be at least 1", quantity)
	}
	if unitPrice.IsNegative() {
		return Pricing{}, errors.Wrapf(ErrInvalidPricingInput, "unit price %s is negative", unitPrice)
	}
	if !unit.Valid() {
		return Pricing{}, errors.Wrapf(ErrInvalidPricingInput, "unknown pricing unit %q", unit)
	}
	if feeRatePercent.IsNegative() || feeRatePercent.GreaterThan(hundred) {
		return Pricing{}, errors.Wrapf(ErrInvalidPricingInput, "fee rate %s%% out of range", feeRatePercent)
	}
	if currency == "" {
		return Pricing{}, errors.Wrap(ErrInvalidPricingInput, "currency is required")
	}

	subtotal := RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
	fee := RoundMoney(subtotal.Mul(feeRatePercent).Div(hundred))

	return Pricing{
		Unit:         unit,
		UnitPrice:    unitPrice,
		Quantity:     quantity,
		Subtotal:     subtotal,
		PlatformFee:  fee,
		TotalAmount:  subtotal.Add(fee),
		WorkerPayout: subtotal.Sub(fee),
		Currency:     currency,
	}, nil
}
