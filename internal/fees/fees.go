package fees

import (
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

// Places is the number of decimal places money is rounded to.
const Places = 2

// DefaultRate is the platform commission applied on top of the merchant amount.
var DefaultRate = decimal.RequireFromString("0.02")

// Split is the fee breakdown for a single payment.
type Split struct {
	Total            decimal.Decimal `json:"total"`
	MerchantReceived decimal.Decimal `json:"merchantReceived"`
	AdminFee         decimal.Decimal `json:"adminFee"`
}

// Calculator computes fee splits at a fixed rate.
type Calculator struct {
	rate decimal.Decimal
}

// NewCalculator returns a calculator for rate. A non-positive rate falls back to DefaultRate.
func NewCalculator(rate decimal.Decimal) Calculator {
	if !rate.IsPositive() {
		rate = DefaultRate
	}
	return Calculator{rate: rate}
}

// Rate reports the configured commission rate.
func (c Calculator) Rate() decimal.Decimal {
	if c.rate.IsZero() {
		return DefaultRate
	}
	return c.rate
}

// ComputeSplit treats base as the merchant amount and adds the rounded fee on top.
func (c Calculator) ComputeSplit(base decimal.Decimal) (Split, error) {
	if !base.IsPositive() {
		return Split{}, pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount must be greater than zero").
			WithDetails(map[string]string{"amount": base.String()})
	}
	merchant := base.Round(Places)
	fee := base.Mul(c.Rate()).Round(Places)
	return Split{
		Total:            merchant.Add(fee),
		MerchantReceived: merchant,
		AdminFee:         fee,
	}, nil
}

// ComputeSplit applies DefaultRate.
func ComputeSplit(base decimal.Decimal) (Split, error) {
	return NewCalculator(DefaultRate).ComputeSplit(base)
}

// ParseAmount reads a provider amount string. Non-numeric values are InvalidAmount errors.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeInvalidAmount, err, "amount is not numeric").
			WithDetails(map[string]string{"amount": raw})
	}
	return amount, nil
}
