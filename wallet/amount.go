package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SatoshisToAmount converts satoshis to display units using the denomination factor
func SatoshisToAmount(sats int64, cfg ChainConfig) decimal.Decimal {
	return decimal.NewFromInt(sats).Div(decimal.NewFromInt(cfg.DenominationFactor))
}

// FormatAmount renders satoshis as "<amount> <tick>"
func FormatAmount(sats int64, cfg ChainConfig) string {
	return SatoshisToAmount(sats, cfg).String() + " " + cfg.Tick
}

// AmountToSatoshis parses a display amount such as "0.0001" into satoshis.
// Amounts finer than one satoshi are rejected.
func AmountToSatoshis(amount string, cfg ChainConfig) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	sats := d.Mul(decimal.NewFromInt(cfg.DenominationFactor))
	if !sats.IsInteger() {
		return 0, fmt.Errorf("amount %s is not a whole number of satoshis", amount)
	}
	if sats.IsNegative() {
		return 0, fmt.Errorf("amount %s must not be negative", amount)
	}

	return sats.IntPart(), nil
}

// FeeRateFromEstimate converts an estimate in display units per kilobyte,
// the unit Electrum servers report, into satoshis per vbyte rounded up.
func FeeRateFromEstimate(perKB float64, cfg ChainConfig) int64 {
	if perKB <= 0 {
		return 0
	}
	return decimal.NewFromFloat(perKB).
		Mul(decimal.NewFromInt(cfg.DenominationFactor)).
		Div(decimal.NewFromInt(1000)).
		Ceil().
		IntPart()
}
