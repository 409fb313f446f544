package gateway

import (
	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
)

// Adjust quantizes value to the given precision, always by truncation toward
// zero on the number line's lower side: the result never exceeds the input, so
// an adjusted order can never commit more funds than requested.
func Adjust(value decimal.Decimal, p model.PrecisionValue) decimal.Decimal {
	if !p.Defined() {
		return value
	}
	switch p.Mode {
	case model.PrecisionDecimals:
		return value.RoundFloor(p.Decimals)
	case model.PrecisionStep:
		return value.Div(p.Step).Floor().Mul(p.Step)
	}
	return value
}

// AdjustAmount floors an order amount to the symbol's lot constraint.
func AdjustAmount(value decimal.Decimal, info model.PrecisionInfo) decimal.Decimal {
	return Adjust(value, info.Amount)
}

// AdjustPrice floors an order price to the symbol's tick constraint.
func AdjustPrice(value decimal.Decimal, info model.PrecisionInfo) decimal.Decimal {
	return Adjust(value, info.Price)
}
