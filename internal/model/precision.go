package model

import (
	"math"

	"github.com/shopspring/decimal"
)

// PrecisionMode says how a PrecisionValue is to be applied. Exchanges publish
// precision either as a decimal-place count or as a minimum increment (tick
// size / lot size); carrying the mode explicitly avoids guessing from shape,
// which would misread a legitimate whole-number tick like 1.
type PrecisionMode string

const (
	PrecisionDecimals PrecisionMode = "decimals"
	PrecisionStep     PrecisionMode = "step"
)

// PrecisionValue is one precision constraint for a price or amount.
type PrecisionValue struct {
	Mode     PrecisionMode   `json:"mode"`
	Decimals int32           `json:"decimals,omitempty"`
	Step     decimal.Decimal `json:"step,omitempty"`
}

// Defined reports whether the value carries a usable constraint.
func (p PrecisionValue) Defined() bool {
	switch p.Mode {
	case PrecisionDecimals:
		return true
	case PrecisionStep:
		return p.Step.IsPositive()
	}
	return false
}

// DecimalsOf builds a decimal-place precision.
func DecimalsOf(n int32) PrecisionValue {
	return PrecisionValue{Mode: PrecisionDecimals, Decimals: n}
}

// StepOf builds a tick-size / lot-size precision.
func StepOf(step decimal.Decimal) PrecisionValue {
	return PrecisionValue{Mode: PrecisionStep, Step: step}
}

// InferPrecision keeps compatibility with metadata sources that publish a bare
// number: an integral value is read as a decimal-place count, anything else as
// a step size.
func InferPrecision(raw float64) PrecisionValue {
	if raw == math.Trunc(raw) {
		return DecimalsOf(int32(raw))
	}
	return StepOf(decimal.NewFromFloat(raw))
}

// PrecisionInfo is the per-symbol quantization and limit table.
type PrecisionInfo struct {
	Price     PrecisionValue  `json:"price"`
	Amount    PrecisionValue  `json:"amount"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	MinPrice  decimal.Decimal `json:"min_price"`
	MaxPrice  decimal.Decimal `json:"max_price"`
	MinCost   decimal.Decimal `json:"min_cost"`
}
