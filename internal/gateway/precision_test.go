package gateway

import (
	"testing"

	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAdjustDecimalsFloors(t *testing.T) {
	p := model.DecimalsOf(3)

	assert.True(t, dec("0.123").Equal(Adjust(dec("0.123456"), p)))
	assert.True(t, dec("0.123").Equal(Adjust(dec("0.1239"), p)), "must floor, never round up")
	assert.True(t, dec("1").Equal(Adjust(dec("1"), p)))
	assert.True(t, dec("0").Equal(Adjust(dec("0.0001"), p)), "sub-precision dust floors to zero")
}

func TestAdjustStepFloors(t *testing.T) {
	p := model.StepOf(dec("0.5"))

	assert.True(t, dec("1").Equal(Adjust(dec("1.3"), p)))
	assert.True(t, dec("1.5").Equal(Adjust(dec("1.5"), p)))
	assert.True(t, dec("1.5").Equal(Adjust(dec("1.99"), p)), "must floor to the step below")
	assert.True(t, dec("0").Equal(Adjust(dec("0.4"), p)))
}

func TestAdjustWholeNumberStep(t *testing.T) {
	// A tick of 1 is a step size, not "zero decimal places by accident": the
	// explicit mode keeps 7.9 flooring to 7 through the step path.
	p := model.StepOf(dec("1"))

	assert.True(t, dec("7").Equal(Adjust(dec("7.9"), p)))
	assert.True(t, dec("100").Equal(Adjust(dec("100"), p)))
}

func TestAdjustStepResultIsExactMultiple(t *testing.T) {
	step := dec("0.001")
	p := model.StepOf(step)

	for _, raw := range []string{"0.123456", "42.9999", "0.001", "13.370001"} {
		got := Adjust(dec(raw), p)
		assert.True(t, got.Mod(step).IsZero(), "%s -> %s must be a multiple of the step", raw, got)
		assert.True(t, got.LessThanOrEqual(dec(raw)), "%s -> %s must not exceed the input", raw, got)
	}
}

func TestAdjustUndefinedPassesThrough(t *testing.T) {
	var p model.PrecisionValue

	in := dec("0.123456789")
	assert.True(t, in.Equal(Adjust(in, p)))
}

func TestAdjustAmountAndPriceUseTheirOwnConstraints(t *testing.T) {
	info := model.PrecisionInfo{
		Price:  model.StepOf(dec("0.1")),
		Amount: model.DecimalsOf(3),
	}

	assert.True(t, dec("0.123").Equal(AdjustAmount(dec("0.12345"), info)))
	assert.True(t, dec("27450.1").Equal(AdjustPrice(dec("27450.19"), info)))
}

func TestInferPrecisionCompat(t *testing.T) {
	// Integral raw values read as decimal places, fractional ones as steps.
	p := model.InferPrecision(3)
	assert.Equal(t, model.PrecisionDecimals, p.Mode)
	assert.EqualValues(t, 3, p.Decimals)

	p = model.InferPrecision(0.001)
	assert.Equal(t, model.PrecisionStep, p.Mode)
	assert.True(t, dec("0.001").Equal(p.Step))
}
