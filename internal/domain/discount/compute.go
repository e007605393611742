package discount

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ComputeAmount returns how much code takes off subtotal, in a currency with
// the given minor-unit exponent. Percentages round half-up to the minor unit;
// caps and fixed values are floored to it. The result is never negative and
// never exceeds the subtotal or the code's cap.
func ComputeAmount(code *Code, subtotal decimal.Decimal, exponent int32) decimal.Decimal {
	if subtotal.Sign() <= 0 || code.Value.Sign() <= 0 {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch code.Type {
	case TypePercentage:
		amount = subtotal.Mul(code.Value).Div(hundred).Round(exponent)
		if code.MaxDiscountAmount != nil {
			amount = decimal.Min(amount, code.MaxDiscountAmount.RoundFloor(exponent))
		}
	case TypeFixedAmount:
		amount = code.Value.RoundFloor(exponent)
	default:
		return decimal.Zero
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, subtotal)
}
