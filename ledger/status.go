package ledger

import "github.com/shopspring/decimal"

// DeriveStatus is the single status rule: achieved iff accumulated >= goal.
// It is applied identically after deposits, withdrawals and goal edits and
// never looks at the previous status.
func DeriveStatus(accumulated, goal decimal.Decimal) Status {
	if accumulated.GreaterThanOrEqual(goal) {
		return StatusAchieved
	}
	return StatusActive
}

// ValidateAmount checks a money value is positive and at currency precision.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalidArgument("%s must be positive", field)
	}
	if !amount.Equal(amount.Round(CurrencyPlaces)) {
		return invalidArgument("%s has more than %d decimal places", field, CurrencyPlaces)
	}
	return nil
}
