package model

import "github.com/shopspring/decimal"

var (
	quarter = decimal.RequireFromString("0.25")
	four    = decimal.NewFromInt(4)
)

// RoundCash rounds to cents.
func RoundCash(v decimal.Decimal) decimal.Decimal { return v.Round(2) }

// OnQuarterGrid reports whether v is a whole multiple of $0.25.
func OnQuarterGrid(v decimal.Decimal) bool {
	return v.Mul(four).Equal(v.Mul(four).Truncate(0))
}

// MinimumPrice is the smallest price any bid or listing may carry.
func MinimumPrice() decimal.Decimal { return quarter }

// AffordableShares returns floor(cash/price), never negative.
func AffordableShares(cash, price decimal.Decimal) int64 {
	if !price.IsPositive() || !cash.IsPositive() {
		return 0
	}
	return cash.Div(price).Floor().IntPart()
}

// Cost is shares*price.
func Cost(shares int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(shares))
}
