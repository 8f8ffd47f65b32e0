package domain

import "strconv"

// Money is an amount in the currency's minor unit (e.g. cents).
type Money int64

// BasisPoints is a rate expressed in hundredths of a percent; 10000 is 100%.
type BasisPoints int64

// FullShare is 100% in basis points.
const FullShare BasisPoints = 10000

// Amount ceilings keep every sum over a session well inside int64.
const (
	// MaxAmount caps a menu price, a customization delta, a cart line and
	// the tip.
	MaxAmount Money = 100_000_000
	// MaxOrderAmount caps the cart subtotal and a spending limit.
	MaxOrderAmount Money = 100 * MaxAmount
	// MaxQuantity caps the quantity of one cart line.
	MaxQuantity = 99
	// MaxCustomizations caps the options on one cart line.
	MaxCustomizations = 20

	// maxShareAmount leaves room for tax, fees and tip on a full cart.
	maxShareAmount = 2 * MaxOrderAmount
)

// String renders the amount as major.minor with two decimals.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	minor := v % 100
	pad := ""
	if minor < 10 {
		pad = "0"
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + pad + strconv.FormatInt(minor, 10)
}

// ApplyRate returns amount × rate rounded half-up to the minor unit.
// Amount and rate are expected to be non-negative.
func ApplyRate(amount Money, rate BasisPoints) Money {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	product := int64(amount) * int64(rate)
	return Money((product + int64(FullShare)/2) / int64(FullShare))
}

// distribute splits total across weights, flooring each share and handing the
// leftover minor units out one at a time from the first index. Zero total
// weight splits total evenly.
func distribute(total Money, weights []Money) []Money {
	shares := make([]Money, len(weights))
	if len(weights) == 0 || total <= 0 {
		return shares
	}
	var weightSum Money
	for _, w := range weights {
		weightSum += w
	}
	if weightSum <= 0 {
		weights = make([]Money, len(weights))
		for i := range weights {
			weights[i] = 1
		}
		weightSum = Money(len(weights))
	}
	var assigned Money
	for i, w := range weights {
		shares[i] = Money(int64(total) * int64(w) / int64(weightSum))
		assigned += shares[i]
	}
	for i := 0; assigned < total; i = (i + 1) % len(shares) {
		if weights[i] <= 0 {
			continue
		}
		shares[i]++
		assigned++
	}
	return shares
}
