// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package money implements an exact, currency-aware fixed-point amount.
// All arithmetic is integer math in the currency's minor unit. Values are
// immutable. Operations never silently mix currencies; cross-currency
// conversion requires an explicit rate.
package money

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"cashport.org/cashport/pay"
)

// Currency identifies the currency of an Amount.
type Currency string

const (
	BTC Currency = "BTC"
	USD Currency = "USD"
)

// currency minor-unit exponents relative to the major unit. BTC amounts are
// denominated in satoshi, USD in cents.
var minorUnits = map[Currency]struct {
	unit     string
	decimals int
}{
	BTC: {unit: "sat", decimals: 8},
	USD: {unit: "cent", decimals: 2},
}

const (
	// MsatPerSat is the number of milli-satoshi per satoshi, used for
	// Lightning amount math.
	MsatPerSat = 1000
)

// ErrCurrencyMismatch is returned for any arithmetic between amounts of
// different currencies.
const ErrCurrencyMismatch = pay.ErrorKind("currency mismatch")

// Amount is an immutable monetary value in a currency's minor unit.
type Amount struct {
	value    uint64
	currency Currency
}

// NewAmount creates an Amount of value minor units.
func NewAmount(value uint64, currency Currency) (Amount, error) {
	if _, ok := minorUnits[currency]; !ok {
		return Amount{}, fmt.Errorf("unknown currency %q", currency)
	}
	return Amount{value: value, currency: currency}, nil
}

// Sats is shorthand for a BTC amount of the specified satoshi value.
func Sats(v uint64) Amount {
	return Amount{value: v, currency: BTC}
}

// Cents is shorthand for a USD amount of the specified cent value.
func Cents(v uint64) Amount {
	return Amount{value: v, currency: USD}
}

// Value is the amount in the currency's minor unit.
func (a Amount) Value() uint64 { return a.value }

// Currency is the amount's currency.
func (a Amount) Currency() Currency { return a.currency }

// Unit is the name of the currency's minor unit.
func (a Amount) Unit() string { return minorUnits[a.currency].unit }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.value == 0 }

func (a Amount) check(b Amount) error {
	if a.currency != b.currency {
		return pay.NewError(ErrCurrencyMismatch,
			fmt.Sprintf("%s != %s", a.currency, b.currency))
	}
	return nil
}

// Add returns a + b. The currencies must match.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.check(b); err != nil {
		return Amount{}, err
	}
	if a.value > math.MaxUint64-b.value {
		return Amount{}, fmt.Errorf("amount overflow")
	}
	return Amount{value: a.value + b.value, currency: a.currency}, nil
}

// Sub returns a - b. The currencies must match and b must not exceed a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.check(b); err != nil {
		return Amount{}, err
	}
	if b.value > a.value {
		return Amount{}, fmt.Errorf("amount underflow: %d < %d", a.value, b.value)
	}
	return Amount{value: a.value - b.value, currency: a.currency}, nil
}

// Cmp compares a and b, returning -1, 0, or 1. The currencies must match.
func (a Amount) Cmp(b Amount) (int, error) {
	if err := a.check(b); err != nil {
		return 0, err
	}
	switch {
	case a.value < b.value:
		return -1, nil
	case a.value > b.value:
		return 1, nil
	}
	return 0, nil
}

// Equal reports whether a and b have the same currency and value.
func (a Amount) Equal(b Amount) bool {
	return a.currency == b.currency && a.value == b.value
}

// MilliSats converts a BTC amount to milli-satoshi for Lightning math.
func (a Amount) MilliSats() (uint64, error) {
	if a.currency != BTC {
		return 0, pay.NewError(ErrCurrencyMismatch, "msat conversion requires BTC")
	}
	if a.value > math.MaxUint64/MsatPerSat {
		return 0, fmt.Errorf("amount overflow")
	}
	return a.value * MsatPerSat, nil
}

// String formats the amount as a decimal in the currency's major unit,
// e.g. "0.00000150 BTC" or "12.03 USD".
func (a Amount) String() string {
	dec := minorUnits[a.currency].decimals
	div := uint64(1)
	for i := 0; i < dec; i++ {
		div *= 10
	}
	return fmt.Sprintf("%d.%0*d %s", a.value/div, dec, a.value%div, a.currency)
}

// Converter converts amounts between two currencies at a fixed rate. The
// rate is a decimal string quoting one major unit of the from currency in
// major units of the to currency, as delivered by an exchange-rate provider
// for the pair "FROM-TO".
type Converter struct {
	from, to Currency
	rate     *big.Rat
}

// NewConverter creates a Converter for the pair using the decimal rate
// string.
func NewConverter(from, to Currency, rate string) (*Converter, error) {
	if _, ok := minorUnits[from]; !ok {
		return nil, fmt.Errorf("unknown currency %q", from)
	}
	if _, ok := minorUnits[to]; !ok {
		return nil, fmt.Errorf("unknown currency %q", to)
	}
	r, ok := new(big.Rat).SetString(strings.TrimSpace(rate))
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("invalid rate %q", rate)
	}
	return &Converter{from: from, to: to, rate: r}, nil
}

// Convert converts the amount to the converter's target currency, rounding
// half-up in the target minor unit.
func (c *Converter) Convert(a Amount) (Amount, error) {
	if a.currency != c.from {
		return Amount{}, pay.NewError(ErrCurrencyMismatch,
			fmt.Sprintf("converter is %s-%s, amount is %s", c.from, c.to, a.currency))
	}
	fromDec := minorUnits[c.from].decimals
	toDec := minorUnits[c.to].decimals
	// value / 10^fromDec * rate * 10^toDec, rounded half-up.
	v := new(big.Rat).SetUint64(a.value)
	v.Mul(v, c.rate)
	shift := toDec - fromDec
	for i := 0; i < shift; i++ {
		v.Mul(v, big.NewRat(10, 1))
	}
	for i := 0; i < -shift; i++ {
		v.Mul(v, big.NewRat(1, 10))
	}
	v.Add(v, big.NewRat(1, 2))
	out := new(big.Int).Quo(v.Num(), v.Denom())
	if !out.IsUint64() {
		return Amount{}, fmt.Errorf("conversion overflow")
	}
	return Amount{value: out.Uint64(), currency: c.to}, nil
}
