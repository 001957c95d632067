// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package money

import (
	"errors"
	"testing"
)

func TestArithmetic(t *testing.T) {
	a := Sats(1500)
	b := Sats(500)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if sum.Value() != 2000 {
		t.Fatalf("wrong sum. wanted 2000, got %d", sum.Value())
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub error: %v", err)
	}
	if diff.Value() != 1000 {
		t.Fatalf("wrong difference. wanted 1000, got %d", diff.Value())
	}

	if _, err = b.Sub(a); err == nil {
		t.Fatalf("no underflow error for %d - %d", b.Value(), a.Value())
	}

	cmp, err := a.Cmp(b)
	if err != nil {
		t.Fatalf("Cmp error: %v", err)
	}
	if cmp != 1 {
		t.Fatalf("wrong comparison. wanted 1, got %d", cmp)
	}

	if !a.Equal(Sats(1500)) {
		t.Fatalf("equal amounts not Equal")
	}
	if a.Equal(Cents(1500)) {
		t.Fatalf("amounts of different currencies are Equal")
	}
}

func TestCurrencyMismatch(t *testing.T) {
	_, err := Sats(1).Add(Cents(1))
	if err == nil {
		t.Fatalf("no error adding BTC to USD")
	}
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("wrong error kind: %v", err)
	}
	if _, err := Sats(1).Sub(Cents(1)); err == nil {
		t.Fatalf("no error subtracting USD from BTC")
	}
	if _, err := Sats(1).Cmp(Cents(1)); err == nil {
		t.Fatalf("no error comparing BTC to USD")
	}
	if _, err := Cents(1).MilliSats(); err == nil {
		t.Fatalf("no error converting USD to msat")
	}
}

func TestMilliSats(t *testing.T) {
	msat, err := Sats(21).MilliSats()
	if err != nil {
		t.Fatalf("MilliSats error: %v", err)
	}
	if msat != 21_000 {
		t.Fatalf("wrong msat value. wanted 21000, got %d", msat)
	}
}

func TestNewAmount(t *testing.T) {
	a, err := NewAmount(150, BTC)
	if err != nil {
		t.Fatalf("NewAmount error: %v", err)
	}
	if a.Unit() != "sat" {
		t.Fatalf("wrong unit %q", a.Unit())
	}
	if _, err = NewAmount(1, Currency("DOGE")); err == nil {
		t.Fatalf("no error for unknown currency")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		amt  Amount
		want string
	}{
		{Sats(150), "0.00000150 BTC"},
		{Sats(150_000_000), "1.50000000 BTC"},
		{Cents(1203), "12.03 USD"},
		{Cents(5), "0.05 USD"},
	}
	for _, test := range tests {
		if s := test.amt.String(); s != test.want {
			t.Errorf("wrong string. wanted %q, got %q", test.want, s)
		}
	}
}

func TestConverter(t *testing.T) {
	tests := []struct {
		name     string
		from, to Currency
		rate     string
		in       Amount
		want     uint64
	}{
		{ // 1 USD = 0.00001 BTC, so $1.00 converts to 1000 sat.
			name: "usd to btc",
			from: USD, to: BTC, rate: "0.00001",
			in: Cents(100), want: 1000,
		},
		{ // 1 BTC = 70000 USD, so 1 BTC converts to 7,000,000 cents.
			name: "btc to usd",
			from: BTC, to: USD, rate: "70000",
			in: Sats(100_000_000), want: 7_000_000,
		},
		{ // 1.5 sat rounds half-up to 2.
			name: "round half up",
			from: USD, to: BTC, rate: "0.000000015",
			in: Cents(100), want: 2,
		},
		{ // 1.4 sat rounds down to 1.
			name: "round down",
			from: USD, to: BTC, rate: "0.000000014",
			in: Cents(100), want: 1,
		},
	}
	for _, test := range tests {
		conv, err := NewConverter(test.from, test.to, test.rate)
		if err != nil {
			t.Fatalf("%s: NewConverter error: %v", test.name, err)
		}
		out, err := conv.Convert(test.in)
		if err != nil {
			t.Fatalf("%s: Convert error: %v", test.name, err)
		}
		if out.Value() != test.want {
			t.Errorf("%s: wrong value. wanted %d, got %d", test.name, test.want, out.Value())
		}
		if out.Currency() != test.to {
			t.Errorf("%s: wrong currency %s", test.name, out.Currency())
		}
	}

	// Wrong input currency.
	conv, _ := NewConverter(USD, BTC, "0.00001")
	if _, err := conv.Convert(Sats(100)); err == nil {
		t.Fatalf("no error converting an amount of the wrong currency")
	}

	// Bad rates.
	for _, rate := range []string{"", "abc", "0", "-1.5"} {
		if _, err := NewConverter(USD, BTC, rate); err == nil {
			t.Fatalf("no error for rate %q", rate)
		}
	}
}
