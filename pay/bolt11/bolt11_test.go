// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt11

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// tagged builds a tagged field: type, 10-bit length, payload in 5-bit
// groups.
func tagged(typ byte, payload []byte) []byte {
	out := []byte{typ, byte(len(payload) >> 5), byte(len(payload) & 31)}
	return append(out, payload...)
}

// toGroups converts bytes to 5-bit groups with padding.
func toGroups(t *testing.T, b []byte) []byte {
	t.Helper()
	groups, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits error: %v", err)
	}
	return groups
}

// buildInvoice assembles a payment request: 35-bit timestamp, tagged
// fields, and a zeroed 520-bit signature. The decoder does not verify
// signatures.
func buildInvoice(t *testing.T, hrp string, timestamp uint64, fields []byte) string {
	t.Helper()
	data := make([]byte, 0, timestampGroups+len(fields)+signatureGroups)
	for i := timestampGroups - 1; i >= 0; i-- {
		data = append(data, byte((timestamp>>(uint(i)*5))&31))
	}
	data = append(data, fields...)
	data = append(data, make([]byte, signatureGroups)...)
	s, err := bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("bech32 encode error: %v", err)
	}
	return s
}

var testPaymentHash = bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 8)

func TestDecode(t *testing.T) {
	const timestamp = 1700000000
	fields := tagged(fieldPaymentHash, toGroups(t, testPaymentHash))
	fields = append(fields, tagged(fieldDescription, toGroups(t, []byte("1 cup coffee")))...)
	fields = append(fields, tagged(fieldExpiry, []byte{1, 28})...) // 60 seconds

	inv, err := Decode(buildInvoice(t, "lnbc2500u", timestamp, fields))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if inv.Network != "bc" {
		t.Errorf("wrong network %q", inv.Network)
	}
	if inv.MilliSats != 250_000_000 {
		t.Errorf("wrong amount. wanted 250000000 msat, got %d", inv.MilliSats)
	}
	if inv.PaymentHash != "0102030401020304010203040102030401020304010203040102030401020304" {
		t.Errorf("wrong payment hash %q", inv.PaymentHash)
	}
	if inv.Description != "1 cup coffee" {
		t.Errorf("wrong description %q", inv.Description)
	}
	if inv.Expiry != time.Minute {
		t.Errorf("wrong expiry %v", inv.Expiry)
	}
	wantExpires := time.Unix(timestamp, 0).UTC().Add(time.Minute)
	if !inv.ExpiresAt().Equal(wantExpires) {
		t.Errorf("wrong expiration. wanted %v, got %v", wantExpires, inv.ExpiresAt())
	}
	if inv.IsExpired(wantExpires.Add(-time.Second)) {
		t.Errorf("invoice expired early")
	}
	if !inv.IsExpired(wantExpires.Add(time.Second)) {
		t.Errorf("invoice did not expire")
	}
}

func TestDecodeAmountless(t *testing.T) {
	fields := tagged(fieldPaymentHash, toGroups(t, testPaymentHash))
	inv, err := Decode(buildInvoice(t, "lnbc", 1700000000, fields))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if inv.MilliSats != 0 {
		t.Fatalf("amountless invoice decoded amount %d", inv.MilliSats)
	}
	if inv.Expiry != time.Hour {
		t.Fatalf("wrong default expiry %v", inv.Expiry)
	}
}

func TestDecodeErrors(t *testing.T) {
	goodFields := tagged(fieldPaymentHash, toGroups(t, testPaymentHash))

	tests := []struct {
		name    string
		invoice string
	}{
		{"garbage", "not an invoice"},
		{"bad checksum", strings.Replace(buildInvoice(t, "lnbc", 1700000000, goodFields), "1", "2", 1)},
		{"not lightning", buildInvoice(t, "bc", 1700000000, goodFields)},
		{"too short", buildInvoice(t, "lnbc", 1700000000, nil)[:20]},
		{"no payment hash", buildInvoice(t, "lnbc", 1700000000, nil)},
		{"truncated field", buildInvoice(t, "lnbc", 1700000000, []byte{1, 3})},
	}
	for _, test := range tests {
		if _, err := Decode(test.invoice); err == nil {
			t.Errorf("%s: no decode error", test.name)
		}
	}
}

func TestParseHRPAmount(t *testing.T) {
	tests := []struct {
		hrp     string
		network string
		msats   uint64
		wantErr bool
	}{
		{hrp: "bc", network: "bc", msats: 0},
		{hrp: "bc2500u", network: "bc", msats: 250_000_000},
		{hrp: "bc25m", network: "bc", msats: 2_500_000_000},
		{hrp: "tb1000n", network: "tb", msats: 100_000},
		{hrp: "bc10p", network: "bc", msats: 1},
		{hrp: "bc1", network: "bc", msats: 100_000_000_000},
		{hrp: "bc21000000", network: "bc", msats: 21e6 * 1e11}, // every coin there is
		{hrp: "bc15p", wantErr: true},                          // sub-millisatoshi
		{hrp: "bc0m", wantErr: true},                           // zero with multiplier
		{hrp: "bc2x5u", wantErr: true},                         // junk in the digits
		{hrp: "2500u", wantErr: true},                          // no network
		{hrp: "bc21000001", wantErr: true},                     // over 21M BTC
		{hrp: "bc184467440737095516160n", wantErr: true},       // would overflow uint64
	}
	for _, test := range tests {
		network, msats, err := parseHRPAmount(test.hrp)
		if test.wantErr {
			if err == nil {
				t.Errorf("%s: no error", test.hrp)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.hrp, err)
			continue
		}
		if network != test.network || msats != test.msats {
			t.Errorf("%s: got network %q, %d msat", test.hrp, network, msats)
		}
	}
}
