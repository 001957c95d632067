// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bolt11 decodes BOLT11 Lightning payment requests. Decoding is a
// pure function; the engine only needs the fields that drive quote state
// transitions: amount, payment hash, and expiry. Signature and feature-bit
// validation is left to the node that pays the invoice.
package bolt11

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Invoice is a decoded payment request.
type Invoice struct {
	// Network is the currency prefix of the invoice, e.g. "bc" or "tb".
	Network string
	// MilliSats is the invoice amount in milli-satoshi, zero for an
	// amountless invoice.
	MilliSats uint64
	// PaymentHash is the hex-encoded 32-byte payment hash.
	PaymentHash string
	// Description is the invoice description, if the d field is present.
	Description string
	// Timestamp is the invoice creation time.
	Timestamp time.Time
	// Expiry is the invoice lifetime. BOLT11 defaults to one hour when the
	// x field is absent.
	Expiry time.Duration
}

// ExpiresAt is the absolute expiration time of the invoice.
func (inv *Invoice) ExpiresAt() time.Time {
	return inv.Timestamp.Add(inv.Expiry)
}

// IsExpired reports whether the invoice is expired at the given time.
func (inv *Invoice) IsExpired(now time.Time) bool {
	return now.After(inv.ExpiresAt())
}

const (
	defaultExpiry = time.Hour
	// signatureGroups is the size of the trailing 520-bit signature in
	// 5-bit groups.
	signatureGroups = 104
	// timestampGroups is the size of the leading 35-bit timestamp in 5-bit
	// groups.
	timestampGroups = 7

	fieldPaymentHash = 1  // p
	fieldDescription = 13 // d
	fieldExpiry      = 6  // x
)

// Decode parses a payment request string. Malformed invoices are an error;
// expiry checking is the caller's concern via IsExpired.
func Decode(paymentRequest string) (*Invoice, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.TrimSpace(paymentRequest))
	if err != nil {
		return nil, fmt.Errorf("bech32: %w", err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, fmt.Errorf("not a lightning invoice: hrp %q", hrp)
	}
	network, msats, err := parseHRPAmount(hrp[2:])
	if err != nil {
		return nil, err
	}

	if len(data) < timestampGroups+signatureGroups {
		return nil, fmt.Errorf("invoice data too short: %d groups", len(data))
	}
	var timestamp uint64
	for _, g := range data[:timestampGroups] {
		timestamp = timestamp<<5 | uint64(g)
	}
	fields := data[timestampGroups : len(data)-signatureGroups]

	inv := &Invoice{
		Network:   network,
		MilliSats: msats,
		Timestamp: time.Unix(int64(timestamp), 0).UTC(),
		Expiry:    defaultExpiry,
	}

	for len(fields) > 0 {
		if len(fields) < 3 {
			return nil, fmt.Errorf("truncated tagged field")
		}
		typ := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if len(fields) < length {
			return nil, fmt.Errorf("tagged field %d overruns data", typ)
		}
		payload := fields[:length]
		fields = fields[length:]

		switch typ {
		case fieldPaymentHash:
			// A p field of unexpected length is skipped per BOLT11.
			if length != 52 {
				continue
			}
			hash, err := bech32.ConvertBits(payload, 5, 8, false)
			if err != nil || len(hash) != 32 {
				return nil, fmt.Errorf("payment hash conversion failed")
			}
			inv.PaymentHash = fmt.Sprintf("%x", hash)
		case fieldDescription:
			desc, err := bech32.ConvertBits(payload, 5, 8, false)
			if err != nil {
				return nil, fmt.Errorf("description conversion failed")
			}
			inv.Description = string(desc)
		case fieldExpiry:
			var exp uint64
			for _, g := range payload {
				exp = exp<<5 | uint64(g)
			}
			inv.Expiry = time.Duration(exp) * time.Second
		}
	}

	if inv.PaymentHash == "" {
		return nil, fmt.Errorf("invoice has no payment hash")
	}
	return inv, nil
}

// parseHRPAmount splits the post-"ln" hrp into network prefix and amount in
// milli-satoshi.
func parseHRPAmount(s string) (network string, msats uint64, err error) {
	split := len(s)
	for i, r := range s {
		if r >= '0' && r <= '9' {
			split = i
			break
		}
	}
	network = s[:split]
	if network == "" {
		return "", 0, fmt.Errorf("missing network prefix")
	}
	amtStr := s[split:]
	if amtStr == "" {
		return network, 0, nil
	}

	// 1 BTC == 1e11 msat. The multiplier divides the BTC amount.
	divisor := uint64(1)
	switch amtStr[len(amtStr)-1] {
	case 'm':
		divisor, amtStr = 1e3, amtStr[:len(amtStr)-1]
	case 'u':
		divisor, amtStr = 1e6, amtStr[:len(amtStr)-1]
	case 'n':
		divisor, amtStr = 1e9, amtStr[:len(amtStr)-1]
	case 'p':
		divisor, amtStr = 1e12, amtStr[:len(amtStr)-1]
	}
	// 21 million BTC, in msat.
	const maxMsats = 21e6 * 1e11
	maxAmt := ^uint64(0)
	if divisor != 1e12 {
		maxAmt = maxMsats / (1e11 / divisor)
	}
	var amt uint64
	for _, r := range amtStr {
		if r < '0' || r > '9' {
			return "", 0, fmt.Errorf("invalid amount %q", amtStr)
		}
		d := uint64(r - '0')
		if amt > (maxAmt-d)/10 {
			return "", 0, fmt.Errorf("amount %q exceeds the maximum invoice amount", amtStr)
		}
		amt = amt*10 + d
	}
	if amt == 0 {
		return "", 0, fmt.Errorf("zero amount with multiplier")
	}
	if divisor == 1e12 {
		// Pico-BTC amounts that are not multiples of 10 are sub-msat.
		if amt%10 != 0 {
			return "", 0, fmt.Errorf("sub-millisatoshi amount")
		}
		return network, amt / 10, nil
	}
	return network, amt * (1e11 / divisor), nil
}
