// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cashu

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
)

// tokenPrefix marks an encoded token. The payload is base64url-encoded
// JSON.
const tokenPrefix = "cashuA"

// Token is an encoded, shareable bundle of proofs that a receiver can
// redeem at the named mint.
type Token struct {
	Mint   string `json:"mint"`
	Unit   string `json:"unit"`
	Memo   string `json:"memo,omitempty"`
	Proofs Proofs `json:"proofs"`
}

// tokenJSON is the serialized layout of a Token.
type tokenJSON struct {
	Token []struct {
		Mint   string `json:"mint"`
		Proofs Proofs `json:"proofs"`
	} `json:"token"`
	Unit string `json:"unit"`
	Memo string `json:"memo,omitempty"`
}

// Encode serializes the token to its shareable string form.
func (t *Token) Encode() string {
	tj := tokenJSON{Unit: t.Unit, Memo: t.Memo}
	tj.Token = append(tj.Token, struct {
		Mint   string `json:"mint"`
		Proofs Proofs `json:"proofs"`
	}{Mint: t.Mint, Proofs: t.Proofs})
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(marshalCanonical(&tj))
}

// DecodeToken parses an encoded token string.
func DecodeToken(s string) (*Token, error) {
	if !strings.HasPrefix(s, tokenPrefix) {
		return nil, fmt.Errorf("not a recognized token prefix")
	}
	payload := strings.TrimPrefix(s, tokenPrefix)
	// Tolerate padded encodings from other implementations.
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return nil, fmt.Errorf("token payload: %w", err)
	}
	var tj tokenJSON
	if err := json.Unmarshal(b, &tj); err != nil {
		return nil, fmt.Errorf("token json: %w", err)
	}
	if len(tj.Token) != 1 {
		return nil, fmt.Errorf("expected a single-mint token, got %d entries", len(tj.Token))
	}
	if len(tj.Token[0].Proofs) == 0 {
		return nil, fmt.Errorf("token has no proofs")
	}
	return &Token{
		Mint:   tj.Token[0].Mint,
		Unit:   tj.Unit,
		Memo:   tj.Memo,
		Proofs: tj.Token[0].Proofs,
	}, nil
}

// TokenHash is a deterministic hash over (mint, proofs, unit), used to
// detect whether a shared token was claimed. The proof order does not
// affect the hash.
func TokenHash(mint, unit string, proofs Proofs) string {
	var buf bytes.Buffer
	buf.WriteString(mint)
	buf.WriteByte(0)
	buf.WriteString(unit)
	buf.WriteByte(0)
	for _, p := range canonicalProofs(proofs) {
		buf.WriteString(p.Secret)
		buf.WriteByte(0)
		buf.WriteString(p.C)
		buf.WriteByte(0)
	}
	h := blake256.Sum256(buf.Bytes())
	return hex.EncodeToString(h[:])
}
