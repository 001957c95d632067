// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cashu

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// conditionPayload is the payload half of a NUT-10 well-known secret.
type conditionPayload struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags,omitempty"`
}

// ParseSpendingCondition validates a serialized spending condition: a
// two-element JSON array of kind and payload, e.g.
// ["P2PK",{"data":"<pubkey>"}]. The nonce is ignored; a fresh one is drawn
// for every output minted under the condition. Returns the condition kind.
func ParseSpendingCondition(s string) (string, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(s), &parts); err != nil {
		return "", fmt.Errorf("spending condition is not a JSON array: %w", err)
	}
	if len(parts) != 2 {
		return "", fmt.Errorf("spending condition has %d elements, expected 2", len(parts))
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil || kind == "" {
		return "", fmt.Errorf("bad spending condition kind")
	}
	var payload conditionPayload
	if err := json.Unmarshal(parts[1], &payload); err != nil {
		return "", fmt.Errorf("bad spending condition payload: %w", err)
	}
	if payload.Data == "" {
		return "", fmt.Errorf("spending condition has no data")
	}
	return kind, nil
}

// ConditionOutputs builds one blinded output per amount whose secrets carry
// the spending condition, each with a fresh random nonce and blinding
// factor. Unlike DeriveOutputs the results are not recomputable, so the
// caller must persist them to recover an interrupted swap.
func ConditionOutputs(condition, keysetID string, amounts []uint64) ([]OutputData, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(condition), &parts); err != nil || len(parts) != 2 {
		return nil, fmt.Errorf("bad spending condition")
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, fmt.Errorf("bad spending condition kind: %w", err)
	}
	var payload conditionPayload
	if err := json.Unmarshal(parts[1], &payload); err != nil {
		return nil, fmt.Errorf("bad spending condition payload: %w", err)
	}

	outputs := make([]OutputData, 0, len(amounts))
	for _, amount := range amounts {
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		payload.Nonce = hex.EncodeToString(nonce)
		secret, err := json.Marshal([]interface{}{kind, payload})
		if err != nil {
			return nil, err
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		bBlinded, err := BlindMessage(string(secret), r)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, OutputData{
			Amount: amount,
			Secret: string(secret),
			R:      hex.EncodeToString(r.Serialize()),
			BlindedMessage: BlindedMessage{
				Amount: amount,
				ID:     keysetID,
				B:      bBlinded,
			},
		})
	}
	return outputs, nil
}
