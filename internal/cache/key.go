package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/axonlabs/modelgate/internal/backend"
)

// keyLength is the number of hex characters kept from the SHA-256 digest.
// Truncation trades a vanishing collision probability for shorter keys; a
// false-positive cache hit is an accepted risk at this length.
const keyLength = 32

// Key derives the deterministic fingerprint for a cacheable request from the
// model id, the ordered message list, and the sampling options. Identical
// inputs always produce identical keys; reordering messages changes the key.
func Key(model string, msgs []backend.Message, opts backend.Options) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	wire := make([]msg, len(msgs))
	for i, m := range msgs {
		wire[i] = msg{Role: string(m.Role), Content: m.Content}
	}

	data, _ := json.Marshal(struct {
		Model       string  `json:"model"`
		Messages    []msg   `json:"messages"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
	}{
		Model:       model,
		Messages:    wire,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	})

	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:keyLength]
}
