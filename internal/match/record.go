package match

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// CompletionRecord is the immutable outcome of a finished match. Once
// sealed, ownership transfers to the external ledger collaborator.
type CompletionRecord struct {
	MatchID      string             `json:"matchId"`
	ContentID    string             `json:"contentId"`
	Participants []string           `json:"participants"`
	StartedAt    int64              `json:"startedAt"`
	EndedAt      int64              `json:"endedAt"`
	Scores       map[string]float64 `json:"scores"`
	Hash         string             `json:"hash,omitempty"`
}

// Ledger consumes sealed completion records. The real implementation lives
// in the external ledger/council subsystem; this package only emits.
type Ledger interface {
	Append(ctx context.Context, rec CompletionRecord) error
}

// canonical returns the record's deterministic byte representation: fixed
// struct field order, score keys sorted (encoding/json sorts map keys),
// hash field excluded. Identical inputs always produce identical bytes.
func (r CompletionRecord) canonical() ([]byte, error) {
	r.Hash = ""
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize record: %w", err)
	}
	return data, nil
}

// Seal computes the content hash over the canonical representation and
// stores it as 64 hex characters. Any field change changes the hash.
func (r *CompletionRecord) Seal() error {
	data, err := r.canonical()
	if err != nil {
		return err
	}
	sum := blake3.Sum256(data)
	r.Hash = hex.EncodeToString(sum[:])
	return nil
}

// Verify recomputes the hash and reports whether it matches the sealed
// value.
func (r CompletionRecord) Verify() bool {
	if r.Hash == "" {
		return false
	}
	data, err := r.canonical()
	if err != nil {
		return false
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]) == r.Hash
}
