// Package tokenizer provides a BPE token estimator backed by tiktoken-go.
//
// The first call downloads the encoding's BPE ranks unless
// TIKTOKEN_CACHE_DIR points at a warm cache; use memory.CharEstimator
// when running offline.
package tokenizer

import (
	"fmt"
	"log"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is close enough to Claude's tokenizer for budgeting.
const DefaultEncoding = "cl100k_base"

// Estimator counts tokens with a tiktoken encoding.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// New loads the named encoding (DefaultEncoding when empty).
func New(encoding string) (*Estimator, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	log.Printf("[TOKENIZER] Using tiktoken encoding %s", encoding)
	return &Estimator{enc: enc}, nil
}

// Estimate returns the exact BPE token count of text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}
