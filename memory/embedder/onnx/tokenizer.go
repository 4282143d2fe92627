//go:build onnx

package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special token ids of the uncased BERT vocabulary.
const (
	unkToken = 100
	clsToken = 101
	sepToken = 102
)

// WordPieceTokenizer handles BERT-style uncased WordPiece tokenization.
type WordPieceTokenizer struct {
	vocab map[string]int
}

// LoadTokenizer reads the vocabulary from a Hugging Face tokenizer.json.
func LoadTokenizer(path string) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s has an empty vocabulary", path)
	}

	return &WordPieceTokenizer{vocab: file.Model.Vocab}, nil
}

// Encode returns [CLS] tokens [SEP] padded to maxLen, plus the attention mask.
func (t *WordPieceTokenizer) Encode(text string, maxLen int) (ids, mask []int64) {
	ids = make([]int64, maxLen)
	mask = make([]int64, maxLen)

	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	ids[0], mask[0] = clsToken, 1
	for i, tok := range tokens {
		ids[i+1], mask[i+1] = tok, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = sepToken, 1
	return ids, mask
}

// Tokenize lower-cases text, splits punctuation into its own words, and
// breaks each word into the longest matching vocabulary pieces.
func (t *WordPieceTokenizer) Tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		tokens = append(tokens, t.wordPiece(word)...)
	}
	return tokens
}

// wordPiece greedily matches the longest prefix, then "##" continuations.
// A word with an unmatchable piece becomes a single [UNK].
func (t *WordPieceTokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	var pieces []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				matched = id
				break
			}
		}
		if matched < 0 {
			return []int64{unkToken}
		}
		pieces = append(pieces, int64(matched))
		start = end
	}
	return pieces
}

func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
