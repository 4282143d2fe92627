package memory

import (
	"strings"
	"unicode"
)

// baseImportance is the starting score for each memory type.
var baseImportance = map[Type]float64{
	TypeConversation:  0.6,
	TypeImportantInfo: 0.9,
	TypeFact:          0.5,
	TypePreference:    0.7,
	TypeTask:          0.65,
	TypeOther:         0.4,
}

// importanceKeywords raise the score when they appear as whole words.
var importanceKeywords = map[string]struct{}{
	"remember":   {},
	"important":  {},
	"save":       {},
	"note":       {},
	"preference": {},
	"like":       {},
	"dislike":    {},
	"always":     {},
	"never":      {},
	"favorite":   {},
}

const (
	keywordBonus    = 0.1
	maxKeywordBonus = 0.3

	// Content shorter than lengthSaturation runes is scaled down toward minLengthFactor.
	lengthSaturation = 32
	minLengthFactor  = 0.8
)

// Score returns the importance of content of the given type, in [0, 1].
//
// The score is the type's base value plus 0.1 per distinct keyword (at most
// 0.3), multiplied by a length factor that rises from 0.8 for empty content to
// 1.0 at 32 runes and stays flat after. Unknown types score as TypeOther.
// Score is pure and deterministic.
func Score(content string, t Type) float64 {
	base, ok := baseImportance[t]
	if !ok {
		base = baseImportance[TypeOther]
	}

	score := (base + keywordScore(content)) * lengthFactor(content)
	return clamp01(score)
}

// keywordScore counts distinct keywords as whole, case-insensitive words.
func keywordScore(content string) float64 {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	seen := make(map[string]struct{})
	for _, w := range words {
		if _, ok := importanceKeywords[w]; ok {
			seen[w] = struct{}{}
		}
	}

	bonus := float64(len(seen)) * keywordBonus
	if bonus > maxKeywordBonus {
		bonus = maxKeywordBonus
	}
	return bonus
}

// lengthFactor is monotonic non-decreasing in content length.
func lengthFactor(content string) float64 {
	n := len([]rune(strings.TrimSpace(content)))
	if n > lengthSaturation {
		n = lengthSaturation
	}
	return minLengthFactor + (1-minLengthFactor)*float64(n)/lengthSaturation
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
