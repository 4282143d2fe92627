package memory

import (
	"strings"
	"unicode"
)

// summaryMarker closes every summarized text.
const summaryMarker = " ..."

// Summarize shortens content so that est.Estimate(result) <= maxTokens.
//
// The policy is extractive and deterministic: keep as many leading whole
// sentences as fit, else as many leading words, else as many leading runes,
// and append a marker. Content that already fits is returned unchanged. The
// empty string is returned when not even the marker fits.
func Summarize(content string, maxTokens int, est TokenEstimator) string {
	if est == nil {
		est = DefaultEstimator
	}
	content = strings.TrimSpace(content)
	if maxTokens <= 0 || content == "" {
		return ""
	}
	if est.Estimate(content) <= maxTokens {
		return content
	}

	// BPE estimators are not strictly monotonic, so check the final text too.
	if s := extract(content, maxTokens, est); est.Estimate(s) <= maxTokens {
		return s
	}
	return ""
}

func extract(content string, maxTokens int, est TokenEstimator) string {
	fits := func(prefix string) bool {
		return est.Estimate(prefix+summaryMarker) <= maxTokens
	}

	if s := longestPrefix(splitSentences(content), " ", fits); s != "" {
		return s + summaryMarker
	}
	if s := longestPrefix(strings.Fields(content), " ", fits); s != "" {
		return s + summaryMarker
	}

	runes := []rune(content)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(string(runes[:mid])) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return strings.TrimSpace(string(runes[:lo])) + summaryMarker
}

// longestPrefix joins the most leading parts that still satisfy fits.
// Relies on fits being monotonic in prefix length.
func longestPrefix(parts []string, sep string, fits func(string) bool) string {
	var b strings.Builder
	best := ""
	for i, p := range parts {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p)
		candidate := b.String()
		if !fits(candidate) {
			break
		}
		best = candidate
	}
	return best
}

// splitSentences breaks text after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
