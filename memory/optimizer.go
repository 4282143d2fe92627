package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Weights of the combined relevance score.
const (
	SimilarityWeight = 0.7
	ImportanceWeight = 0.3

	// MinSummaryTokens is the smallest budget worth summarizing into.
	MinSummaryTokens = 8
)

// OptimizeRequest describes one context assembly.
type OptimizeRequest struct {
	Query string

	// MaxTokens is the context budget. Zero or less yields an empty context.
	MaxTokens int

	// NResults is how many nearest records to consider.
	NResults int

	MinImportance float64
	MinSimilarity float64

	// IncludeSummaries compresses a record that overflows the remaining budget
	// instead of skipping it.
	IncludeSummaries bool
}

// DefaultOptimizeRequest is a request for query with the default budget,
// result count and summaries enabled.
func DefaultOptimizeRequest(query string) OptimizeRequest {
	return DefaultConfig().Request(query)
}

// Candidate is a retrieved record with its scores. Transient, per turn.
type Candidate struct {
	Record        *Record
	Similarity    float64
	Importance    float64
	CombinedScore float64
}

// ContextItem is one record placed in an AssembledContext.
type ContextItem struct {
	RecordID      string  `json:"record_id"`
	Type          Type    `json:"type"`
	Content       string  `json:"content"`
	Tokens        int     `json:"tokens"`
	Similarity    float64 `json:"similarity"`
	Importance    float64 `json:"importance"`
	CombinedScore float64 `json:"combined_score"`
	Summarized    bool    `json:"summarized"`
}

// AssembledContext is the optimizer's output, ready for prompt injection.
type AssembledContext struct {
	Items []ContextItem `json:"items"`

	// Tokens is the sum of the item estimates. Never above the request budget.
	Tokens int `json:"tokens"`

	// QualityScore is the mean combined score of the items, 0 when empty.
	QualityScore float64 `json:"quality_score"`
}

// Empty reports whether no memory made it into the context.
func (c *AssembledContext) Empty() bool {
	return c == nil || len(c.Items) == 0
}

// Text renders the items for the system prompt.
func (c *AssembledContext) Text() string {
	if c.Empty() {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== RELEVANT MEMORIES ===\n")
	for i, item := range c.Items {
		fmt.Fprintf(&b, "%d. [%s, importance %.2f] %s\n", i+1, item.Type, item.Importance, item.Content)
	}
	return b.String()
}

// Searcher is the part of Manager the optimizer needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]Match, error)
}

// Optimizer selects, ranks and compresses memories under a token budget.
type Optimizer struct {
	searcher  Searcher
	estimator TokenEstimator
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithEstimator replaces the default character-based token estimator.
func WithEstimator(est TokenEstimator) OptimizerOption {
	return func(o *Optimizer) {
		if est != nil {
			o.estimator = est
		}
	}
}

// NewOptimizer creates an Optimizer reading from searcher.
func NewOptimizer(searcher Searcher, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		searcher:  searcher,
		estimator: DefaultEstimator,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Estimator returns the token estimator in use.
func (o *Optimizer) Estimator() TokenEstimator {
	return o.estimator
}

// Optimize assembles the best context for req.Query within req.MaxTokens.
//
// Candidates are ranked by combined score and added greedily. A candidate
// that does not fit is summarized to the remaining budget when
// req.IncludeSummaries is set, otherwise skipped. Search failures are
// returned as classified errors.
func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) (*AssembledContext, error) {
	out := &AssembledContext{Items: []ContextItem{}}
	if req.MaxTokens <= 0 || req.NResults <= 0 {
		return out, nil
	}

	matches, err := o.searcher.Search(ctx, req.Query, SearchOptions{
		K:             req.NResults,
		MinImportance: req.MinImportance,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < req.MinSimilarity {
			continue
		}
		candidates = append(candidates, NewCandidate(m))
	}
	RankCandidates(candidates)

	remaining := req.MaxTokens
	var scoreSum float64
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}

		content := c.Record.Content
		tokens := o.estimator.Estimate(content)
		summarized := false

		if tokens > remaining {
			if !req.IncludeSummaries || remaining < MinSummaryTokens {
				continue
			}
			content = Summarize(content, remaining, o.estimator)
			if content == "" {
				continue
			}
			tokens = o.estimator.Estimate(content)
			summarized = true
		}

		out.Items = append(out.Items, ContextItem{
			RecordID:      c.Record.ID,
			Type:          c.Record.Type,
			Content:       content,
			Tokens:        tokens,
			Similarity:    c.Similarity,
			Importance:    c.Importance,
			CombinedScore: c.CombinedScore,
			Summarized:    summarized,
		})
		out.Tokens += tokens
		remaining -= tokens
		scoreSum += c.CombinedScore
	}

	if len(out.Items) > 0 {
		out.QualityScore = scoreSum / float64(len(out.Items))
	}

	log.Printf("[OPTIMIZER] Assembled %d/%d memories, %d/%d tokens, quality=%.3f",
		len(out.Items), len(candidates), out.Tokens, req.MaxTokens, out.QualityScore)
	return out, nil
}

// NewCandidate scores a search match.
func NewCandidate(m Match) Candidate {
	return Candidate{
		Record:        m.Record,
		Similarity:    m.Similarity,
		Importance:    m.Record.Importance,
		CombinedScore: CombinedScore(m.Similarity, m.Record.Importance),
	}
}

// CombinedScore weighs similarity and importance 70/30.
func CombinedScore(similarity, importance float64) float64 {
	return SimilarityWeight*similarity + ImportanceWeight*importance
}

// RankCandidates sorts by combined score, then importance, then recency
// (newer first), then id.
func RankCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.Record.Timestamp.Equal(b.Record.Timestamp) {
			return a.Record.Timestamp.After(b.Record.Timestamp)
		}
		return a.Record.ID < b.Record.ID
	})
}
