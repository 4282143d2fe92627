package memory

import (
	"context"
	"sort"
	"time"
)

// Importance bands used by Insights.
const (
	HighImportanceThreshold   = 0.7
	MediumImportanceThreshold = 0.4

	insightsLimit = 5
)

// Stats summarizes the stored records.
type Stats struct {
	Count           int             `json:"count"`
	MeanImportance  float64         `json:"mean_importance"`
	ImportanceRange ImportanceRange `json:"importance_range"`
	TypeHistogram   map[Type]int    `json:"type_histogram"`
}

// ImportanceRange is the lowest and highest stored importance.
type ImportanceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Stats computes count, mean importance, importance range and type histogram.
// An empty store yields all zeros and an empty histogram.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return computeStats(records), nil
}

func computeStats(records []*Record) *Stats {
	stats := &Stats{TypeHistogram: make(map[Type]int)}
	if len(records) == 0 {
		return stats
	}

	stats.Count = len(records)
	stats.ImportanceRange.Min = records[0].Importance
	stats.ImportanceRange.Max = records[0].Importance

	var sum float64
	for _, rec := range records {
		sum += rec.Importance
		if rec.Importance < stats.ImportanceRange.Min {
			stats.ImportanceRange.Min = rec.Importance
		}
		if rec.Importance > stats.ImportanceRange.Max {
			stats.ImportanceRange.Max = rec.Importance
		}
		stats.TypeHistogram[rec.Type]++
	}
	stats.MeanImportance = sum / float64(len(records))
	return stats
}

// Insights groups records for a dashboard view.
type Insights struct {
	Total            int          `json:"total"`
	HighImportance   int          `json:"high_importance"`
	MediumImportance int          `json:"medium_importance"`
	LowImportance    int          `json:"low_importance"`
	TypeDistribution map[Type]int `json:"type_distribution"`

	// MostImportant holds the highest scored records, most important first.
	MostImportant []*Record `json:"most_important"`

	// RecentConversations holds conversation records inside the recent window, newest first.
	RecentConversations []*Record `json:"recent_conversations"`
}

// Insights buckets records by importance and lists recent conversations.
func (m *Manager) Insights(ctx context.Context) (*Insights, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return computeInsights(records, time.Now().Add(-m.config.RecentWindow)), nil
}

func computeInsights(records []*Record, since time.Time) *Insights {
	in := &Insights{
		Total:            len(records),
		TypeDistribution: make(map[Type]int),
	}

	var recent []*Record
	for _, rec := range records {
		switch {
		case rec.Importance >= HighImportanceThreshold:
			in.HighImportance++
		case rec.Importance >= MediumImportanceThreshold:
			in.MediumImportance++
		default:
			in.LowImportance++
		}
		in.TypeDistribution[rec.Type]++

		if rec.Type == TypeConversation && !rec.Timestamp.Before(since) {
			recent = append(recent, rec)
		}
	}

	byImportance := append([]*Record(nil), records...)
	sort.SliceStable(byImportance, func(i, j int) bool {
		return byImportance[i].Importance > byImportance[j].Importance
	})
	in.MostImportant = limitRecords(byImportance, insightsLimit)

	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].Timestamp.After(recent[j].Timestamp)
	})
	in.RecentConversations = limitRecords(recent, insightsLimit)

	return in
}

func limitRecords(records []*Record, n int) []*Record {
	if len(records) > n {
		records = records[:n]
	}
	out := make([]*Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
		out[i].Embedding = nil
	}
	return out
}
