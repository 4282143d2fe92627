package grpcapi

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func numberField(s *structpb.Struct, name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func boolField(s *structpb.Struct, name string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[name].GetBoolValue()
}

func stringMapField(s *structpb.Struct, name string) map[string]string {
	if s == nil {
		return nil
	}
	obj := s.GetFields()[name].GetStructValue()
	if obj == nil {
		return nil
	}
	out := make(map[string]string, len(obj.GetFields()))
	for k, v := range obj.GetFields() {
		out[k] = v.GetStringValue()
	}
	return out
}

func stringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func turnResultFields(res *core.TurnResult) map[string]interface{} {
	return map[string]interface{}{
		"response":             res.Response,
		"context_tokens":       res.ContextTokens,
		"memory_quality_score": res.MemoryQualityScore,
		"conversation_id":      res.ConversationID,
		"degraded":             res.Degraded,
	}
}

func turnResultFrom(s *structpb.Struct) *core.TurnResult {
	tokens, _ := numberField(s, "context_tokens")
	quality, _ := numberField(s, "memory_quality_score")
	return &core.TurnResult{
		Response:           stringField(s, "response"),
		ContextTokens:      int(tokens),
		MemoryQualityScore: quality,
		ConversationID:     stringField(s, "conversation_id"),
		Degraded:           boolField(s, "degraded"),
	}
}

func recordFields(rec *memory.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":         rec.ID,
		"content":    rec.Content,
		"type":       string(rec.Type),
		"importance": rec.Importance,
		"timestamp":  rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":   stringMap(rec.Metadata),
	}
}

func recordFrom(s *structpb.Struct) *memory.Record {
	importance, _ := numberField(s, "importance")
	ts, _ := time.Parse(time.RFC3339Nano, stringField(s, "timestamp"))
	return &memory.Record{
		ID:         stringField(s, "id"),
		Content:    stringField(s, "content"),
		Type:       memory.Type(stringField(s, "type")),
		Importance: importance,
		Timestamp:  ts,
		Metadata:   stringMapField(s, "metadata"),
	}
}

func statsFields(stats *memory.Stats) map[string]interface{} {
	hist := make(map[string]interface{}, len(stats.TypeHistogram))
	for t, n := range stats.TypeHistogram {
		hist[string(t)] = n
	}
	return map[string]interface{}{
		"count":           stats.Count,
		"mean_importance": stats.MeanImportance,
		"importance_range": map[string]interface{}{
			"min": stats.ImportanceRange.Min,
			"max": stats.ImportanceRange.Max,
		},
		"type_histogram": hist,
	}
}

func statsFrom(s *structpb.Struct) *memory.Stats {
	count, _ := numberField(s, "count")
	mean, _ := numberField(s, "mean_importance")
	stats := &memory.Stats{
		Count:          int(count),
		MeanImportance: mean,
		TypeHistogram:  make(map[memory.Type]int),
	}
	if r := s.GetFields()["importance_range"].GetStructValue(); r != nil {
		stats.ImportanceRange.Min, _ = numberField(r, "min")
		stats.ImportanceRange.Max, _ = numberField(r, "max")
	}
	if h := s.GetFields()["type_histogram"].GetStructValue(); h != nil {
		for k, v := range h.GetFields() {
			stats.TypeHistogram[memory.Type(k)] = int(v.GetNumberValue())
		}
	}
	return stats
}
