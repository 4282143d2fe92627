package observability_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/observability"
)

func TestMetrics_ObserveTurn(t *testing.T) {
	m := observability.NewMetrics("test")

	m.ObserveTurn(engine.TurnOutcome{Stage: engine.StageFormatted, ContextTokens: 120, QualityScore: 0.6, Duration: time.Second})
	m.ObserveTurn(engine.TurnOutcome{Stage: engine.StageFormatted, Degraded: true, Duration: time.Second})
	m.ObserveTurn(engine.TurnOutcome{Stage: engine.StageFailed, FailedAt: engine.StageGenerating, ErrKind: core.KindGeneration})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Turns.WithLabelValues("FORMATTED", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("FAILED", core.KindGeneration)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedTurns))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ContextTokens))
}

func TestMetrics_Failures(t *testing.T) {
	m := observability.NewMetrics("test")

	m.ObserveRetrievalFailure(core.KindStoreUnavailable)
	m.ObserveRetrievalFailure(core.KindStoreUnavailable)
	m.ObservePersistFailure(core.KindEmbeddingFailure)
	m.ObserveMemoryOperation("insert", nil)
	m.ObserveMemoryOperation("insert", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetrievalFailures.WithLabelValues(core.KindStoreUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures.WithLabelValues(core.KindEmbeddingFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryOperations.WithLabelValues("insert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryOperations.WithLabelValues("insert", "error")))
}

func TestMetrics_Handler(t *testing.T) {
	m := observability.NewMetrics("nimrecall")
	m.ObserveRetrievalFailure(core.KindTimeout)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nimrecall_retrieval_failures_total{kind="timeout"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
