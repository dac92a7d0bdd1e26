package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/therapy-pipeline/internal/audit"
	"github.com/jonathan/therapy-pipeline/internal/pipeline"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

var (
	_ pipeline.Observer  = (*Metrics)(nil)
	_ audit.AlertCounter = (*Metrics)(nil)
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RunFinished(types.KindSoloPre, types.RunComplete)
	m.RunFinished(types.KindSoloPre, types.RunComplete)
	m.RunFinished(types.KindPairMerge, types.RunFailed)
	m.StageAttempt("clinical-analysis", types.OutcomeRetried, 150*time.Millisecond)
	m.StageAttempt("clinical-analysis", types.OutcomeOK, 50*time.Millisecond)
	m.GateInvocation("isolation", "violation")
	m.SecurityAlert("isolation_violation")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("solo_pre", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("pair_merge", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttemptsTotal.WithLabelValues("clinical-analysis", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttemptsTotal.WithLabelValues("clinical-analysis", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateInvocations.WithLabelValues("isolation", "violation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityAlerts.WithLabelValues("isolation_violation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.SecurityAlert("encryption_error")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SecurityAlerts.WithLabelValues("encryption_error")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.GateInvocation("abstraction", "pass")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `therapy_pipeline_gate_invocations_total{gate="abstraction",result="pass"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
