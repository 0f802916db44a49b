package service

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/eca-allocation-api/internal/models"
)

func TestMetricsServiceRecordsAllocationRuns(t *testing.T) {
	m := NewMetricsService()

	m.RecordAllocationRun(models.EcaModeSmartAllocation, AllocationOutcomeSuccess, 120*time.Millisecond,
		map[models.EcaAllocationType]int{models.EcaAllocSmartRanked: 4, models.EcaAllocSmartForced: 1}, 2, 1)
	m.RecordAllocationRun(models.EcaModeSmartAllocation, AllocationOutcomeConflict, time.Millisecond, nil, 0, 0)
	m.ObserveAllocationPreview(models.EcaModeFirstComeFirstServed, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationRuns.WithLabelValues("SMART_ALLOCATION", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationRuns.WithLabelValues("SMART_ALLOCATION", "conflict")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.allocationPlacements.WithLabelValues("SMART_RANKED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.allocationUnallocated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationCancelled))

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(2), snapshot.AllocationRuns)
	assert.Equal(t, uint64(1), snapshot.AllocationFailures)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "eca_allocation_run_duration_seconds"))
}

func TestMetricsServiceCacheRatio(t *testing.T) {
	m := NewMetricsService()
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordCacheOperation(false, time.Millisecond)
	m.ObserveHTTPRequest("GET", "/api/v1/eca/terms/:termId", 200, 20*time.Millisecond)

	snapshot := m.Snapshot()
	assert.InDelta(t, 2.0/3.0, snapshot.CacheHitRatio, 0.0001)
	assert.Equal(t, uint64(1), snapshot.RequestsTotal)
	assert.InDelta(t, 20.0, snapshot.AverageRequestDurationMs, 0.01)
}

func TestMetricsServiceNilReceiverIsSafe(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.RecordAllocationRun(models.EcaModeSmartAllocation, AllocationOutcomeFailed, time.Second, nil, 0, 0)
		m.ObserveAllocationPreview(models.EcaModeSmartAllocation, time.Second)
		m.ObserveDBQuery("q", time.Second)
		m.RecordCacheOperation(true, time.Second)
	})
	assert.Equal(t, models.SystemMetrics{}, m.Snapshot())
}
