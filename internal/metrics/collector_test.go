package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/hitl"
)

var collectorNamespaceSeq uint64

func newTestCollector() *Collector {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return NewCollector(fmt.Sprintf("test_%d", seq), prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.interventionsTotal)
	assert.NotNil(t, collector.interventionsPending)
	assert.NotNil(t, collector.responseDuration)
	assert.NotNil(t, collector.connectionsActive)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector()

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/health", 200, 50*time.Millisecond)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_InterventionLifecycle(t *testing.T) {
	collector := newTestCollector()

	collector.InterventionCreated(hitl.TypeSQLReview)
	collector.SetPendingCount(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.interventionsPending))

	collector.InterventionResolved(hitl.TypeSQLReview, hitl.StatusApproved, 3*time.Second)
	collector.SetPendingCount(0)

	assert.Equal(t, 0.0, testutil.ToFloat64(collector.interventionsPending))
	assert.Greater(t, testutil.CollectAndCount(collector.interventionsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.responseDuration), 0)
}

func TestCollector_ConnectionGauge(t *testing.T) {
	collector := newTestCollector()

	collector.ConnectionOpened()
	collector.ConnectionOpened()
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.connectionsActive))

	collector.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectionsActive))
}

func TestCollector_EventCounters(t *testing.T) {
	collector := newTestCollector()

	collector.EventDelivered("workflow.started")
	collector.EventDelivered("human_input.required")
	collector.EventDropped("progress.update")

	assert.Greater(t, testutil.CollectAndCount(collector.eventsDelivered), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.eventsDropped), 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond)
			collector.InterventionCreated(hitl.TypeHighCostQuery)
			collector.EventDelivered("progress.update")
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.interventionsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.eventsDelivered), 0)
}

func TestCollector_IsolatedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector("isolated", registry, zap.NewNop())

	collector.RecordHTTPRequest("GET", "/ready", 503, time.Millisecond)

	families, err := registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
