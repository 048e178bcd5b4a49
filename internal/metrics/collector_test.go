package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.requestsTotal)
	assert.NotNil(t, collector.requestDuration)
	assert.NotNil(t, collector.inFlight)
	assert.NotNil(t, collector.alertsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 204, 50*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
}

func TestCollector_ObserveSpeechRequests(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.ObserveStart("sync", 2048)
	collector.ObserveStart("sync", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.inFlight.WithLabelValues("sync")))

	collector.ObserveComplete("sync", 300*time.Millisecond, true, "")
	collector.ObserveComplete("sync", time.Second, false, "TIMEOUT")

	assert.Equal(t, 0.0, testutil.ToFloat64(collector.inFlight.WithLabelValues("sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.requestsTotal.WithLabelValues("sync", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.requestsTotal.WithLabelValues("sync", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.errorsTotal.WithLabelValues("sync", "TIMEOUT")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.requestDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.requestSize))
}

func TestCollector_UnlabelledFailure(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.ObserveStart("async", 0)
	collector.ObserveComplete("async", time.Millisecond, false, "")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.errorsTotal.WithLabelValues("async", "unknown")))
}

func TestCollector_GovernorAndAlerts(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAdmissionRejected("sync")
	collector.RecordAdmissionRejected("sync")
	collector.SetStreamingSessions("recognition", 3)
	collector.RecordSegments(4)
	collector.RecordAlert("HIGH_FAILURE_RATE", "WARNING")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.admissionRejected.WithLabelValues("sync")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.streamingSessions.WithLabelValues("recognition")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.segmentsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.alertsTotal.WithLabelValues("HIGH_FAILURE_RATE", "WARNING")))
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("sqlite", 10, 5)

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("sqlite")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("sqlite")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/metrics", 200, 10*time.Millisecond)
			collector.ObserveStart("streaming", 100)
			collector.ObserveComplete("streaming", 10*time.Millisecond, true, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/metrics", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.requestsTotal.WithLabelValues("streaming", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.inFlight.WithLabelValues("streaming")))
}

func TestCollector_MetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()

	// promauto 已注册到默认 registry，再挂一份到自定义 registry
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	registry.MustRegister(collector.requestsTotal)
	registry.MustRegister(collector.requestDuration)

	collector.ObserveComplete("sync", 100*time.Millisecond, true, "")

	count, err := testutil.GatherAndCount(registry)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}
