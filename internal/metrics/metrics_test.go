package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/syncbridge/core/internal/resilience"
)

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("half-open"))
	assert.Equal(t, 2.0, BreakerStateValue("open"))
	assert.Equal(t, 0.0, BreakerStateValue("unknown"))
}

func TestInstrumentedBreakerConfigChainsExistingHooks(t *testing.T) {
	var called []string
	cfg := resilience.BreakerConfig{
		FailureThreshold: 1,
		OnOpen:           func(name string) { called = append(called, "existing:"+name) },
	}
	instrumented := InstrumentedBreakerConfig(cfg)
	instrumented.OnOpen("metrics-test-breaker")

	assert.Equal(t, []string{"existing:metrics-test-breaker"}, called)
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("metrics-test-breaker")))
}

func TestRecordCacheResultIncrementsHitCounter(t *testing.T) {
	before := testutil.ToFloat64(CacheRequestsTotal.WithLabelValues("metrics-test-cache", "hit"))
	RecordCacheResult("metrics-test-cache", true)
	after := testutil.ToFloat64(CacheRequestsTotal.WithLabelValues("metrics-test-cache", "hit"))

	assert.Equal(t, before+1, after)
}
