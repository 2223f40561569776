package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHelpersAreNoopBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		IncConsumption("success")
		ObserveLockAcquire("redis", "acquired", time.Millisecond)
		SetDualWriteRatio(1)
	})
}

func TestInitRegistersOnce(t *testing.T) {
	Init()
	Init()

	IncOfflineSync("SUCCESS")
	IncOfflineSync("SUCCESS")
	assert.Equal(t, float64(2), testutil.ToFloat64(offlineSyncTotal.WithLabelValues("SUCCESS")))

	SetDualWriteRatio(0.5)
	assert.Equal(t, 0.5, testutil.ToFloat64(dualWriteRatioGauge))
}
