package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	lockAcquireCounter   *prometheus.CounterVec
	lockWaitHistogram    *prometheus.HistogramVec
	balanceMutationTotal *prometheus.CounterVec
	consumptionTotal     *prometheus.CounterVec
	sagaTerminalTotal    *prometheus.CounterVec
	offlineSyncTotal     *prometheus.CounterVec
	dualWriteRatioGauge  prometheus.Gauge
	workerRunCounter     *prometheus.CounterVec
	outboxDeliverTotal   *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
)

// Init 注册所有指标，未调用时各辅助函数为空操作
func Init() {
	registerOnce.Do(func() {
		lockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_lock_acquire_total",
			Help: "Account lock acquisitions by backend and result",
		}, []string{"backend", "result"})

		lockWaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_lock_wait_seconds",
			Help:    "Time spent waiting for an account lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"backend"})

		balanceMutationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_balance_mutation_total",
			Help: "Balance compare-and-swap outcomes",
		}, []string{"outcome"})

		consumptionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_consumption_total",
			Help: "Live consumption outcomes",
		}, []string{"outcome"})

		sagaTerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_saga_terminal_total",
			Help: "Sagas reaching a terminal state",
		}, []string{"saga_type", "state"})

		offlineSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_offline_sync_total",
			Help: "Offline record reconciliation outcomes",
		}, []string{"status"})

		dualWriteRatioGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_dual_write_consistency_ratio",
			Help: "Running consistency ratio between legacy and current tables",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_worker_runs_total",
			Help: "Background job run outcomes",
		}, []string{"worker", "result"})

		outboxDeliverTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_outbox_delivery_total",
			Help: "Outbox delivery outcomes",
		}, []string{"result"})

		httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"})

		prometheus.MustRegister(
			lockAcquireCounter,
			lockWaitHistogram,
			balanceMutationTotal,
			consumptionTotal,
			sagaTerminalTotal,
			offlineSyncTotal,
			dualWriteRatioGauge,
			workerRunCounter,
			outboxDeliverTotal,
			httpDuration,
		)
	})
}

func ObserveLockAcquire(backend, result string, wait time.Duration) {
	if lockAcquireCounter == nil {
		return
	}
	lockAcquireCounter.WithLabelValues(backend, result).Inc()
	lockWaitHistogram.WithLabelValues(backend).Observe(wait.Seconds())
}

func IncBalanceMutation(outcome string) {
	if balanceMutationTotal == nil {
		return
	}
	balanceMutationTotal.WithLabelValues(outcome).Inc()
}

func IncConsumption(outcome string) {
	if consumptionTotal == nil {
		return
	}
	consumptionTotal.WithLabelValues(outcome).Inc()
}

func IncSagaTerminal(sagaType, state string) {
	if sagaTerminalTotal == nil {
		return
	}
	sagaTerminalTotal.WithLabelValues(sagaType, state).Inc()
}

func IncOfflineSync(status string) {
	if offlineSyncTotal == nil {
		return
	}
	offlineSyncTotal.WithLabelValues(status).Inc()
}

func SetDualWriteRatio(ratio float64) {
	if dualWriteRatioGauge == nil {
		return
	}
	dualWriteRatioGauge.Set(ratio)
}

func IncWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncOutboxDelivery(result string) {
	if outboxDeliverTotal == nil {
		return
	}
	outboxDeliverTotal.WithLabelValues(result).Inc()
}

func ObserveHTTPRequest(method, route, status string, d time.Duration) {
	if httpDuration == nil {
		return
	}
	httpDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
