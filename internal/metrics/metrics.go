package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScalingsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xlora_scalings_requests_total",
		Help: "Scalings requests by outcome (cached, computed)",
	}, []string{"outcome"})

	ScalingPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xlora_scaling_passes_total",
		Help: "Auxiliary scaling forward passes by kind (full, incremental)",
	}, []string{"kind"})

	ScalingPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xlora_scaling_pass_duration_seconds",
		Help:    "Duration of the auxiliary forward pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	ClassifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xlora_classifier_duration_seconds",
		Help:    "Duration of the scalings classifier forward",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	ScalingsCacheSeeds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xlora_scalings_cache_seeds_total",
		Help: "Times the scalings cache slot was populated",
	})

	KVCacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xlora_kv_cache_resets_total",
		Help: "KV slot resets after an auxiliary full pass",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xlora_kv_cache_used_bytes",
		Help: "Bytes held by the most recently updated KV cache",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xlora_sessions_active",
		Help: "Generation sessions currently open",
	})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xlora_sessions_rejected_total",
		Help: "Sessions refused at admission",
	}, []string{"reason"})

	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xlora_steps_total",
		Help: "Generation steps by phase (prefill, decode)",
	}, []string{"phase"})

	StepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xlora_step_errors_total",
		Help: "Generation steps that returned an error",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "xlora_step_duration_seconds",
		Help: "Duration of a full generation step (scaling + real pass)",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xlora_validation_errors_total",
		Help: "Configuration and shape validation failures",
	}, []string{"operation", "error_type"})

	DeviceMemoryAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xlora_device_memory_available_bytes",
		Help: "Last observed free memory per device",
	}, []string{"device"})

	DeviceMemoryTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "xlora_device_memory_total_bytes",
		Help: "Last observed total memory per device",
	}, []string{"device"})

	ScalingsLogRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xlora_scalings_log_records_total",
		Help: "Scalings tensors appended to the scalings log",
	})

	ScalingsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xlora_scalings_exported_rows_total",
		Help: "Scalings rows exported by sink",
	}, []string{"sink"})
)

func RecordScalingsRequest(cached bool) {
	if cached {
		ScalingsRequests.WithLabelValues("cached").Inc()
		return
	}
	ScalingsRequests.WithLabelValues("computed").Inc()
}

func RecordScalingPass(full bool, duration time.Duration) {
	kind := "incremental"
	if full {
		kind = "full"
	}
	ScalingPasses.WithLabelValues(kind).Inc()
	ScalingPassDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordClassifier(duration time.Duration) {
	ClassifierDuration.Observe(duration.Seconds())
}

func RecordCacheSeed() {
	ScalingsCacheSeeds.Inc()
}

func RecordKVReset() {
	KVCacheResets.Inc()
}

func RecordKVCacheUsed(bytes int64) {
	KVCacheUsedBytes.Set(float64(bytes))
}

func RecordSessionOpened() {
	SessionsActive.Inc()
}

func RecordSessionClosed() {
	SessionsActive.Dec()
}

func RecordSessionRejected(reason string) {
	SessionsRejected.WithLabelValues(reason).Inc()
}

func RecordStep(seqLen int, duration time.Duration, err error) {
	if err != nil {
		StepErrors.Inc()
		return
	}
	phase := "decode"
	if seqLen > 1 {
		phase = "prefill"
	}
	StepsTotal.WithLabelValues(phase).Inc()
	StepDuration.Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordDeviceMemoryAvailable(device string, bytes uint64) {
	DeviceMemoryAvailable.WithLabelValues(device).Set(float64(bytes))
}

func RecordDeviceMemoryTotal(device string, bytes uint64) {
	DeviceMemoryTotal.WithLabelValues(device).Set(float64(bytes))
}

func RecordScalingsLogged() {
	ScalingsLogRecords.Inc()
}

func RecordScalingsExported(sink string, rows int64) {
	ScalingsExported.WithLabelValues(sink).Add(float64(rows))
}
