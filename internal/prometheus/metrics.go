package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	dispatchDurationBucketStart  = 0.05
	dispatchDurationBucketFactor = 2.0
	dispatchDurationBucketCount  = 12
)

var CallsStarted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dialer_calls_started_total",
		Help: "Outbound calls started, by dispatch mode",
	},
	[]string{"mode"},
)

var CallFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dialer_call_failures_total",
		Help: "Provider call creation failures, by error category",
	},
	[]string{"category"},
)

var ClaimConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dialer_claim_conflicts_total",
		Help: "Recipient claims lost to a concurrent dispatcher",
	},
)

var CooldownActivations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dialer_cooldown_activations_total",
		Help: "Campaigns placed in cooldown after exhausted retries",
	},
)

var CampaignsCompleted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dialer_campaigns_completed_total",
		Help: "Campaigns transitioned to completed",
	},
)

var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "dialer_dispatch_duration_seconds",
		Help: "Time taken by a dispatch pass",
		Buckets: prometheus.ExponentialBuckets(
			dispatchDurationBucketStart,
			dispatchDurationBucketFactor,
			dispatchDurationBucketCount,
		),
	},
	[]string{"mode"},
)

var BatchChunksProcessed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dialer_batch_chunks_processed_total",
		Help: "Recipient chunks processed by the batch runner",
	},
)

func init() {
	prometheus.MustRegister(CallsStarted)
	prometheus.MustRegister(CallFailures)
	prometheus.MustRegister(ClaimConflicts)
	prometheus.MustRegister(CooldownActivations)
	prometheus.MustRegister(CampaignsCompleted)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(BatchChunksProcessed)
}
