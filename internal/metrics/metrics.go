package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_bus_published_total",
			Help: "Messages published to the bus.",
		},
		[]string{"topic"},
	)

	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_bus_dropped_total",
			Help: "Messages dropped because a subscriber queue was full.",
		},
		[]string{"topic"},
	)

	ProcessorMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_processor_messages_total",
			Help: "Messages consumed per processor.",
		},
		[]string{"processor", "outcome"},
	)

	ProcessorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_processor_restarts_total",
			Help: "Supervisor restarts per processor task.",
		},
		[]string{"processor"},
	)

	FusionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_fusion_events_total",
			Help: "Risk fusion events by method and level.",
		},
		[]string{"method", "level"},
	)

	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_alerts_fired_total",
			Help: "Decision-rule firings (suppressed ones excluded).",
		},
		[]string{"rule"},
	)

	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_alerts_suppressed_total",
			Help: "Alerts suppressed by per-(truck,rule) cooldowns.",
		},
		[]string{"rule"},
	)

	SummarizerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rakshak_summarizer_duration_seconds",
			Help:    "Explanation generation latency.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		},
		[]string{"provider"},
	)

	NotifierSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rakshak_notifier_sends_total",
			Help: "Notifier deliveries by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		BusPublishedTotal,
		BusDroppedTotal,
		ProcessorMessagesTotal,
		ProcessorRestartsTotal,
		FusionEventsTotal,
		AlertsFiredTotal,
		AlertsSuppressedTotal,
		SummarizerDuration,
		NotifierSendsTotal,
	)
}
