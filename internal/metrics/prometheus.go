package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paios_turn_duration_seconds",
			Help:    "Chat turn processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	RulesInjected = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paios_rules_injected_count",
			Help:    "Number of rules injected per chat turn",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paios_feedback_total",
			Help: "Total feedback submissions by outcome",
		},
		[]string{"outcome"},
	)

	CorrectionsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paios_corrections_detected_total",
			Help: "Total corrections detected by detection method",
		},
		[]string{"method"},
	)

	RulesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paios_rules_created_total",
			Help: "Total rules created",
		},
	)

	RulesReinforced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paios_rules_reinforced_total",
			Help: "Total rule reinforcements",
		},
	)

	RulesArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paios_rules_archived_total",
			Help: "Total rules archived by confidence decay",
		},
	)

	RulesDecayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paios_rules_decayed_total",
			Help: "Total rules touched by the decay sweep",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paios_sweep_duration_seconds",
			Help:    "Decay sweep duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 30, 120},
		},
	)

	RuleConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paios_rule_confidence",
			Help:    "Confidence of rules after lifecycle updates",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paios_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paios_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paios_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(RulesInjected)
	prometheus.MustRegister(FeedbackTotal)
	prometheus.MustRegister(CorrectionsDetected)
	prometheus.MustRegister(RulesCreated)
	prometheus.MustRegister(RulesReinforced)
	prometheus.MustRegister(RulesArchived)
	prometheus.MustRegister(RulesDecayed)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(RuleConfidence)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
