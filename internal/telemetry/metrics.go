package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "research_runs_total",
		Help:      "Research runs by terminal status.",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prospector",
		Name:      "research_run_duration_seconds",
		Help:      "Wall-clock duration of research runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	runProposals = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prospector",
		Name:      "research_run_proposals",
		Help:      "Entity proposals produced per run.",
		Buckets:   prometheus.LinearBuckets(0, 5, 10),
	})

	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "llm_requests_total",
		Help:      "LLM requests by model, stage and outcome.",
	}, []string{"model", "stage", "status"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens by model and direction.",
	}, []string{"model", "direction"})

	llmCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "llm_cost_dollars_total",
		Help:      "Estimated LLM spend by model.",
	}, []string{"model"})

	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prospector",
		Name:      "tool_calls_total",
		Help:      "Dispatched agent tool calls by tool and outcome.",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prospector",
		Name:      "tool_call_duration_seconds",
		Help:      "Tool call handler duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"tool"})
)
