// Package telemetry tracks research-run metrics and LLM spend. Counters are
// mirrored to Prometheus for the serve path; the in-memory snapshot backs
// the CLI report and periodic logs.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
)

// Telemetry provides monitoring and cost tracking for research runs.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds performance counters.
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	CompletedRuns  int64
	AbortedRuns    int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Stage metrics, keyed by stage name (planning, tool_selection,
	// extraction, dedup, synthesis)
	StageExecutions   map[string]int64
	StageSuccessRates map[string]float64
	StageAverageTimes map[string]time.Duration

	// LLM metrics, keyed by model
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Tool metrics, keyed by tool name
	ToolCalls  map[string]int64
	ToolErrors map[string]int64
}

// CostTracker accumulates LLM spend.
type CostTracker struct {
	OperationCosts map[string]float64 // stage -> cost
	ModelCosts     map[string]float64 // model -> cost
	TotalCost      float64
	TotalTokens    int64
}

// RunEvent describes one finished research run.
type RunEvent struct {
	RunID      string
	Subject    string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Status     string // completed, aborted, failed
	Error      string
	Cost       float64
	TokensUsed int64
	Iterations int
	Proposals  int
	ModelsUsed []string
}

// StageEvent describes one LLM-backed stage execution inside a run.
type StageEvent struct {
	RunID        string
	Stage        string
	Model        string
	Duration     time.Duration
	Success      bool
	Error        string
	Cost         float64
	InputTokens  int64
	OutputTokens int64
}

// ToolEvent describes one dispatched tool call.
type ToolEvent struct {
	RunID    string
	Tool     string
	Duration time.Duration
	IsError  bool
}

// NewTelemetry creates a telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageExecutions:   make(map[string]int64),
			StageSuccessRates: make(map[string]float64),
			StageAverageTimes: make(map[string]time.Duration),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
			ToolCalls:         make(map[string]int64),
			ToolErrors:        make(map[string]int64),
		},
		costTracker: &CostTracker{
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startPeriodicReporting()
	}

	return t
}

// RecordRunEvent records a finished research run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	switch event.Status {
	case "completed":
		t.metrics.CompletedRuns++
	case "aborted":
		t.metrics.AbortedRuns++
	default:
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
	}

	runsTotal.WithLabelValues(event.Status).Inc()
	runDuration.Observe(event.Duration.Seconds())
	runProposals.Observe(float64(event.Proposals))

	t.logger.Printf("run %s (%s): status=%s iterations=%d proposals=%d duration=%v cost=$%.4f tokens=%d",
		event.RunID, event.Subject, event.Status, event.Iterations, event.Proposals,
		event.Duration, event.Cost, event.TokensUsed)
}

// RecordStageEvent records one LLM-backed stage execution.
func (t *Telemetry) RecordStageEvent(ctx context.Context, event StageEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StageExecutions[event.Stage]++
	executions := t.metrics.StageExecutions[event.Stage]

	successes := t.metrics.StageSuccessRates[event.Stage] * float64(executions-1)
	if event.Success {
		successes++
	}
	t.metrics.StageSuccessRates[event.Stage] = successes / float64(executions)

	currentAvg := t.metrics.StageAverageTimes[event.Stage]
	if executions == 1 {
		t.metrics.StageAverageTimes[event.Stage] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.StageAverageTimes[event.Stage] = (total + event.Duration) / time.Duration(executions)
	}

	tokens := event.InputTokens + event.OutputTokens
	if event.Model != "" {
		t.metrics.LLMRequests[event.Model]++
		t.metrics.LLMTokensUsed[event.Model] += tokens
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += tokens
		t.costTracker.ModelCosts[event.Model] += event.Cost
		t.costTracker.OperationCosts[event.Stage] += event.Cost
	}

	status := "ok"
	if !event.Success {
		status = "error"
	}
	llmRequests.WithLabelValues(event.Model, event.Stage, status).Inc()
	llmTokens.WithLabelValues(event.Model, "input").Add(float64(event.InputTokens))
	llmTokens.WithLabelValues(event.Model, "output").Add(float64(event.OutputTokens))
	llmCost.WithLabelValues(event.Model).Add(event.Cost)
}

// RecordToolEvent records one dispatched tool call.
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolCalls[event.Tool]++
	if event.IsError {
		t.metrics.ToolErrors[event.Tool]++
	}

	outcome := "ok"
	if event.IsError {
		outcome = "error"
	}
	toolCalls.WithLabelValues(event.Tool, outcome).Inc()
	toolDuration.WithLabelValues(event.Tool).Observe(event.Duration.Seconds())
}

// GetMetrics returns a snapshot of current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := *t.metrics
	snapshot.StageExecutions = copyI64Map(t.metrics.StageExecutions)
	snapshot.StageSuccessRates = copyF64Map(t.metrics.StageSuccessRates)
	snapshot.StageAverageTimes = copyDurMap(t.metrics.StageAverageTimes)
	snapshot.LLMRequests = copyI64Map(t.metrics.LLMRequests)
	snapshot.LLMTokensUsed = copyI64Map(t.metrics.LLMTokensUsed)
	snapshot.ToolCalls = copyI64Map(t.metrics.ToolCalls)
	snapshot.ToolErrors = copyI64Map(t.metrics.ToolErrors)
	return snapshot
}

// CostSummary is a snapshot of accumulated spend.
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// GetCostSummary returns the current cost snapshot.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     copyF64Map(t.costTracker.ModelCosts),
		OperationCosts: copyF64Map(t.costTracker.OperationCosts),
	}
}

// GetPerformanceReport renders a human-readable summary.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	report := fmt.Sprintf(`
=== RESEARCH PERFORMANCE REPORT ===
Runs:
  Total: %d (completed %d, aborted %d, failed %d)
  Average Duration: %v
  Total Cost: $%.4f
  Total Tokens: %d

Stages:
`, metrics.TotalRuns, metrics.CompletedRuns, metrics.AbortedRuns, metrics.FailedRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for stage, executions := range metrics.StageExecutions {
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time, $%.4f\n",
			stage, executions, metrics.StageSuccessRates[stage]*100,
			metrics.StageAverageTimes[stage], costs.OperationCosts[stage])
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, metrics.LLMTokensUsed[model], costs.ModelCosts[model])
	}

	report += "\nTools:\n"
	for tool, calls := range metrics.ToolCalls {
		report += fmt.Sprintf("  %s: %d calls, %d errors\n", tool, calls, metrics.ToolErrors[tool])
	}

	return report
}

// Shutdown logs a final summary.
func (t *Telemetry) Shutdown() {
	if !t.config.Enabled {
		return
	}
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	t.logger.Printf("final report: runs=%d completed=%d aborted=%d failed=%d cost=$%.4f tokens=%d",
		metrics.TotalRuns, metrics.CompletedRuns, metrics.AbortedRuns, metrics.FailedRuns,
		costs.TotalCost, costs.TotalTokens)
}

func (t *Telemetry) startPeriodicReporting() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()
		t.logger.Printf("snapshot: runs=%d/%d avg=%v cost=$%.4f tokens=%d",
			metrics.CompletedRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

func copyI64Map(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyF64Map(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDurMap(in map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
