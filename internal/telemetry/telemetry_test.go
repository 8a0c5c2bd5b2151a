package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
)

func enabledTelemetry() *Telemetry {
	return NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
}

func TestRecordRunEvent(t *testing.T) {
	tel := enabledTelemetry()
	ctx := context.Background()

	tel.RecordRunEvent(ctx, RunEvent{
		RunID: "run-1", Subject: "IBM", Status: "completed",
		Duration: 10 * time.Second, Cost: 0.25, TokensUsed: 5000,
		Iterations: 4, Proposals: 3,
	})
	tel.RecordRunEvent(ctx, RunEvent{
		RunID: "run-2", Subject: "Globex", Status: "aborted",
		Duration: 2 * time.Second, Cost: 0.05, TokensUsed: 800,
	})

	m := tel.GetMetrics()
	if m.TotalRuns != 2 || m.CompletedRuns != 1 || m.AbortedRuns != 1 {
		t.Fatalf("unexpected run counts: %+v", m)
	}
	if m.AverageRunTime != 6*time.Second {
		t.Fatalf("unexpected average run time %v", m.AverageRunTime)
	}

	costs := tel.GetCostSummary()
	if costs.TotalCost != 0.30 {
		t.Fatalf("unexpected total cost %f", costs.TotalCost)
	}
	if costs.TotalTokens != 5800 {
		t.Fatalf("unexpected total tokens %d", costs.TotalTokens)
	}
}

func TestRecordStageEventTracksSuccessRate(t *testing.T) {
	tel := enabledTelemetry()
	ctx := context.Background()

	tel.RecordStageEvent(ctx, StageEvent{Stage: "extraction", Model: "claude-sonnet", Success: true, Duration: time.Second, InputTokens: 100, OutputTokens: 50, Cost: 0.01})
	tel.RecordStageEvent(ctx, StageEvent{Stage: "extraction", Model: "claude-sonnet", Success: false, Duration: 3 * time.Second, Cost: 0.01})

	m := tel.GetMetrics()
	if m.StageExecutions["extraction"] != 2 {
		t.Fatalf("unexpected executions %d", m.StageExecutions["extraction"])
	}
	if rate := m.StageSuccessRates["extraction"]; rate != 0.5 {
		t.Fatalf("unexpected success rate %f", rate)
	}
	if avg := m.StageAverageTimes["extraction"]; avg != 2*time.Second {
		t.Fatalf("unexpected average time %v", avg)
	}
	if m.LLMTokensUsed["claude-sonnet"] != 150 {
		t.Fatalf("unexpected tokens %d", m.LLMTokensUsed["claude-sonnet"])
	}

	costs := tel.GetCostSummary()
	if costs.OperationCosts["extraction"] != 0.02 {
		t.Fatalf("unexpected stage cost %f", costs.OperationCosts["extraction"])
	}
}

func TestRecordToolEvent(t *testing.T) {
	tel := enabledTelemetry()
	ctx := context.Background()

	tel.RecordToolEvent(ctx, ToolEvent{Tool: "getWebPageInnerHtml", Duration: time.Second})
	tel.RecordToolEvent(ctx, ToolEvent{Tool: "getWebPageInnerHtml", Duration: time.Second, IsError: true})

	m := tel.GetMetrics()
	if m.ToolCalls["getWebPageInnerHtml"] != 2 {
		t.Fatalf("unexpected tool calls %d", m.ToolCalls["getWebPageInnerHtml"])
	}
	if m.ToolErrors["getWebPageInnerHtml"] != 1 {
		t.Fatalf("unexpected tool errors %d", m.ToolErrors["getWebPageInnerHtml"])
	}
}

func TestDisabledTelemetryRecordsNothing(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{Enabled: false})
	tel.RecordRunEvent(context.Background(), RunEvent{RunID: "run-1", Status: "completed"})
	if m := tel.GetMetrics(); m.TotalRuns != 0 {
		t.Fatalf("expected disabled telemetry to record nothing, got %+v", m)
	}
}

func TestPerformanceReportMentionsModels(t *testing.T) {
	tel := enabledTelemetry()
	tel.RecordStageEvent(context.Background(), StageEvent{Stage: "dedup", Model: "claude-haiku", Success: true, InputTokens: 10, OutputTokens: 5})

	report := tel.GetPerformanceReport()
	if !strings.Contains(report, "claude-haiku") {
		t.Fatalf("expected model in report, got %s", report)
	}
	if !strings.Contains(report, "dedup") {
		t.Fatalf("expected stage in report, got %s", report)
	}
}
