package research

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

// dedupMaxTokensRetries bounds the high-confidence retries a truncated
// duplicate report gets before the empty set wins.
const dedupMaxTokensRetries = 2

type reportDuplicatesPayload struct {
	Duplicates []DuplicateReport `json:"duplicates"`
}

// Deduper finds duplicate entity references in a summary pool with a single
// forced model call. Every failure mode degrades to the empty duplicate set:
// keeping two copies of an entity is recoverable, merging two different
// entities is not.
type Deduper struct {
	llm       llmClient
	retries   int
	delay     time.Duration
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewDeduper builds a deduper bounded by the research configuration.
func NewDeduper(client llmClient, cfg config.ResearchConfig, tel *telemetry.Telemetry) *Deduper {
	retries := cfg.DedupRetries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Deduper{
		llm:       client,
		retries:   retries,
		delay:     delay,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[DEDUP] ", log.LstdFlags),
	}
}

// FindDuplicates reports which entries of pool refer to the same real-world
// entity. The pool is rendered sorted by name so identical pools produce
// identical prompts. The returned reports are normalized: disjoint, free of
// self-references and restricted to ids present in the pool. The error is
// non-nil only for context cancellation; every other failure returns the
// empty set.
func (d *Deduper) FindDuplicates(ctx context.Context, runID string, pool []EntitySummary) ([]DuplicateReport, error) {
	if len(pool) < 2 {
		return nil, nil
	}

	start := time.Now()
	model := d.llm.ModelFor(llm.TaskDedup)
	var usage llm.Usage

	sorted := sortSummariesByName(pool)
	basePrompt := createDedupPrompt(sorted)
	request := llm.Request{
		SystemPrompt: "You identify duplicate entity references. You only group entries that clearly refer to the same real-world entity and you never group versions, generations or models of a product line.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Text: basePrompt}},
		Model:        model,
		Tools:        []llm.ToolDefinition{reportDuplicatesToolDefinition()},
		ToolChoice:   llm.ToolChoice{Tool: toolReportDuplicates},
	}

	maxTokensLeft := dedupMaxTokensRetries
	tries := d.retries + 1
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := d.llm.Request(ctx, request)
		usage.Add(resp.Usage)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case err != nil:
			lastErr = err
			continue
		case resp.Status == llm.StatusAborted:
			// A refusal is final; the empty set is the safe answer.
			d.recordStage(ctx, runID, model, start, usage, nil)
			return nil, nil
		case resp.Status == llm.StatusMaxTokens:
			if maxTokensLeft == 0 {
				d.logger.Printf("duplicate report still truncated after %d reduced attempts, keeping pool as is", dedupMaxTokensRetries)
				d.recordStage(ctx, runID, model, start, usage, nil)
				return nil, nil
			}
			maxTokensLeft--
			request.Messages = []llm.Message{{Role: llm.RoleUser, Text: basePrompt + "\n\n" + dedupHighConfidencePrompt}}
			lastErr = fmt.Errorf("duplicate report truncated")
			continue
		case resp.Status != llm.StatusOK:
			lastErr = fmt.Errorf("dedup returned status %s", resp.Status)
			continue
		}

		var payload reportDuplicatesPayload
		if decodeErr := decodeForcedPayload(resp.Message, toolReportDuplicates, &payload); decodeErr != nil {
			lastErr = decodeErr
			continue
		}

		reports := normalizeDuplicateReports(payload.Duplicates, pool, d.logger)
		d.recordStage(ctx, runID, model, start, usage, nil)
		return reports, nil
	}

	d.logger.Printf("dedup failed after %d attempts, keeping pool as is: %v", tries, lastErr)
	d.recordStage(ctx, runID, model, start, usage, lastErr)
	return nil, nil
}

// normalizeDuplicateReports enforces the report invariants in submission
// order: ids must exist in the pool, no id is claimed as a duplicate twice,
// no canonical id appears in any duplicate list and a report whose canonical
// was already claimed is dropped whole. The first report wins every
// conflict.
func normalizeDuplicateReports(reports []DuplicateReport, pool []EntitySummary, logger *log.Logger) []DuplicateReport {
	inPool := make(map[string]struct{}, len(pool))
	for _, es := range pool {
		inPool[es.LocalID] = struct{}{}
	}

	claimed := map[string]struct{}{}
	canonicals := map[string]struct{}{}
	var out []DuplicateReport
	for _, report := range reports {
		if report.CanonicalID == "" {
			continue
		}
		if _, ok := inPool[report.CanonicalID]; !ok {
			logger.Printf("dropping duplicate report with unknown canonical id %s", report.CanonicalID)
			continue
		}
		if _, gone := claimed[report.CanonicalID]; gone {
			logger.Printf("dropping duplicate report whose canonical %s was already folded", report.CanonicalID)
			continue
		}

		var kept []string
		for _, id := range report.DuplicateIDs {
			if id == report.CanonicalID {
				continue
			}
			if _, ok := inPool[id]; !ok {
				logger.Printf("dropping unknown duplicate id %s", id)
				continue
			}
			if _, gone := claimed[id]; gone {
				continue
			}
			if _, isCanonical := canonicals[id]; isCanonical {
				logger.Printf("dropping duplicate id %s already used as a canonical", id)
				continue
			}
			claimed[id] = struct{}{}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			continue
		}
		canonicals[report.CanonicalID] = struct{}{}
		out = append(out, DuplicateReport{CanonicalID: report.CanonicalID, DuplicateIDs: kept})
	}
	return out
}

func (d *Deduper) recordStage(ctx context.Context, runID, model string, start time.Time, usage llm.Usage, err error) {
	if d.telemetry == nil {
		return
	}
	event := telemetry.StageEvent{
		RunID:        runID,
		Stage:        "dedup",
		Model:        model,
		Duration:     time.Since(start),
		Success:      err == nil,
		Cost:         d.llm.CalculateCost(model, usage),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if err != nil {
		event.Error = err.Error()
	}
	d.telemetry.RecordStageEvent(ctx, event)
}
