package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/prospector/internal/fetch"
	"github.com/mohammad-safakhou/prospector/internal/helpers"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/pdfindex"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

// maxToolOutputChars caps how much page HTML goes back to the model in one
// tool result.
const maxToolOutputChars = 48000

// PageFetcher is the web collaborator of the dispatcher: full fetches plus
// HEAD probes for reachability and content-type checks.
type PageFetcher interface {
	fetch.Fetcher
	Head(ctx context.Context, rawURL string) (contentType string, status int, err error)
}

// PDFQuerier ranks PDF passages against a query.
type PDFQuerier interface {
	Query(ctx context.Context, fileURL, queryText string) ([]pdfindex.Hit, error)
}

// extractionRunner is the extraction dependency of the dispatcher.
type extractionRunner interface {
	Extract(ctx context.Context, req ExtractionRequest) (ExtractionBatch, error)
}

// batchMerger is the merge dependency of the dispatcher.
type batchMerger interface {
	Merge(ctx context.Context, runID string, state *AgentState, batch ExtractionBatch) (MergeStats, error)
}

// loopSignal marks tool calls that transition the run loop.
type loopSignal int

const (
	signalNone loopSignal = iota
	signalComplete
	signalTerminate
)

// stateEffect applies a handler's state mutation. Effects run on the loop
// goroutine only, one at a time in completion order, and return the tool
// output so it can reflect the merge outcome.
type stateEffect func(ctx context.Context, state *AgentState) (string, error)

// dispatchResult is the outcome of one handled tool call before its state
// effect is applied.
type dispatchResult struct {
	call       llm.ToolUse
	output     string
	isError    bool
	effect     stateEffect
	signal     loopSignal
	suggestion string
	elapsed    time.Duration
}

// runInfo identifies the run a tool call belongs to.
type runInfo struct {
	ID   string
	Task Task
}

// Dispatcher validates tool calls against the fixed tool set and executes
// them. Handlers do their slow work (fetches, extraction model calls)
// concurrently and return state mutations as effects for the loop to apply.
type Dispatcher struct {
	fetcher   PageFetcher
	pdf       PDFQuerier
	extractor extractionRunner
	merger    batchMerger
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(fetcher PageFetcher, pdf PDFQuerier, extractor extractionRunner, merger batchMerger, tel *telemetry.Telemetry) *Dispatcher {
	return &Dispatcher{
		fetcher:   fetcher,
		pdf:       pdf,
		extractor: extractor,
		merger:    merger,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// Execute handles one tool call. Domain violations come back as error
// results rather than Go errors so the model can self-correct; only context
// cancellation surfaces through effects.
func (d *Dispatcher) Execute(ctx context.Context, run runInfo, call llm.ToolUse, summaries []EntitySummary) dispatchResult {
	ctx, span := researchTracer.Start(ctx, "research.tool_call",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("research.run_id", run.ID),
		))
	defer span.End()

	start := time.Now()
	res := d.execute(ctx, run, call, summaries)
	res.call = call
	res.elapsed = time.Since(start)
	if res.isError {
		span.SetStatus(codes.Error, res.output)
	}
	if d.telemetry != nil {
		d.telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
			RunID:    run.ID,
			Tool:     call.Name,
			Duration: res.elapsed,
			IsError:  res.isError,
		})
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, run runInfo, call llm.ToolUse, summaries []EntitySummary) dispatchResult {
	input, err := parseToolInput(call.Name, call.Input)
	if err != nil {
		return errorResult(err.Error())
	}

	switch in := input.(type) {
	case *getWebPageInput:
		return d.handleGetWebPage(ctx, in)
	case *inferFactsInput:
		if call.Name == ToolInferFactsFromWebPage {
			return d.handleInferFactsFromWebPage(ctx, run, in, summaries)
		}
		return d.handleInferFactsFromText(ctx, run, in, summaries)
	case *queryFactsFromPdfInput:
		return d.handleQueryFactsFromPdf(ctx, run, in, summaries)
	case *submitProposedEntitiesInput:
		return d.handleSubmitProposedEntities(in)
	case *updatePlanInput:
		return d.handleUpdatePlan(in)
	case *completeInput:
		return dispatchResult{
			output:     "Run marked complete.",
			signal:     signalComplete,
			suggestion: strings.TrimSpace(in.SuggestionForNextSteps),
		}
	case *terminateInput:
		return dispatchResult{output: "Run terminated.", signal: signalTerminate}
	default:
		return errorResult(fmt.Sprintf("unknown tool %q", call.Name))
	}
}

func (d *Dispatcher) handleGetWebPage(ctx context.Context, in *getWebPageInput) dispatchResult {
	if !isWellFormedURL(in.URL) {
		return errorResult(fmt.Sprintf("url %q is not an absolute http(s) URL", in.URL))
	}

	contentType, status, err := d.fetcher.Head(ctx, in.URL)
	if err != nil {
		return errorResult(fmt.Sprintf("url %s is not reachable: %v", in.URL, err))
	}
	if status >= 400 {
		return errorResult(fmt.Sprintf("url %s is not reachable (status %d)", in.URL, status))
	}
	if isPDFContentType(contentType) {
		return errorResult(fmt.Sprintf("url %s serves a PDF file; use %s to read it", in.URL, ToolQueryFactsFromPdf))
	}

	page, err := d.fetcher.Fetch(ctx, in.URL)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch %s: %v", in.URL, err))
	}
	if page.Empty() {
		return errorResult(fmt.Sprintf("page %s has no readable content", in.URL))
	}

	html := page.HTML
	if strings.TrimSpace(html) == "" {
		html = page.Text
	}
	if len(html) > maxToolOutputChars {
		html = html[:maxToolOutputChars] + "\n[content truncated]"
	}

	return dispatchResult{
		output: html,
		effect: func(ctx context.Context, state *AgentState) (string, error) {
			state.AddInferredFromURL(page.URL)
			return html, nil
		},
	}
}

func (d *Dispatcher) handleInferFactsFromWebPage(ctx context.Context, run runInfo, in *inferFactsInput, summaries []EntitySummary) dispatchResult {
	if res, ok := d.checkTypeScope(run.Task, in.EntityTypeIDs); !ok {
		return res
	}
	if !isWellFormedURL(in.URL) {
		return errorResult(fmt.Sprintf("url %q is not an absolute http(s) URL", in.URL))
	}

	page, err := d.fetcher.Fetch(ctx, in.URL)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch %s: %v", in.URL, err))
	}
	content := page.Text
	if strings.TrimSpace(content) == "" {
		content = page.HTML
	}
	if strings.TrimSpace(content) == "" {
		return errorResult(fmt.Sprintf("page %s has no readable content to extract from", in.URL))
	}

	req := ExtractionRequest{
		RunID:             run.ID,
		Text:              content,
		Prompt:            in.Prompt,
		SourceURL:         page.URL,
		SourceTitle:       page.Title,
		EntityTypeIDs:     d.scopeTypes(run.Task, in.EntityTypeIDs),
		ExpectedEntities:  expected(in.ExpectedNumberOfEntities),
		ExistingSummaries: summaries,
	}
	return d.runExtraction(ctx, run, req, in.ExpectedNumberOfEntities, page.URL)
}

func (d *Dispatcher) handleInferFactsFromText(ctx context.Context, run runInfo, in *inferFactsInput, summaries []EntitySummary) dispatchResult {
	if res, ok := d.checkTypeScope(run.Task, in.EntityTypeIDs); !ok {
		return res
	}
	req := ExtractionRequest{
		RunID:             run.ID,
		Text:              in.Text,
		Prompt:            in.Prompt,
		EntityTypeIDs:     d.scopeTypes(run.Task, in.EntityTypeIDs),
		ExpectedEntities:  expected(in.ExpectedNumberOfEntities),
		ExistingSummaries: summaries,
	}
	return d.runExtraction(ctx, run, req, in.ExpectedNumberOfEntities, "")
}

func (d *Dispatcher) handleQueryFactsFromPdf(ctx context.Context, run runInfo, in *queryFactsFromPdfInput, summaries []EntitySummary) dispatchResult {
	if res, ok := d.checkTypeScope(run.Task, in.EntityTypeIDs); !ok {
		return res
	}
	if !isWellFormedURL(in.FileURL) {
		return errorResult(fmt.Sprintf("fileUrl %q must be an absolute http(s) URL", in.FileURL))
	}

	query := in.Description
	if strings.TrimSpace(in.ExampleText) != "" {
		query += " " + in.ExampleText
	}
	hits, err := d.pdf.Query(ctx, in.FileURL, query)
	if err != nil {
		return errorResult(fmt.Sprintf("query %s: %v", in.FileURL, err))
	}
	if len(hits) == 0 {
		return errorResult(fmt.Sprintf("no passages in %s match the description; try a different description or example", in.FileURL))
	}

	var b strings.Builder
	for _, hit := range hits {
		b.WriteString(hit.Chunk.Text)
		b.WriteString("\n\n")
	}

	typeID := ""
	if len(in.EntityTypeIDs) > 0 {
		typeID = in.EntityTypeIDs[0]
	}
	queried := AccessedFile{URL: in.FileURL, EntityTypeID: typeID, LoadedAt: time.Now().UTC()}

	req := ExtractionRequest{
		RunID:             run.ID,
		Text:              strings.TrimSpace(b.String()),
		Prompt:            in.RelevantEntitiesPrompt,
		SourceURL:         in.FileURL,
		EntityTypeIDs:     d.scopeTypes(run.Task, in.EntityTypeIDs),
		ExistingSummaries: summaries,
	}
	res := d.runExtraction(ctx, run, req, nil, in.FileURL)
	inner := res.effect
	fallback := res.output
	res.effect = func(ctx context.Context, state *AgentState) (string, error) {
		state.AddFileQueried(queried)
		if inner == nil {
			return fallback, nil
		}
		return inner(ctx, state)
	}
	return res
}

// runExtraction invokes the extraction sub-agent concurrently with its
// siblings and defers the merge to the loop-applied effect.
func (d *Dispatcher) runExtraction(ctx context.Context, run runInfo, req ExtractionRequest, expectedEntities *int, url string) dispatchResult {
	batch, err := d.extractor.Extract(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return errorResult("extraction canceled")
		}
		return errorResult(fmt.Sprintf("fact extraction failed: %v", err))
	}
	if batch.Empty() {
		return dispatchResult{output: "No entities of the requested types were found in the content."}
	}

	return dispatchResult{
		output: summarizeBatch(batch, MergeStats{}, expectedEntities),
		effect: func(ctx context.Context, state *AgentState) (string, error) {
			stats, err := d.merger.Merge(ctx, run.ID, state, batch)
			if err != nil {
				return "", err
			}
			if url != "" {
				state.AddInferredFromURL(url)
			}
			return summarizeBatch(batch, stats, expectedEntities), nil
		},
	}
}

func (d *Dispatcher) handleSubmitProposedEntities(in *submitProposedEntitiesInput) dispatchResult {
	ids := append([]string{}, in.EntityIDs...)
	return dispatchResult{
		effect: func(ctx context.Context, state *AgentState) (string, error) {
			var known, unknown []string
			for _, id := range ids {
				if _, ok := state.SummaryByID(id); ok {
					known = append(known, id)
				} else {
					unknown = append(unknown, id)
				}
			}
			state.SubmittedEntityIDs = rewriteIDList(append(state.SubmittedEntityIDs, known...), nil)
			if len(unknown) > 0 {
				return fmt.Sprintf("Submitted %d entities. Unknown entity ids ignored: %s.",
					len(known), strings.Join(unknown, ", ")), nil
			}
			return fmt.Sprintf("Submitted %d entities.", len(known)), nil
		},
	}
}

func (d *Dispatcher) handleUpdatePlan(in *updatePlanInput) dispatchResult {
	plan := strings.TrimSpace(in.Plan)
	return dispatchResult{
		effect: func(ctx context.Context, state *AgentState) (string, error) {
			state.CurrentPlan = plan
			return "Plan updated.", nil
		},
	}
}

// checkTypeScope rejects tool calls referencing entity types outside the
// task's declared set, naming every invalid id.
func (d *Dispatcher) checkTypeScope(task Task, requested []string) (dispatchResult, bool) {
	declared := append(append([]string{}, task.EntityTypeIDs...), task.LinkTypeIDs...)
	if unknown := ontology.UnknownTypeIDs(declared, requested); len(unknown) > 0 {
		return errorResult(fmt.Sprintf("entity type ids not declared for this task: %s", strings.Join(unknown, ", "))), false
	}
	return dispatchResult{}, true
}

// scopeTypes resolves the effective extraction scope: the requested entity
// types, or every declared entity type when the call names none.
func (d *Dispatcher) scopeTypes(task Task, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return task.EntityTypeIDs
}

// summarizeBatch renders the tool output for a merged extraction, listing
// the registered entity ids so the model can reference them later.
func summarizeBatch(batch ExtractionBatch, stats MergeStats, expectedEntities *int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extracted %d facts about %d entities.", len(batch.Facts), len(batch.Summaries))
	if stats.DuplicatesFolded > 0 {
		fmt.Fprintf(&b, " %d duplicate references were folded into canonical entities.", stats.DuplicatesFolded)
	}
	if expectedEntities != nil && *expectedEntities != len(batch.Summaries) {
		fmt.Fprintf(&b, " Note: %d entities were expected but %d were registered.", *expectedEntities, len(batch.Summaries))
	}
	if len(batch.Summaries) > 0 {
		b.WriteString("\nRegistered entities:\n")
		b.WriteString(renderSummaries(batch.Summaries))
	}
	return b.String()
}

func errorResult(text string) dispatchResult {
	return dispatchResult{output: text, isError: true}
}

func expected(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

// isWellFormedURL reports whether raw canonicalizes to an absolute http(s)
// URL.
func isWellFormedURL(raw string) bool {
	canonical, err := helpers.CanonicalURL(raw)
	if err != nil {
		return false
	}
	return helpers.IsAbsoluteHTTPURL(canonical)
}

func isPDFContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/pdf")
}
