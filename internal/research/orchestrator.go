package research

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

var researchTracer trace.Tracer = otel.Tracer("prospector/research")

// Orchestrator drives research runs end to end: planning, the tool-calling
// loop, state merges and final proposal assembly.
type Orchestrator struct {
	research    config.ResearchConfig
	maxRunTime  time.Duration
	llm         llmClient
	resolver    ontology.Resolver
	dispatcher  *Dispatcher
	assembler   *Assembler
	synthesizer *Synthesizer
	telemetry   *telemetry.Telemetry
	logger      *log.Logger

	mu     sync.Mutex
	active map[string]*runHandle
}

// runHandle tracks one in-flight run for status queries and cancellation.
type runHandle struct {
	subject string
	status  string
	started time.Time
	cancel  context.CancelFunc
}

// RunInfo is a point-in-time view of an active run.
type RunInfo struct {
	RunID   string    `json:"runId"`
	Subject string    `json:"subject"`
	Status  string    `json:"status"`
	Started time.Time `json:"started"`
}

// NewOrchestrator wires the research components around shared collaborators.
func NewOrchestrator(cfg *config.Config, client llmClient, fetcher PageFetcher, pdf PDFQuerier, resolver ontology.Resolver, tel *telemetry.Telemetry) *Orchestrator {
	extractor := NewExtractor(client, resolver, cfg.Research, tel)
	deduper := NewDeduper(client, cfg.Research, tel)
	merger := NewMerger(deduper)
	return &Orchestrator{
		research:    cfg.Research,
		maxRunTime:  cfg.General.MaxRunTime,
		llm:         client,
		resolver:    resolver,
		dispatcher:  NewDispatcher(fetcher, pdf, extractor, merger, tel),
		assembler:   NewAssembler(resolver),
		synthesizer: NewSynthesizer(client, resolver, cfg.Research, tel),
		telemetry:   tel,
		logger:      log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
		active:      map[string]*runHandle{},
	}
}

// Run executes one research task to a terminal status under a fresh run id.
// The returned error is non-nil only for failed runs; aborted runs are a
// legitimate outcome and come back with StatusAborted and no entity output.
func (o *Orchestrator) Run(ctx context.Context, task Task) (Result, error) {
	return o.RunWithID(ctx, uuid.New().String(), task)
}

// RunWithID executes a task under a caller-assigned run id, so externally
// persisted runs share the id used in logs, telemetry and the active-run
// registry.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, task Task) (Result, error) {
	start := time.Now()

	if o.maxRunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.maxRunTime)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := researchTracer.Start(ctx, "research.run",
		trace.WithAttributes(
			attribute.String("research.run_id", runID),
			attribute.String("research.subject", task.Subject),
		))
	defer span.End()

	o.register(runID, task.Subject, cancel)
	defer o.unregister(runID)

	result := Result{
		RunID:     runID,
		TaskID:    task.ID,
		Subject:   task.Subject,
		Status:    StatusFailed,
		StartedAt: start,
	}

	acct := &runAccounting{}
	err := o.run(ctx, runID, task, &result, acct)

	result.Cost = acct.cost
	result.Tokens = acct.usage.InputTokens + acct.usage.OutputTokens
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, string(result.Status))
	}
	span.SetAttributes(
		attribute.String("research.status", string(result.Status)),
		attribute.Int("research.iterations", result.Iterations),
		attribute.Int("research.proposals", len(result.Proposals)),
	)

	o.recordRun(ctx, &result)
	o.logger.Printf("run %s for %q finished %s: %d proposals, %d facts, %d iterations, $%.4f",
		runID, task.Subject, result.Status, len(result.Proposals), len(result.Facts), result.Iterations, result.Cost)
	return result, err
}

// runAccounting accumulates usage of the coordination loop. Sub-agent usage
// is tracked per stage through telemetry.
type runAccounting struct {
	usage llm.Usage
	cost  float64
}

func (a *runAccounting) add(o *Orchestrator, model string, usage llm.Usage) {
	a.usage.Add(usage)
	a.cost += o.llm.CalculateCost(model, usage)
}

func (o *Orchestrator) run(ctx context.Context, runID string, task Task, result *Result, acct *runAccounting) error {
	if strings.TrimSpace(task.Subject) == "" {
		return fmt.Errorf("task subject is empty")
	}
	if len(task.EntityTypeIDs) == 0 {
		return fmt.Errorf("task declares no entity types")
	}
	declared := append(append([]string{}, task.EntityTypeIDs...), task.LinkTypeIDs...)
	defs, err := o.resolver.Dereference(ctx, declared)
	if err != nil {
		return fmt.Errorf("resolve task types: %w", err)
	}

	state := NewAgentState()
	model := o.llm.ModelFor(llm.TaskCoordination)
	if task.Model != "" {
		model = task.Model
	}
	run := runInfo{ID: runID, Task: task}

	o.updateStatus(runID, "planning")
	planCtx, planSpan := researchTracer.Start(ctx, "research.plan")
	plan, err := o.plan(planCtx, task, defs, model, acct)
	if err != nil {
		planSpan.RecordError(err)
		planSpan.SetStatus(codes.Error, err.Error())
		planSpan.End()
		return err
	}
	planSpan.SetStatus(codes.Ok, "completed")
	planSpan.End()
	state.CurrentPlan = plan
	o.logger.Printf("run %s planned: %s", runID, firstLine(plan))

	for iteration := 1; iteration <= o.research.MaxIterations; iteration++ {
		result.Iterations = iteration
		o.updateStatus(runID, fmt.Sprintf("iteration %d", iteration))

		resp, err := o.requestToolCalls(ctx, task, defs, state, model, acct)
		if err != nil {
			return err
		}

		if !resp.Message.HasToolCalls() {
			// Required tool choice should prevent this; nudge and spend the
			// iteration if it happens anyway.
			text := resp.Message.Text
			if strings.TrimSpace(text) == "" {
				text = "Continuing."
			}
			state.PreviousCalls = append(state.PreviousCalls, Iteration{AssistantText: text})
			continue
		}

		signal, suggestion, err := o.dispatchBatch(ctx, run, state, resp.Message)
		if err != nil {
			return err
		}

		switch signal {
		case signalTerminate:
			result.Status = StatusAborted
			return nil
		case signalComplete:
			result.Suggestion = suggestion
			o.updateStatus(runID, "assembling")
			return o.assemble(ctx, runID, task, state, result)
		}
	}
	return fmt.Errorf("%w (%d)", ErrMaxIterations, o.research.MaxIterations)
}

// plan asks for a plain-text plan before any tools may be called. Tool-call
// responses are rejected and re-prompted within the planning retry budget;
// running out of it fails the run.
func (o *Orchestrator) plan(ctx context.Context, task Task, defs map[string]ontology.TypeDefinition, model string, acct *runAccounting) (string, error) {
	messages := []llm.Message{{Role: llm.RoleUser, Text: createPlanningPrompt(task)}}
	request := llm.Request{
		SystemPrompt: createCoordinationSystemPrompt(task, defs, ""),
		Model:        model,
		Tools:        agentToolDefinitions(task.EntityTypeIDs),
		ToolChoice:   llm.ToolChoice{Mode: llm.ToolChoiceAuto},
	}

	tries := o.research.PlanningRetries + 1
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.research.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		request.Messages = messages
		resp, err := o.llm.Request(ctx, request)
		acct.add(o, model, resp.Usage)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Status != llm.StatusOK {
			lastErr = fmt.Errorf("planning returned status %s", resp.Status)
			continue
		}

		if resp.Message.HasToolCalls() {
			var rejections []llm.ToolResult
			for _, call := range resp.Message.ToolCalls {
				rejections = append(rejections, llm.ToolResult{
					ToolUseID: call.ID,
					Content:   planningRejectionPrompt,
					IsError:   true,
				})
			}
			messages = append(messages, resp.Message, llm.Message{Role: llm.RoleUser, ToolResults: rejections})
			lastErr = fmt.Errorf("model called tools during planning")
			continue
		}

		plan := strings.TrimSpace(resp.Message.Text)
		if plan == "" {
			lastErr = fmt.Errorf("planning returned empty text")
			continue
		}
		return plan, nil
	}
	return "", &RetryExhaustedError{Stage: "planning", Attempts: tries, Last: lastErr}
}

// requestToolCalls asks the model for the next batch of tool calls given the
// rebuilt conversation, retrying transient failures within the loop budget.
func (o *Orchestrator) requestToolCalls(ctx context.Context, task Task, defs map[string]ontology.TypeDefinition, state *AgentState, model string, acct *runAccounting) (llm.Response, error) {
	request := llm.Request{
		SystemPrompt: createCoordinationSystemPrompt(task, defs, state.CurrentPlan),
		Messages:     rebuildMessages(task, state),
		Model:        model,
		Tools:        agentToolDefinitions(task.EntityTypeIDs),
		ToolChoice:   llm.ToolChoice{Mode: llm.ToolChoiceRequired},
	}

	tries := o.research.RequestRetries + 1
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.research.RetryDelay):
			case <-ctx.Done():
				return llm.Response{}, ctx.Err()
			}
		}

		resp, err := o.llm.Request(ctx, request)
		acct.add(o, model, resp.Usage)
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Status != llm.StatusOK {
			lastErr = fmt.Errorf("tool selection returned status %s", resp.Status)
			continue
		}
		return resp, nil
	}
	return llm.Response{}, &RetryExhaustedError{Stage: "tool selection", Attempts: tries, Last: lastErr}
}

// rebuildMessages reconstructs the conversation from the call history. The
// recorded plan stands in for the original planning answer, so plan updates
// rewrite the context the model sees.
func rebuildMessages(task Task, state *AgentState) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleUser, Text: createPlanningPrompt(task)}}
	plan := state.CurrentPlan
	if plan == "" {
		plan = "No plan recorded."
	}
	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Text: plan},
		llm.Message{Role: llm.RoleUser, Text: proceedPrompt},
	)

	for _, it := range state.PreviousCalls {
		assistant := llm.Message{Role: llm.RoleAssistant, Text: it.AssistantText}
		var results []llm.ToolResult
		for _, call := range it.Calls {
			assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolUse{ID: call.ID, Name: call.Name, Input: call.Input})
			results = append(results, llm.ToolResult{ToolUseID: call.ID, Content: call.Output, IsError: call.IsError})
		}
		if assistant.Text == "" && len(assistant.ToolCalls) == 0 {
			continue
		}
		messages = append(messages, assistant)
		if len(results) > 0 {
			messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
		} else {
			messages = append(messages, llm.Message{Role: llm.RoleUser, Text: continuePrompt})
		}
	}
	return messages
}

// dispatchBatch fans the batch out over the tool semaphore and applies
// results in completion order. A terminate call short-circuits: in-flight
// siblings are canceled and their results, applied or not, are discarded
// with the whole run state. Complete waits for every sibling to finish
// processing first.
func (o *Orchestrator) dispatchBatch(ctx context.Context, run runInfo, state *AgentState, msg llm.Message) (loopSignal, string, error) {
	calls := msg.ToolCalls
	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	workers := o.research.MaxConcurrentTools
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	results := make(chan dispatchResult, len(calls))
	snapshot := state.SummariesSnapshot()

	var wg sync.WaitGroup
	for _, call := range calls {
		call := call
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-batchCtx.Done():
				results <- dispatchResult{call: call, output: "canceled", isError: true}
				return
			}
			results <- o.dispatcher.Execute(batchCtx, run, call, snapshot)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	completed := make([]CompletedToolCall, 0, len(calls))
	signal := signalNone
	suggestion := ""

	for i := 0; i < len(calls); i++ {
		res, ok := <-results
		if !ok {
			break
		}

		if res.signal == signalTerminate {
			// Siblings are neither awaited nor merged; their results die
			// with the aborted run's state.
			cancelBatch()
			return signalTerminate, "", nil
		}

		output, isError := res.output, res.isError
		if res.effect != nil {
			applied, err := res.effect(ctx, state)
			if err != nil {
				if ctx.Err() != nil {
					return signalNone, "", ctx.Err()
				}
				output, isError = fmt.Sprintf("%s failed: %v", res.call.Name, err), true
			} else {
				output = applied
			}
		}
		completed = append(completed, CompletedToolCall{
			ID:      res.call.ID,
			Name:    res.call.Name,
			Input:   res.call.Input,
			Output:  output,
			IsError: isError,
		})

		if res.signal == signalComplete {
			signal = signalComplete
			suggestion = res.suggestion
		}
	}

	state.PreviousCalls = append(state.PreviousCalls, Iteration{AssistantText: msg.Text, Calls: completed})
	return signal, suggestion, nil
}

// assemble builds the final proposals from surviving state.
func (o *Orchestrator) assemble(ctx context.Context, runID string, task Task, state *AgentState, result *Result) error {
	ctx, span := researchTracer.Start(ctx, "research.assemble")
	defer span.End()

	requests, err := o.assembler.Assemble(ctx, task, state)
	if err != nil {
		err = fmt.Errorf("assemble proposals: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	proposals := make([]EntityProposal, 0, len(requests))
	for _, req := range requests {
		if !o.research.SynthesizeProperties {
			proposals = append(proposals, EntityProposal{Entity: req.Entity, Facts: req.Facts, Summary: req.Entity.Summary})
			continue
		}
		proposal, err := o.synthesizer.Propose(ctx, runID, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		proposals = append(proposals, proposal)
	}
	span.SetStatus(codes.Ok, "completed")
	span.SetAttributes(attribute.Int("research.proposals", len(proposals)))

	result.Status = StatusCompleted
	result.Proposals = proposals
	result.Facts = state.Facts
	result.Summaries = state.EntitySummaries
	result.Files = state.FilesUsedToInferFacts
	result.Plan = state.CurrentPlan
	return nil
}

func (o *Orchestrator) register(runID, subject string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[runID] = &runHandle{subject: subject, status: "starting", started: time.Now(), cancel: cancel}
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) updateStatus(runID, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if handle, ok := o.active[runID]; ok {
		handle.status = status
	}
}

// Status reports the progress of an in-flight run.
func (o *Orchestrator) Status(runID string) (RunInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.active[runID]
	if !ok {
		return RunInfo{}, false
	}
	return RunInfo{RunID: runID, Subject: handle.subject, Status: handle.status, Started: handle.started}, true
}

// ActiveRuns lists every in-flight run.
func (o *Orchestrator) ActiveRuns() []RunInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunInfo, 0, len(o.active))
	for runID, handle := range o.active {
		out = append(out, RunInfo{RunID: runID, Subject: handle.subject, Status: handle.status, Started: handle.started})
	}
	return out
}

// CancelRun cancels an in-flight run. It reports whether the run was found.
func (o *Orchestrator) CancelRun(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.active[runID]
	if !ok {
		return false
	}
	handle.cancel()
	handle.status = "canceling"
	return true
}

func (o *Orchestrator) recordRun(ctx context.Context, result *Result) {
	if o.telemetry == nil {
		return
	}
	event := telemetry.RunEvent{
		RunID:      result.RunID,
		Subject:    result.Subject,
		StartTime:  result.StartedAt,
		EndTime:    result.StartedAt.Add(result.Duration),
		Duration:   result.Duration,
		Status:     string(result.Status),
		Error:      result.Error,
		Cost:       result.Cost,
		TokensUsed: result.Tokens,
		Iterations: result.Iterations,
		Proposals:  len(result.Proposals),
	}
	o.telemetry.RecordRunEvent(ctx, event)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
