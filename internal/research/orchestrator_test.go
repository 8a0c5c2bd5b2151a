package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/fetch"
	"github.com/mohammad-safakhou/prospector/internal/llm"
)

func testOrchestrator(stub *stubLLM, fetcher *stubPageFetcher, cfg config.ResearchConfig) *Orchestrator {
	if fetcher == nil {
		fetcher = &stubPageFetcher{}
	}
	return NewOrchestrator(&config.Config{Research: cfg}, stub, fetcher, &stubPDF{}, testCatalog(), nil)
}

func mustCall(name string, input interface{}) llm.ToolUse {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	return llm.ToolUse{ID: "tu_" + name, Name: name, Input: raw}
}

func callsResponse(calls ...llm.ToolUse) llm.Response {
	return llm.Response{
		Status:  llm.StatusOK,
		Message: llm.Message{Role: llm.RoleAssistant, Text: "Working.", ToolCalls: calls},
		Usage:   llm.Usage{InputTokens: 200, OutputTokens: 80},
	}
}

// registeredIDs digs the entity ids out of earlier tool results in a rebuilt
// conversation, the way the model would reference them.
func registeredIDs(req llm.Request) map[string]string {
	var b strings.Builder
	for _, msg := range req.Messages {
		for _, tr := range msg.ToolResults {
			b.WriteString(tr.Content)
			b.WriteString("\n")
		}
	}
	return parseRenderedSummaries(b.String())
}

func proposalFor(t *testing.T, proposals []EntityProposal, name string) EntityProposal {
	t.Helper()
	for _, p := range proposals {
		if p.Entity.Name == name {
			return p
		}
	}
	t.Fatalf("no proposal for %q in %+v", name, proposals)
	return EntityProposal{}
}

func TestRunCompletesWithProposals(t *testing.T) {
	fetcher := &stubPageFetcher{page: fetch.Page{
		URL:   "https://example.com/acme",
		Title: "Acme Corp history",
		Text:  "Acme Corp acquired Globex in 1998.",
		HTML:  "<main>Acme Corp acquired Globex in 1998.</main>",
	}}

	var mu sync.Mutex
	coordination := 0

	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case req.ToolChoice.Tool == toolRegisterEntitySummaries:
			prompt := req.Messages[0].Text
			if strings.Contains(prompt, "Berlin") {
				known := parseRenderedSummaries(prompt)
				return toolResponse(toolRegisterEntitySummaries, registerEntitiesPayload{Entities: []registeredEntity{
					{ExistingEntityID: known["Acme Corp"]},
				}}), nil
			}
			return toolResponse(toolRegisterEntitySummaries, registerEntitiesPayload{Entities: []registeredEntity{
				{Name: "Acme Corp", Summary: "Acquirer.", EntityTypeIDs: []string{"company"}},
				{Name: "Globex", Summary: "Acquired in 1998.", EntityTypeIDs: []string{"company"}},
			}}), nil
		case req.ToolChoice.Tool == toolSubmitFacts:
			prompt := req.Messages[0].Text
			ids := parseRenderedSummaries(prompt)
			if strings.Contains(prompt, "Berlin") {
				return toolResponse(toolSubmitFacts, submitFactsPayload{Facts: []submittedFact{
					{SubjectEntityID: ids["Acme Corp"], Text: "Acme Corp opened a Berlin office in 2001.", PrepositionalPhrases: []string{"in 2001"}},
				}}), nil
			}
			return toolResponse(toolSubmitFacts, submitFactsPayload{Facts: []submittedFact{
				{SubjectEntityID: ids["Acme Corp"], ObjectEntityID: ids["Globex"], Text: "Acme Corp acquired Globex in 1998."},
			}}), nil
		case req.ToolChoice.Tool == toolReportDuplicates:
			return toolResponse(toolReportDuplicates, reportDuplicatesPayload{}), nil
		case req.ToolChoice.Mode == llm.ToolChoiceAuto:
			return textResponse("1. Read the start page.\n2. Extract the acquisition.\n3. Submit and complete."), nil
		case req.ToolChoice.Mode == llm.ToolChoiceRequired:
			coordination++
			switch coordination {
			case 1:
				return callsResponse(mustCall(ToolInferFactsFromWebPage, map[string]interface{}{
					"explanation":   "the start page lists the acquisition",
					"url":           "https://example.com/acme",
					"prompt":        "find acquisitions",
					"entityTypeIds": []string{"company"},
				})), nil
			case 2:
				ids := registeredIDs(req)
				return callsResponse(
					mustCall(ToolSubmitProposedEntities, map[string]interface{}{
						"explanation": "both entities are researched",
						"entityIds":   []string{ids["Acme Corp"], ids["Globex"]},
					}),
					mustCall(ToolInferFactsFromText, map[string]interface{}{
						"explanation":   "the press release adds the Berlin office",
						"text":          "Acme Corp opened a Berlin office in 2001.",
						"prompt":        "find expansion facts",
						"entityTypeIds": []string{"company"},
					}),
				), nil
			default:
				return callsResponse(mustCall(ToolComplete, map[string]interface{}{
					"explanation":            "the objective is covered",
					"suggestionForNextSteps": "Look into the 2003 spin-off.",
				})), nil
			}
		}
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("unhandled request: %+v", req.ToolChoice)
	}

	orch := testOrchestrator(stub, fetcher, testResearchConfig())
	result, err := orch.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v (result %+v)", err, result)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if result.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", result.Iterations)
	}
	if result.Suggestion != "Look into the 2003 spin-off." {
		t.Fatalf("suggestion = %q", result.Suggestion)
	}
	if result.RunID == "" || result.Tokens == 0 || result.Cost == 0 {
		t.Fatalf("accounting missing: runId=%q tokens=%d cost=%f", result.RunID, result.Tokens, result.Cost)
	}

	if len(result.Facts) != 2 {
		t.Fatalf("facts = %+v, want both extractions merged", result.Facts)
	}
	if len(result.Proposals) != 2 {
		t.Fatalf("proposals = %+v, want one per surviving entity", result.Proposals)
	}

	acme := proposalFor(t, result.Proposals, "Acme Corp")
	if len(acme.Facts) != 2 {
		t.Fatalf("acme facts = %+v, want both subject facts", acme.Facts)
	}
	if acme.Summary != "Acquirer." {
		t.Fatalf("acme summary = %q, want the entity summary without synthesis", acme.Summary)
	}
	globex := proposalFor(t, result.Proposals, "Globex")
	if len(globex.Facts) != 0 {
		t.Fatalf("globex facts = %+v", globex.Facts)
	}

	for _, f := range result.Facts {
		if strings.Contains(f.Text, "acquired") {
			if len(f.Sources) != 1 || f.Sources[0].URL != "https://example.com/acme" {
				t.Fatalf("acquisition fact sources = %+v", f.Sources)
			}
			if f.SubjectEntityLocalID != acme.Entity.LocalID || f.ObjectEntityLocalID != globex.Entity.LocalID {
				t.Fatalf("acquisition fact ids = %+v", f)
			}
		}
	}

	if len(result.Files) != 1 || result.Files[0].URL != "https://example.com/acme" {
		t.Fatalf("files = %+v, want the page that yielded facts", result.Files)
	}
	if fetcher.fetches != 1 {
		t.Fatalf("fetches = %d", fetcher.fetches)
	}
}

func TestCompleteWaitsForSiblingExtraction(t *testing.T) {
	var mu sync.Mutex
	coordination := 0

	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case req.ToolChoice.Tool == toolRegisterEntitySummaries:
			return toolResponse(toolRegisterEntitySummaries, registerEntitiesPayload{Entities: []registeredEntity{
				{Name: "Acme Corp", Summary: "A company.", EntityTypeIDs: []string{"company"}},
			}}), nil
		case req.ToolChoice.Tool == toolSubmitFacts:
			ids := parseRenderedSummaries(req.Messages[0].Text)
			return toolResponse(toolSubmitFacts, submitFactsPayload{Facts: []submittedFact{
				{SubjectEntityID: ids["Acme Corp"], Text: "Acme Corp was founded in 1985."},
			}}), nil
		case req.ToolChoice.Mode == llm.ToolChoiceAuto:
			return textResponse("1. Extract from the given text, then complete."), nil
		case req.ToolChoice.Mode == llm.ToolChoiceRequired:
			coordination++
			if coordination > 1 {
				return llm.Response{Status: llm.StatusError}, fmt.Errorf("run should have completed in one iteration")
			}
			return callsResponse(
				mustCall(ToolInferFactsFromText, map[string]interface{}{
					"explanation": "extract the founding fact",
					"text":        "Acme Corp was founded in 1985.",
					"prompt":      "find founding facts",
				}),
				mustCall(ToolComplete, map[string]interface{}{
					"explanation": "this is the only source",
				}),
			), nil
		}
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("unhandled request")
	}

	orch := testOrchestrator(stub, nil, testResearchConfig())
	result, err := orch.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted || result.Iterations != 1 {
		t.Fatalf("status = %s after %d iterations", result.Status, result.Iterations)
	}
	// Complete waits for the whole batch: the sibling extraction lands before
	// assembly.
	if len(result.Facts) != 1 || result.Facts[0].Text != "Acme Corp was founded in 1985." {
		t.Fatalf("facts = %+v, want the sibling extraction merged", result.Facts)
	}
	if len(result.Proposals) != 1 {
		t.Fatalf("proposals = %+v", result.Proposals)
	}
}

func TestTerminateAbortsAndDiscardsSiblings(t *testing.T) {
	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		switch {
		case req.ToolChoice.Tool == toolRegisterEntitySummaries:
			return toolResponse(toolRegisterEntitySummaries, registerEntitiesPayload{Entities: []registeredEntity{
				{Name: "Acme Corp", Summary: "A company.", EntityTypeIDs: []string{"company"}},
			}}), nil
		case req.ToolChoice.Tool == toolSubmitFacts:
			ids := parseRenderedSummaries(req.Messages[0].Text)
			return toolResponse(toolSubmitFacts, submitFactsPayload{Facts: []submittedFact{
				{SubjectEntityID: ids["Acme Corp"], Text: "Acme Corp was founded in 1985."},
			}}), nil
		case req.ToolChoice.Mode == llm.ToolChoiceAuto:
			return textResponse("1. Try the only lead."), nil
		case req.ToolChoice.Mode == llm.ToolChoiceRequired:
			return callsResponse(
				mustCall(ToolInferFactsFromText, map[string]interface{}{
					"explanation": "extract from the last lead",
					"text":        "Acme Corp was founded in 1985.",
					"prompt":      "find founding facts",
				}),
				mustCall(ToolTerminate, map[string]interface{}{
					"explanation": "the objective cannot be met",
				}),
			), nil
		}
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("unhandled request")
	}

	orch := testOrchestrator(stub, nil, testResearchConfig())
	result, err := orch.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("aborting is a legitimate outcome, not an error: %v", err)
	}
	if result.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", result.Status)
	}
	// The sibling extraction dies with the run state: no entity output at all.
	if len(result.Proposals) != 0 || len(result.Facts) != 0 || len(result.Summaries) != 0 || len(result.Files) != 0 {
		t.Fatalf("aborted run leaked output: %+v", result)
	}
	if result.Error != "" {
		t.Fatalf("aborted run carries error %q", result.Error)
	}
}

func TestPlanningRejectsToolCalls(t *testing.T) {
	var mu sync.Mutex
	planning := 0

	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case req.ToolChoice.Mode == llm.ToolChoiceAuto:
			planning++
			if planning == 1 {
				return callsResponse(mustCall(ToolComplete, map[string]interface{}{
					"explanation": "eager",
				})), nil
			}
			// The retry must carry the rejected call and an error tool result.
			if len(req.Messages) != 3 {
				return llm.Response{Status: llm.StatusError}, fmt.Errorf("retry carried %d messages", len(req.Messages))
			}
			last := req.Messages[2]
			if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError || last.ToolResults[0].Content != planningRejectionPrompt {
				return llm.Response{Status: llm.StatusError}, fmt.Errorf("rejection missing: %+v", last)
			}
			return textResponse("1. There is nothing to research. Complete immediately."), nil
		case req.ToolChoice.Mode == llm.ToolChoiceRequired:
			return callsResponse(mustCall(ToolComplete, map[string]interface{}{
				"explanation": "done",
			})), nil
		}
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("unhandled request")
	}

	orch := testOrchestrator(stub, nil, testResearchConfig())
	result, err := orch.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	if planning != 2 {
		t.Fatalf("planning attempts = %d, want the rejection consumed one", planning)
	}
	if len(result.Proposals) != 0 {
		t.Fatalf("proposals = %+v, want none from an empty pool", result.Proposals)
	}
}

func TestPlanningRetriesExhaustedFailsRun(t *testing.T) {
	cfg := testResearchConfig()
	cfg.PlanningRetries = 1

	var mu sync.Mutex
	planning := 0
	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		planning++
		return callsResponse(mustCall(ToolComplete, map[string]interface{}{"explanation": "eager"})), nil
	}

	orch := testOrchestrator(stub, nil, cfg)
	result, err := orch.Run(context.Background(), testTask())
	if err == nil {
		t.Fatalf("Run succeeded with a model that never plans")
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Stage != "planning" {
		t.Fatalf("err = %v, want planning retries exhausted", err)
	}
	if result.Status != StatusFailed || result.Error == "" {
		t.Fatalf("result = %+v, want failed with error", result)
	}
	if planning != cfg.PlanningRetries+1 {
		t.Fatalf("planning attempts = %d, want %d", planning, cfg.PlanningRetries+1)
	}
}

func TestRunFailsAtMaxIterations(t *testing.T) {
	cfg := testResearchConfig()
	cfg.MaxIterations = 2

	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		switch {
		case req.ToolChoice.Mode == llm.ToolChoiceAuto:
			return textResponse("1. Keep planning forever."), nil
		case req.ToolChoice.Mode == llm.ToolChoiceRequired:
			return callsResponse(mustCall(ToolUpdatePlan, map[string]interface{}{
				"explanation": "refocusing",
				"plan":        "Check the archive instead.",
			})), nil
		}
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("unhandled request")
	}

	orch := testOrchestrator(stub, nil, cfg)
	result, err := orch.Run(context.Background(), testTask())
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if result.Status != StatusFailed || result.Iterations != cfg.MaxIterations {
		t.Fatalf("result = %+v", result)
	}

	// The plan update rewrote the conversation the second iteration saw.
	var second llm.Request
	found := 0
	for i := 0; i < stub.requestCount(); i++ {
		req := stub.requestAt(i)
		if req.ToolChoice.Mode == llm.ToolChoiceRequired {
			found++
			if found == 2 {
				second = req
			}
		}
	}
	if found != 2 {
		t.Fatalf("coordination requests = %d", found)
	}
	if second.Messages[1].Text != "Check the archive instead." {
		t.Fatalf("rebuilt plan = %q, want the updated plan in the assistant slot", second.Messages[1].Text)
	}
	if !strings.Contains(second.SystemPrompt, "Check the archive instead.") {
		t.Fatalf("system prompt does not carry the updated plan")
	}
}

func TestRunNudgesWhenModelReturnsNoToolCalls(t *testing.T) {
	var mu sync.Mutex
	coordination := 0

	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case req.ToolChoice.Mode == llm.ToolChoiceAuto:
			return textResponse("1. Think, then act."), nil
		case req.ToolChoice.Mode == llm.ToolChoiceRequired:
			coordination++
			if coordination == 1 {
				return textResponse("Considering the sources."), nil
			}
			last := req.Messages[len(req.Messages)-1]
			if last.Text != continuePrompt {
				return llm.Response{Status: llm.StatusError}, fmt.Errorf("expected the continue nudge, got %+v", last)
			}
			return callsResponse(mustCall(ToolComplete, map[string]interface{}{
				"explanation": "done thinking",
			})), nil
		}
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("unhandled request")
	}

	orch := testOrchestrator(stub, nil, testResearchConfig())
	result, err := orch.Run(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted || result.Iterations != 2 {
		t.Fatalf("result = %+v, want completion on the second iteration", result)
	}
}

func TestRunValidatesTask(t *testing.T) {
	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("no request expected")
	}
	orch := testOrchestrator(stub, nil, testResearchConfig())

	task := testTask()
	task.Subject = "  "
	result, err := orch.Run(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "subject") {
		t.Fatalf("err = %v, want a subject validation error", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("status = %s", result.Status)
	}

	task = testTask()
	task.EntityTypeIDs = nil
	_, err = orch.Run(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "entity types") {
		t.Fatalf("err = %v, want an entity types validation error", err)
	}
	if stub.requestCount() != 0 {
		t.Fatalf("model called %d times for invalid tasks", stub.requestCount())
	}
}

func TestRunRegistryUnknownIDs(t *testing.T) {
	stub := &stubLLM{}
	stub.handler = func(req llm.Request) (llm.Response, error) {
		return llm.Response{Status: llm.StatusError}, fmt.Errorf("no request expected")
	}
	orch := testOrchestrator(stub, nil, testResearchConfig())

	if _, ok := orch.Status("missing"); ok {
		t.Fatalf("Status found a run that never started")
	}
	if orch.CancelRun("missing") {
		t.Fatalf("CancelRun canceled a run that never started")
	}
	if runs := orch.ActiveRuns(); len(runs) != 0 {
		t.Fatalf("active runs = %+v", runs)
	}
}
