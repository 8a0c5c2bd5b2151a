package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/helpers"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

// llmClient is the slice of the model router the sub-agents use.
type llmClient interface {
	Request(ctx context.Context, req llm.Request) (llm.Response, error)
	ModelFor(kind llm.TaskKind) string
	CalculateCost(model string, usage llm.Usage) float64
}

// ExtractionRequest describes one fact extraction over a piece of content.
// EntityTypeIDs must already be validated against the task's declared set.
type ExtractionRequest struct {
	RunID             string
	Text              string
	Prompt            string
	SourceURL         string
	SourceTitle       string
	EntityTypeIDs     []string
	ExpectedEntities  int
	ExistingSummaries []EntitySummary
}

// factViolation pairs a rejected fact with the reason it failed validation.
type factViolation struct {
	Fact   Fact
	Reason string
}

// registeredEntity is one entry of the registerEntitySummaries payload.
type registeredEntity struct {
	ExistingEntityID string   `json:"existingEntityId"`
	Name             string   `json:"name"`
	Summary          string   `json:"summary"`
	EntityTypeIDs    []string `json:"entityTypeIds"`
}

type registerEntitiesPayload struct {
	Entities []registeredEntity `json:"entities"`
}

// submittedFact is one entry of the submitFacts payload.
type submittedFact struct {
	SubjectEntityID      string   `json:"subjectEntityId"`
	ObjectEntityID       string   `json:"objectEntityId"`
	Text                 string   `json:"text"`
	PrepositionalPhrases []string `json:"prepositionalPhrases"`
}

type submitFactsPayload struct {
	Facts []submittedFact `json:"facts"`
}

// Extractor runs the fact extraction sub-agent: one entity registration
// call, then one fact extraction call per entity type, concurrently, with
// validation and a bounded correction round for rejected facts.
type Extractor struct {
	llm       llmClient
	resolver  ontology.Resolver
	retries   int
	reduced   int
	delay     time.Duration
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewExtractor builds an extractor bounded by the research configuration.
func NewExtractor(client llmClient, resolver ontology.Resolver, cfg config.ResearchConfig, tel *telemetry.Telemetry) *Extractor {
	retries := cfg.ExtractionRetries
	if retries < 0 {
		retries = 0
	}
	reduced := cfg.ReducedFactCount
	if reduced <= 0 {
		reduced = 40
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Extractor{
		llm:       client,
		resolver:  resolver,
		retries:   retries,
		reduced:   reduced,
		delay:     delay,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags),
	}
}

// Extract registers the entities present in the content and extracts
// validated facts about them. Transient model failures are retried; when
// retries run out the best accumulated valid set is returned rather than an
// error, so a flaky extraction degrades instead of failing the tool call.
func (e *Extractor) Extract(ctx context.Context, req ExtractionRequest) (ExtractionBatch, error) {
	start := time.Now()
	model := e.llm.ModelFor(llm.TaskExtraction)
	var usage llm.Usage

	defs, err := e.resolver.Dereference(ctx, req.EntityTypeIDs)
	if err != nil {
		return ExtractionBatch{}, err
	}

	newSummaries, existingRefs, regUsage, err := e.registerEntities(ctx, req, defs, model)
	usage.Add(regUsage)
	if err != nil {
		e.recordStage(ctx, req.RunID, model, start, usage, err)
		return ExtractionBatch{}, err
	}

	subjects := append(append([]EntitySummary{}, newSummaries...), existingRefs...)
	if len(subjects) == 0 {
		e.recordStage(ctx, req.RunID, model, start, usage, nil)
		return ExtractionBatch{}, nil
	}

	// Entities already in the pool may appear as fact objects even when the
	// content registers nothing new about them.
	objects := unionSummaries(subjects, req.ExistingSummaries)

	byType := map[string][]EntitySummary{}
	for _, es := range subjects {
		for _, typeID := range es.EntityTypeIDs {
			byType[typeID] = append(byType[typeID], es)
		}
	}
	typeIDs := make([]string, 0, len(byType))
	for typeID := range byType {
		typeIDs = append(typeIDs, typeID)
	}
	sort.Strings(typeIDs)

	var (
		mu       sync.Mutex
		facts    []Fact
		seenText = map[string]struct{}{}
		wg       sync.WaitGroup
	)
	for _, typeID := range typeIDs {
		typeID := typeID
		subs := byType[typeID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			extracted, typeUsage, err := e.extractFactsForType(ctx, req, typeID, subs, objects, model)
			mu.Lock()
			defer mu.Unlock()
			usage.Add(typeUsage)
			if err != nil {
				e.logger.Printf("fact extraction for type %s kept %d facts after error: %v", typeID, len(extracted), err)
			}
			for _, f := range extracted {
				key := strings.TrimSpace(f.Text)
				if _, ok := seenText[key]; ok {
					continue
				}
				seenText[key] = struct{}{}
				facts = append(facts, f)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ExtractionBatch{}, ctx.Err()
	}

	batch := ExtractionBatch{Summaries: newSummaries, Facts: facts}
	if req.SourceURL != "" && len(facts) > 0 {
		typeID := ""
		if len(req.EntityTypeIDs) > 0 {
			typeID = req.EntityTypeIDs[0]
		}
		batch.FilesUsed = []AccessedFile{{URL: req.SourceURL, EntityTypeID: typeID, LoadedAt: time.Now().UTC()}}
		for i := range batch.Facts {
			batch.Facts[i].Sources = []Provenance{{URL: req.SourceURL, Title: req.SourceTitle}}
		}
	}

	e.recordStage(ctx, req.RunID, model, start, usage, nil)
	e.logger.Printf("extracted %d facts about %d entities (%d new)", len(facts), len(subjects), len(newSummaries))
	return batch, nil
}

// registerEntities runs the forced registerEntitySummaries call, retrying
// transient failures.
func (e *Extractor) registerEntities(ctx context.Context, req ExtractionRequest, defs map[string]ontology.TypeDefinition, model string) (news, existing []EntitySummary, usage llm.Usage, err error) {
	messages := []llm.Message{{Role: llm.RoleUser, Text: createRegisterEntitiesPrompt(req, defs)}}
	request := llm.Request{
		SystemPrompt: "You identify entities in content and register them precisely. You never register entities of types outside the requested scope.",
		Messages:     messages,
		Model:        model,
		Tools:        []llm.ToolDefinition{registerEntitiesToolDefinition()},
		ToolChoice:   llm.ToolChoice{Tool: toolRegisterEntitySummaries},
	}

	byID := summariesByID(req.ExistingSummaries)
	tries := e.retries + 1
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return nil, nil, usage, ctx.Err()
			}
		}

		resp, reqErr := e.llm.Request(ctx, request)
		usage.Add(resp.Usage)
		if reqErr != nil {
			lastErr = reqErr
			continue
		}
		if resp.Status != llm.StatusOK && resp.Status != llm.StatusMaxTokens {
			lastErr = fmt.Errorf("entity registration returned status %s", resp.Status)
			continue
		}

		var payload registerEntitiesPayload
		if decodeErr := decodeForcedPayload(resp.Message, toolRegisterEntitySummaries, &payload); decodeErr != nil {
			lastErr = decodeErr
			continue
		}

		seenExisting := map[string]struct{}{}
		for _, entry := range payload.Entities {
			if entry.ExistingEntityID != "" {
				es, ok := byID[entry.ExistingEntityID]
				if !ok {
					e.logger.Printf("registration referenced unknown existing id %s, treating as new", entry.ExistingEntityID)
				} else {
					if _, dup := seenExisting[es.LocalID]; !dup {
						seenExisting[es.LocalID] = struct{}{}
						existing = append(existing, es)
					}
					continue
				}
			}
			name := strings.TrimSpace(entry.Name)
			if name == "" {
				continue
			}
			inScope := intersect(entry.EntityTypeIDs, req.EntityTypeIDs)
			if len(inScope) == 0 {
				continue
			}
			news = append(news, EntitySummary{
				LocalID:       newLocalID(),
				Name:          name,
				Summary:       strings.TrimSpace(entry.Summary),
				EntityTypeIDs: inScope,
			})
		}
		return news, existing, usage, nil
	}
	return nil, nil, usage, &RetryExhaustedError{Stage: "register entities", Attempts: tries, Last: lastErr}
}

// extractFactsForType runs the forced submitFacts conversation for the
// subjects of one type. Each distinct rejected fact, matched by text, gets
// one correction round; a fact rejected twice is dropped for good. Valid
// facts accumulate across rounds, deduplicated by text. A max-tokens
// response is retried with a reduced fact count, consuming the same budget.
func (e *Extractor) extractFactsForType(ctx context.Context, req ExtractionRequest, typeID string, subjects, objects []EntitySummary, model string) ([]Fact, llm.Usage, error) {
	var usage llm.Usage
	byID := summariesByID(objects)
	basePrompt := createSubmitFactsPrompt(req, typeID, subjects, objects)
	messages := []llm.Message{{Role: llm.RoleUser, Text: basePrompt}}
	request := llm.Request{
		SystemPrompt: "You extract factual claims from content. Every claim names its subject verbatim and stays strictly within what the content states.",
		Model:        model,
		Tools:        []llm.ToolDefinition{submitFactsToolDefinition()},
		ToolChoice:   llm.ToolChoice{Tool: toolSubmitFacts},
	}

	var accepted []Fact
	acceptedText := map[string]struct{}{}
	rejectedOnce := map[string]struct{}{}

	tries := e.retries + 1
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return accepted, usage, ctx.Err()
			}
		}

		request.Messages = messages
		resp, reqErr := e.llm.Request(ctx, request)
		usage.Add(resp.Usage)
		if reqErr != nil {
			lastErr = reqErr
			continue
		}
		if resp.Status == llm.StatusMaxTokens {
			// Truncated tool payloads are unusable; restart the conversation
			// with a cap on how many facts to submit.
			lastErr = fmt.Errorf("fact extraction returned status %s", resp.Status)
			messages = []llm.Message{{Role: llm.RoleUser, Text: basePrompt + "\n\n" + reducedFactsPrompt(e.reduced)}}
			continue
		}
		if resp.Status != llm.StatusOK {
			lastErr = fmt.Errorf("fact extraction returned status %s", resp.Status)
			continue
		}

		var payload submitFactsPayload
		if decodeErr := decodeForcedPayload(resp.Message, toolSubmitFacts, &payload); decodeErr != nil {
			lastErr = decodeErr
			continue
		}

		var violations []factViolation
		for _, sub := range payload.Facts {
			text := strings.TrimSpace(sub.Text)
			if text == "" {
				continue
			}
			if _, ok := acceptedText[text]; ok {
				continue
			}
			fact := Fact{
				SubjectEntityLocalID: sub.SubjectEntityID,
				ObjectEntityLocalID:  sub.ObjectEntityID,
				Text:                 text,
				PrepositionalPhrases: sub.PrepositionalPhrases,
			}
			if reason := validateFact(fact, byID); reason != "" {
				if _, seen := rejectedOnce[text]; seen {
					continue
				}
				rejectedOnce[text] = struct{}{}
				violations = append(violations, factViolation{Fact: fact, Reason: reason})
				continue
			}
			fact.FactID = newFactID()
			acceptedText[text] = struct{}{}
			accepted = append(accepted, fact)
		}

		if len(violations) == 0 {
			return accepted, usage, nil
		}
		lastErr = fmt.Errorf("%d facts rejected", len(violations))
		if attempt == tries-1 {
			break
		}

		// One correction round per distinct rejected fact: the violations go
		// back as an error tool result and the model resubmits.
		callID := forcedCallID(resp.Message, toolSubmitFacts)
		messages = append(messages, resp.Message, llm.Message{
			Role: llm.RoleUser,
			ToolResults: []llm.ToolResult{{
				ToolUseID: callID,
				Content:   createFactCorrectionPrompt(violations),
				IsError:   true,
			}},
		})
	}
	return accepted, usage, &RetryExhaustedError{Stage: "extract facts (" + typeID + ")", Attempts: tries, Last: lastErr}
}

// validateFact checks a fact in a fixed order: the subject id must resolve,
// the object id must resolve when set, the text must contain the subject
// name verbatim and the object name verbatim when an object is set. An empty
// return means the fact is valid.
func validateFact(f Fact, byID map[string]EntitySummary) string {
	subject, ok := byID[f.SubjectEntityLocalID]
	if !ok {
		return fmt.Sprintf("unknown subject %q", f.SubjectEntityLocalID)
	}
	var object EntitySummary
	hasObject := f.ObjectEntityLocalID != ""
	if hasObject {
		object, ok = byID[f.ObjectEntityLocalID]
		if !ok {
			return fmt.Sprintf("unknown object %q", f.ObjectEntityLocalID)
		}
	}
	if !strings.Contains(f.Text, subject.Name) {
		return fmt.Sprintf("subject name %q missing from text", subject.Name)
	}
	if hasObject && !strings.Contains(f.Text, object.Name) {
		return fmt.Sprintf("object name %q missing from text", object.Name)
	}
	return ""
}

func (e *Extractor) recordStage(ctx context.Context, runID, model string, start time.Time, usage llm.Usage, err error) {
	if e.telemetry == nil {
		return
	}
	event := telemetry.StageEvent{
		RunID:        runID,
		Stage:        "extraction",
		Model:        model,
		Duration:     time.Since(start),
		Success:      err == nil,
		Cost:         e.llm.CalculateCost(model, usage),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.telemetry.RecordStageEvent(ctx, event)
}

// decodeForcedPayload finds the forced tool call in an assistant message and
// decodes its input into v. When the model answered in text instead, the
// first JSON object in the text is tried as a fallback.
func decodeForcedPayload(msg llm.Message, tool string, v interface{}) error {
	for _, call := range msg.ToolCalls {
		if call.Name == tool {
			if err := json.Unmarshal(call.Input, v); err != nil {
				return fmt.Errorf("decode %s payload: %w", tool, err)
			}
			return nil
		}
	}
	raw, err := helpers.ExtractJSON(msg.Text)
	if err != nil {
		return fmt.Errorf("response carries no %s call and no JSON fallback: %w", tool, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s text fallback: %w", tool, err)
	}
	return nil
}

// forcedCallID returns the id of the forced tool call so a tool result can
// reference it.
func forcedCallID(msg llm.Message, tool string) string {
	for _, call := range msg.ToolCalls {
		if call.Name == tool {
			return call.ID
		}
	}
	return tool
}

// summariesByID indexes summaries by local id.
func summariesByID(pool []EntitySummary) map[string]EntitySummary {
	out := make(map[string]EntitySummary, len(pool))
	for _, es := range pool {
		out[es.LocalID] = es
	}
	return out
}

// unionSummaries merges pools, deduplicated by local id with the first
// occurrence kept.
func unionSummaries(pools ...[]EntitySummary) []EntitySummary {
	seen := map[string]struct{}{}
	var out []EntitySummary
	for _, pool := range pools {
		for _, es := range pool {
			if _, ok := seen[es.LocalID]; ok {
				continue
			}
			seen[es.LocalID] = struct{}{}
			out = append(out, es)
		}
	}
	return out
}

// intersect returns the members of ids that are also in allowed, preserving
// the order of ids.
func intersect(ids, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := allowedSet[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
