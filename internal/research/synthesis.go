package research

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

type synthesisLink struct {
	LinkTypeID      string   `json:"linkTypeId"`
	TargetEntityIDs []string `json:"targetEntityIds"`
}

type proposeEntityPayload struct {
	Properties map[string]interface{} `json:"properties"`
	Summary    string                 `json:"summary"`
	Links      []synthesisLink        `json:"links"`
}

// Synthesizer fills assembled proposal requests into finished proposals with
// one forced model call per entity. Synthesis is an enrichment step: any
// failure degrades to a minimal proposal carrying the entity and its facts
// unchanged, never to a lost entity.
type Synthesizer struct {
	llm       llmClient
	resolver  ontology.Resolver
	retries   int
	delay     time.Duration
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewSynthesizer builds a synthesizer bounded by the research configuration.
func NewSynthesizer(client llmClient, resolver ontology.Resolver, cfg config.ResearchConfig, tel *telemetry.Telemetry) *Synthesizer {
	retries := cfg.RequestRetries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Synthesizer{
		llm:       client,
		resolver:  resolver,
		retries:   retries,
		delay:     delay,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Propose synthesizes property values, a narrative summary and accepted
// links for one assembled entity. Links outside the request's candidate
// lists are discarded.
func (s *Synthesizer) Propose(ctx context.Context, runID string, req ProposalRequest) (EntityProposal, error) {
	minimal := EntityProposal{Entity: req.Entity, Facts: req.Facts, Summary: req.Entity.Summary}
	if len(req.Facts) == 0 {
		return minimal, nil
	}

	start := time.Now()
	model := s.llm.ModelFor(llm.TaskSynthesis)
	var usage llm.Usage

	defs, err := s.resolver.Dereference(ctx, req.Entity.EntityTypeIDs)
	if err != nil {
		s.logger.Printf("synthesis for %s skipped, cannot resolve types: %v", req.Entity.Name, err)
		return minimal, nil
	}

	request := llm.Request{
		SystemPrompt: "You turn verified facts into a structured entity proposal. You state only what the facts support.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Text: createSynthesisPrompt(req, defs)}},
		Model:        model,
		Tools:        []llm.ToolDefinition{proposeEntityToolDefinition()},
		ToolChoice:   llm.ToolChoice{Tool: toolProposeEntity},
	}

	tries := s.retries + 1
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return minimal, ctx.Err()
			}
		}

		resp, reqErr := s.llm.Request(ctx, request)
		usage.Add(resp.Usage)
		if ctx.Err() != nil {
			return minimal, ctx.Err()
		}
		if reqErr != nil || resp.Status != llm.StatusOK {
			lastErr = reqErr
			if lastErr == nil {
				lastErr = fmt.Errorf("synthesis returned status %s", resp.Status)
			}
			continue
		}

		var payload proposeEntityPayload
		if decodeErr := decodeForcedPayload(resp.Message, toolProposeEntity, &payload); decodeErr != nil {
			lastErr = decodeErr
			continue
		}

		proposal := EntityProposal{
			Entity:     req.Entity,
			Facts:      req.Facts,
			Properties: payload.Properties,
			Summary:    payload.Summary,
			Links:      acceptLinks(payload.Links, req.Links),
		}
		if proposal.Summary == "" {
			proposal.Summary = req.Entity.Summary
		}
		s.recordStage(ctx, runID, model, start, usage, nil)
		return proposal, nil
	}

	s.logger.Printf("synthesis for %s degraded to minimal proposal: %v", req.Entity.Name, lastErr)
	s.recordStage(ctx, runID, model, start, usage, lastErr)
	return minimal, nil
}

// acceptLinks keeps only synthesized links whose type and targets come from
// the assembled candidate lists.
func acceptLinks(proposed []synthesisLink, candidates []LinkCandidates) []ProposedLink {
	allowed := make(map[string]map[string]struct{}, len(candidates))
	for _, lc := range candidates {
		targets := make(map[string]struct{}, len(lc.TargetIDs))
		for _, id := range lc.TargetIDs {
			targets[id] = struct{}{}
		}
		allowed[lc.LinkTypeID] = targets
	}

	seen := map[string]struct{}{}
	var out []ProposedLink
	for _, link := range proposed {
		targets, ok := allowed[link.LinkTypeID]
		if !ok {
			continue
		}
		for _, target := range link.TargetEntityIDs {
			if _, ok := targets[target]; !ok {
				continue
			}
			key := link.LinkTypeID + "\x00" + target
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, ProposedLink{LinkTypeID: link.LinkTypeID, TargetLocalID: target})
		}
	}
	return out
}

func (s *Synthesizer) recordStage(ctx context.Context, runID, model string, start time.Time, usage llm.Usage, err error) {
	if s.telemetry == nil {
		return
	}
	event := telemetry.StageEvent{
		RunID:        runID,
		Stage:        "synthesis",
		Model:        model,
		Duration:     time.Since(start),
		Success:      err == nil,
		Cost:         s.llm.CalculateCost(model, usage),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.telemetry.RecordStageEvent(ctx, event)
}
