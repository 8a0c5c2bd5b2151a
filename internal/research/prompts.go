package research

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/prospector/internal/ontology"
)

// renderTypeDefinitions renders type definitions in the order of ids.
func renderTypeDefinitions(ids []string, defs map[string]ontology.TypeDefinition) string {
	var b strings.Builder
	for _, id := range ids {
		def, ok := defs[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", def.ID, def.Title)
		if def.Description != "" {
			fmt.Fprintf(&b, " (%s)", def.Description)
		}
		if def.IsLink && len(def.LinkDestinations) > 0 {
			fmt.Fprintf(&b, " [targets: %s]", strings.Join(def.LinkDestinations, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderSummaries renders an entity pool one entity per line.
func renderSummaries(pool []EntitySummary) string {
	var b strings.Builder
	for _, es := range pool {
		fmt.Fprintf(&b, "- id=%s name=%q types=[%s]: %s\n",
			es.LocalID, es.Name, strings.Join(es.EntityTypeIDs, ", "), es.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderFacts renders facts one per line with their ids.
func renderFacts(facts []Fact) string {
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- [%s] %s", f.FactID, f.Text)
		if len(f.PrepositionalPhrases) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(f.PrepositionalPhrases, "; "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// createCoordinationSystemPrompt builds the system prompt for agent loop
// requests. The current plan is rendered into it, so plan updates change
// every subsequent request.
func createCoordinationSystemPrompt(task Task, defs map[string]ontology.TypeDefinition, plan string) string {
	entityTypes := renderTypeDefinitions(task.EntityTypeIDs, defs)
	linkTypes := renderTypeDefinitions(task.LinkTypeIDs, defs)
	if linkTypes == "" {
		linkTypes = "(none declared)"
	}
	instructions := task.Prompt
	if instructions == "" {
		instructions = "(none)"
	}
	planBlock := plan
	if planBlock == "" {
		planBlock = "(not yet planned)"
	}

	return fmt.Sprintf(`You are a research agent that discovers entities and factual claims about them from web pages and PDF files.

RESEARCH SUBJECT: %s

CALLER INSTRUCTIONS: %s

ENTITY TYPES IN SCOPE:
%s

LINK TYPES IN SCOPE:
%s

CURRENT PLAN:
%s

RULES:
1. Work strictly within the declared entity types. Do not research entities of other types.
2. Read pages with getWebPageInnerHtml before extracting when you are unsure what a page contains.
3. Extract with inferFactsFromWebPage, inferFactsFromText or queryFactsFromPdf. Extraction registers entities and records validated facts; the tool result lists the registered entity ids.
4. Submit entities you consider fully researched with submitProposedEntities. Only submitted entities become proposals.
5. Keep the plan current with updatePlan when findings change your approach.
6. Call complete once the submitted entities cover the research objective. Call terminate only when the objective cannot be met at all.
7. Every tool call carries an explanation of how it advances the plan.`,
		task.Subject, instructions, entityTypes, linkTypes, planBlock)
}

// createPlanningPrompt builds the first user message, which asks for a
// plain-text plan before any tools may be called.
func createPlanningPrompt(task Task) string {
	seed := ""
	if task.StartURL != "" {
		seed = fmt.Sprintf("\nSTART URL: %s\n", task.StartURL)
	}
	return fmt.Sprintf(`Plan the research before touching any tools.
%s
Write a short numbered plan: which sources to consult, what to extract from each and when the run is done. Respond with the plan text only. Do not call tools yet.`, seed)
}

// planningRejectionPrompt re-prompts when the model called tools during
// planning.
const planningRejectionPrompt = `Do not call tools yet. First respond with the plan as plain text. Tools become available after the plan.`

// proceedPrompt opens the tool-calling phase after the plan is accepted.
const proceedPrompt = `The plan is recorded. Proceed with it now by calling tools. Remember to submit researched entities and to call complete when done.`

// continuePrompt nudges the model when a response carried no tool calls
// during the tool-calling phase.
const continuePrompt = `Continue the research by calling tools. Call complete if the objective is covered, or terminate if it cannot be met.`

// createRegisterEntitiesPrompt builds the user content for the entity
// registration call of an extraction.
func createRegisterEntitiesPrompt(req ExtractionRequest, defs map[string]ontology.TypeDefinition) string {
	existing := renderSummaries(req.ExistingSummaries)
	if existing == "" {
		existing = "(none)"
	}
	expected := ""
	if req.ExpectedEntities > 0 {
		expected = fmt.Sprintf("\nEXPECTED NUMBER OF ENTITIES: %d\n", req.ExpectedEntities)
	}
	return fmt.Sprintf(`Identify every entity of the requested types in the content below.

EXTRACTION INSTRUCTIONS: %s

ENTITY TYPES IN SCOPE:
%s

ALREADY KNOWN ENTITIES:
%s
%s
REQUIREMENTS:
1. Register each distinct entity exactly once.
2. When the content refers to an already known entity, set existingEntityId to its id instead of creating a new entry.
3. Only register entities of the types in scope.
4. Keep summaries to one or two sentences grounded in the content.

CONTENT:
%s`, req.Prompt, renderTypeDefinitions(req.EntityTypeIDs, defs), existing, expected, req.Text)
}

// createSubmitFactsPrompt builds the user content for one fact extraction
// call, scoped to the subjects of a single entity type.
func createSubmitFactsPrompt(req ExtractionRequest, typeID string, subjects, objects []EntitySummary) string {
	objectsBlock := renderSummaries(objects)
	if objectsBlock == "" {
		objectsBlock = "(none)"
	}
	return fmt.Sprintf(`Extract factual claims about the subject entities from the content below.

EXTRACTION INSTRUCTIONS: %s

SUBJECT ENTITIES (type %s):
%s

ENTITIES THAT MAY APPEAR AS OBJECTS:
%s

REQUIREMENTS:
1. Each fact is one standalone factual claim from the content, attributed to a subject entity by id.
2. The fact text must contain the subject entity's name verbatim.
3. When a fact relates the subject to another listed entity, set objectEntityId and include that entity's name verbatim in the text.
4. Record qualifying details such as dates, places and amounts as prepositionalPhrases.
5. Only state what the content supports. Do not infer beyond it.

CONTENT:
%s`, req.Prompt, typeID, renderSummaries(subjects), objectsBlock, req.Text)
}

// createFactCorrectionPrompt enumerates the violations of invalid facts for
// the single correction round they get.
func createFactCorrectionPrompt(violations []factViolation) string {
	var b strings.Builder
	b.WriteString("Some submitted facts were rejected:\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "- %q: %s\n", v.Fact.Text, v.Reason)
	}
	b.WriteString("\nResubmit corrected versions of the rejected facts only. Facts already accepted must not be submitted again.")
	return b.String()
}

// reducedFactsPrompt asks for a smaller resubmission after a max-tokens
// response.
func reducedFactsPrompt(limit int) string {
	return fmt.Sprintf("The previous response was cut off because it was too long. Submit at most %d facts, keeping the most important ones.", limit)
}

// createDedupPrompt renders the deterministic name-sorted pool for a
// duplicate detection call.
func createDedupPrompt(pool []EntitySummary) string {
	return fmt.Sprintf(`Review the entity pool below and report which entries refer to the same real-world entity.

ENTITY POOL:
%s

REQUIREMENTS:
1. Group ids only when the entries clearly refer to the same real-world entity, for example the same company under a former name or an abbreviation.
2. Never group entities that are merely similar or related, and never group different versions, generations or models of a product line.
3. When uncertain, do not report the pair.
4. Pick the entry with the most complete summary as the canonical id of each group.
5. Report an empty list when there are no duplicates.`, renderSummaries(pool))
}

// dedupHighConfidencePrompt asks for a smaller report after max-tokens.
const dedupHighConfidencePrompt = `The previous response was cut off. Report only the duplicate groups you are most confident about, and keep the list short.`

// createSynthesisPrompt builds the user content for one proposal synthesis
// call.
func createSynthesisPrompt(req ProposalRequest, defs map[string]ontology.TypeDefinition) string {
	var links strings.Builder
	for _, lc := range req.Links {
		fmt.Fprintf(&links, "- %s: candidate targets %s\n", lc.LinkTypeID, strings.Join(lc.TargetIDs, ", "))
	}
	linksBlock := strings.TrimRight(links.String(), "\n")
	if linksBlock == "" {
		linksBlock = "(none)"
	}
	var schemas strings.Builder
	for _, id := range req.Entity.EntityTypeIDs {
		if def, ok := defs[id]; ok && len(def.Schema) > 0 {
			fmt.Fprintf(&schemas, "%s: %s\n", id, string(def.Schema))
		}
	}
	schemaBlock := strings.TrimRight(schemas.String(), "\n")
	if schemaBlock == "" {
		schemaBlock = "(no property schema declared)"
	}

	return fmt.Sprintf(`Propose the final form of the entity below from its facts.

ENTITY:
%s

PROPERTY SCHEMAS:
%s

FACTS:
%s

CANDIDATE LINKS:
%s

REQUIREMENTS:
1. Fill only property values the facts support; leave unsupported properties out.
2. Ground the summary in the facts. Do not add outside knowledge.
3. Accept a link only when a fact justifies it, and only from the candidate target lists.`,
		renderSummaries([]EntitySummary{req.Entity}), schemaBlock, renderFacts(req.Facts), linksBlock)
}
