package research

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/prospector/internal/llm"
)

// Tool names offered to the coordination model. The set is fixed; names
// outside it are rejected at the dispatch boundary.
const (
	ToolGetWebPageInnerHTML    = "getWebPageInnerHtml"
	ToolInferFactsFromWebPage  = "inferFactsFromWebPage"
	ToolInferFactsFromText     = "inferFactsFromText"
	ToolQueryFactsFromPdf      = "queryFactsFromPdf"
	ToolSubmitProposedEntities = "submitProposedEntities"
	ToolUpdatePlan             = "updatePlan"
	ToolComplete               = "complete"
	ToolTerminate              = "terminate"
)

// Internal tool names forced on sub-agent calls. They never appear in the
// coordination tool set.
const (
	toolRegisterEntitySummaries = "registerEntitySummaries"
	toolSubmitFacts             = "submitFacts"
	toolReportDuplicates        = "reportDuplicates"
	toolProposeEntity           = "proposeEntity"
)

// getWebPageInput fetches a page and returns its sanitized inner HTML.
type getWebPageInput struct {
	Explanation string `json:"explanation"`
	URL         string `json:"url"`
}

func (in *getWebPageInput) validate() error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	if strings.TrimSpace(in.URL) == "" {
		return validationErrorf("url is required")
	}
	return nil
}

// inferFactsInput covers both inferFactsFromWebPage and inferFactsFromText;
// exactly one of URL and Text is set depending on the tool name.
type inferFactsInput struct {
	Explanation              string   `json:"explanation"`
	URL                      string   `json:"url,omitempty"`
	Text                     string   `json:"text,omitempty"`
	Prompt                   string   `json:"prompt"`
	EntityTypeIDs            []string `json:"entityTypeIds,omitempty"`
	ExpectedNumberOfEntities *int     `json:"expectedNumberOfEntities,omitempty"`
}

func (in *inferFactsInput) validate(fromWebPage bool) error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	if fromWebPage {
		if strings.TrimSpace(in.URL) == "" {
			return validationErrorf("url is required")
		}
	} else if strings.TrimSpace(in.Text) == "" {
		return validationErrorf("text must not be empty")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return validationErrorf("prompt is required")
	}
	if in.ExpectedNumberOfEntities != nil && *in.ExpectedNumberOfEntities < 1 {
		return validationErrorf("expectedNumberOfEntities must be at least 1, got %d", *in.ExpectedNumberOfEntities)
	}
	return nil
}

// queryFactsFromPdfInput ranks PDF chunks against a description and runs
// fact extraction over the best ones.
type queryFactsFromPdfInput struct {
	Explanation            string   `json:"explanation"`
	FileURL                string   `json:"fileUrl"`
	Description            string   `json:"description"`
	ExampleText            string   `json:"exampleText"`
	RelevantEntitiesPrompt string   `json:"relevantEntitiesPrompt"`
	EntityTypeIDs          []string `json:"entityTypeIds"`
}

func (in *queryFactsFromPdfInput) validate() error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	if strings.TrimSpace(in.FileURL) == "" {
		return validationErrorf("fileUrl is required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return validationErrorf("description is required")
	}
	if strings.TrimSpace(in.RelevantEntitiesPrompt) == "" {
		return validationErrorf("relevantEntitiesPrompt is required")
	}
	return nil
}

// submitProposedEntitiesInput marks entities as ready to propose.
type submitProposedEntitiesInput struct {
	Explanation string   `json:"explanation"`
	EntityIDs   []string `json:"entityIds"`
}

func (in *submitProposedEntitiesInput) validate() error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	if len(in.EntityIDs) == 0 {
		return validationErrorf("entityIds must not be empty")
	}
	return nil
}

// updatePlanInput replaces the current plan.
type updatePlanInput struct {
	Explanation string `json:"explanation"`
	Plan        string `json:"plan"`
}

func (in *updatePlanInput) validate() error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	if strings.TrimSpace(in.Plan) == "" {
		return validationErrorf("plan must not be empty")
	}
	return nil
}

// completeInput ends the run successfully.
type completeInput struct {
	Explanation            string `json:"explanation"`
	SuggestionForNextSteps string `json:"suggestionForNextSteps"`
}

func (in *completeInput) validate() error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	return nil
}

// terminateInput ends the run without output.
type terminateInput struct {
	Explanation string `json:"explanation"`
}

func (in *terminateInput) validate() error {
	if strings.TrimSpace(in.Explanation) == "" {
		return validationErrorf("explanation is required")
	}
	return nil
}

// parseToolInput decodes and validates a tool payload against the fixed tool
// set. Unknown tool names and malformed payloads are rejected here so
// handlers only ever see structurally valid input.
func parseToolInput(name string, raw json.RawMessage) (interface{}, error) {
	decode := func(v interface{}) error {
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return validationErrorf("malformed input for %s: %v", name, err)
		}
		return nil
	}

	switch name {
	case ToolGetWebPageInnerHTML:
		var in getWebPageInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate()
	case ToolInferFactsFromWebPage:
		var in inferFactsInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate(true)
	case ToolInferFactsFromText:
		var in inferFactsInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate(false)
	case ToolQueryFactsFromPdf:
		var in queryFactsFromPdfInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate()
	case ToolSubmitProposedEntities:
		var in submitProposedEntitiesInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate()
	case ToolUpdatePlan:
		var in updatePlanInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate()
	case ToolComplete:
		var in completeInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate()
	case ToolTerminate:
		var in terminateInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return &in, in.validate()
	default:
		return nil, validationErrorf("unknown tool %q", name)
	}
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func integerProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func stringArrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

const explanationDesc = "One sentence on why this call advances the research plan."

// agentToolDefinitions builds the fixed tool set offered on every
// coordination request. typeIDs renders the declared entity types into the
// descriptions so the model knows the legal scope values.
func agentToolDefinitions(entityTypeIDs []string) []llm.ToolDefinition {
	scope := strings.Join(entityTypeIDs, ", ")
	return []llm.ToolDefinition{
		{
			Name:        ToolGetWebPageInnerHTML,
			Description: "Fetch a web page and return its sanitized inner HTML. Use this to inspect a page before deciding what to extract from it. Not for PDF files.",
			InputSchema: map[string]interface{}{
				"explanation": stringProp(explanationDesc),
				"url":         stringProp("Absolute http(s) URL of the page to fetch."),
			},
			Required: []string{"explanation", "url"},
		},
		{
			Name:        ToolInferFactsFromWebPage,
			Description: "Fetch a web page and extract entity summaries and facts from its content. Registers the entities it finds and records validated facts about them.",
			InputSchema: map[string]interface{}{
				"explanation":              stringProp(explanationDesc),
				"url":                      stringProp("Absolute http(s) URL of the page to extract from."),
				"prompt":                   stringProp("What to look for in the page, phrased as extraction instructions."),
				"entityTypeIds":            stringArrayProp(fmt.Sprintf("Entity type ids to scope extraction to. Must be a subset of: %s.", scope)),
				"expectedNumberOfEntities": integerProp("How many entities the page is expected to yield, when known. Minimum 1."),
			},
			Required: []string{"explanation", "url", "prompt"},
		},
		{
			Name:        ToolInferFactsFromText,
			Description: "Extract entity summaries and facts from text you already have, for example content returned by an earlier page fetch.",
			InputSchema: map[string]interface{}{
				"explanation":              stringProp(explanationDesc),
				"text":                     stringProp("The text to extract from. Must not be empty."),
				"prompt":                   stringProp("What to look for in the text, phrased as extraction instructions."),
				"entityTypeIds":            stringArrayProp(fmt.Sprintf("Entity type ids to scope extraction to. Must be a subset of: %s.", scope)),
				"expectedNumberOfEntities": integerProp("How many entities the text is expected to yield, when known. Minimum 1."),
			},
			Required: []string{"explanation", "text", "prompt"},
		},
		{
			Name:        ToolQueryFactsFromPdf,
			Description: "Query a PDF file for passages matching a description, then extract entity summaries and facts from the best matching passages.",
			InputSchema: map[string]interface{}{
				"explanation":            stringProp(explanationDesc),
				"fileUrl":                stringProp("Absolute http(s) URL of the PDF file."),
				"description":            stringProp("What information to look for in the file."),
				"exampleText":            stringProp("An example of the kind of passage that would answer the description."),
				"relevantEntitiesPrompt": stringProp("Extraction instructions for the entities expected in the matching passages."),
				"entityTypeIds":          stringArrayProp(fmt.Sprintf("Entity type ids to scope extraction to. Must be a subset of: %s.", scope)),
			},
			Required: []string{"explanation", "fileUrl", "description", "exampleText", "relevantEntitiesPrompt"},
		},
		{
			Name:        ToolSubmitProposedEntities,
			Description: "Mark researched entities as ready to propose. Only submitted entities are assembled into proposals when you complete the run.",
			InputSchema: map[string]interface{}{
				"explanation": stringProp(explanationDesc),
				"entityIds":   stringArrayProp("Entity ids previously registered during extraction."),
			},
			Required: []string{"explanation", "entityIds"},
		},
		{
			Name:        ToolUpdatePlan,
			Description: "Replace the current research plan. Use when findings change what should happen next.",
			InputSchema: map[string]interface{}{
				"explanation": stringProp(explanationDesc),
				"plan":        stringProp("The full revised plan."),
			},
			Required: []string{"explanation", "plan"},
		},
		{
			Name:        ToolComplete,
			Description: "Finish the run successfully. Call once the submitted entities cover the research objective.",
			InputSchema: map[string]interface{}{
				"explanation":            stringProp(explanationDesc),
				"suggestionForNextSteps": stringProp("What a follow-up run should look into, if anything."),
			},
			Required: []string{"explanation"},
		},
		{
			Name:        ToolTerminate,
			Description: "Abort the run without producing entities. Call only when the objective cannot be met, for example when sources are unreachable or out of scope.",
			InputSchema: map[string]interface{}{
				"explanation": stringProp(explanationDesc),
			},
			Required: []string{"explanation"},
		},
	}
}

// registerEntitiesToolDefinition is forced on the first extraction call.
func registerEntitiesToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        toolRegisterEntitySummaries,
		Description: "Register every entity of the requested types present in the content. Reuse an existing entity id when the content refers to an entity already listed; assign no id for new entities.",
		InputSchema: map[string]interface{}{
			"entities": map[string]interface{}{
				"type":        "array",
				"description": "One entry per distinct entity in the content.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"existingEntityId": stringProp("Id of an already-known entity this content refers to. Omit for new entities."),
						"name":             stringProp("The entity's name as the content states it."),
						"summary":          stringProp("One or two sentences on what the content says about the entity."),
						"entityTypeIds":    stringArrayProp("Entity type ids that apply to this entity."),
					},
					"required": []string{"name", "summary", "entityTypeIds"},
				},
			},
		},
		Required: []string{"entities"},
	}
}

// submitFactsToolDefinition is forced on fact extraction calls.
func submitFactsToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        toolSubmitFacts,
		Description: "Submit factual claims about the listed subject entities. Every fact's text must contain the subject entity's name verbatim, and the object entity's name verbatim when an object is referenced.",
		InputSchema: map[string]interface{}{
			"facts": map[string]interface{}{
				"type":        "array",
				"description": "The facts found in the content.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"subjectEntityId":      stringProp("Id of the subject entity."),
						"objectEntityId":       stringProp("Id of the object entity when the fact relates two entities. Omit otherwise."),
						"text":                 stringProp("The factual claim, containing the subject name verbatim and the object name verbatim when set."),
						"prepositionalPhrases": stringArrayProp("Qualifying phrases such as dates, places or amounts."),
					},
					"required": []string{"subjectEntityId", "text"},
				},
			},
		},
		Required: []string{"facts"},
	}
}

// reportDuplicatesToolDefinition is forced on dedup calls.
func reportDuplicatesToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        toolReportDuplicates,
		Description: "Report groups of entity ids that refer to the same real-world entity. Never group entities that are merely similar, related or different versions, generations or models of one another. When uncertain, do not report the pair.",
		InputSchema: map[string]interface{}{
			"duplicates": map[string]interface{}{
				"type":        "array",
				"description": "One entry per group of duplicate ids. Empty when there are no duplicates.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"canonicalId":  stringProp("Id of the entry to keep. Must not appear in any duplicateIds list."),
						"duplicateIds": stringArrayProp("Ids to fold into the canonical entry."),
					},
					"required": []string{"canonicalId", "duplicateIds"},
				},
			},
		},
		Required: []string{"duplicates"},
	}
}

// proposeEntityToolDefinition is forced on property synthesis calls.
func proposeEntityToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        toolProposeEntity,
		Description: "Propose the final form of one researched entity: property values grounded in the listed facts, a narrative summary and the links to accept from the candidate targets.",
		InputSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"type":        "object",
				"description": "Property values for the entity, following the entity type schema. Only include values the facts support.",
			},
			"summary": stringProp("A short narrative summary of the entity grounded in the facts."),
			"links": map[string]interface{}{
				"type":        "array",
				"description": "Links to accept. Targets must come from the candidate lists.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"linkTypeId":      stringProp("Link type id."),
						"targetEntityIds": stringArrayProp("Ids of the target entities to link."),
					},
					"required": []string{"linkTypeId", "targetEntityIds"},
				},
			},
		},
		Required: []string{"summary"},
	}
}
