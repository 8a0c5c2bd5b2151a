// Package research implements the entity research agent: a bounded
// tool-calling loop that drives an LLM over web pages and PDF files,
// extracts factual claims about entities of declared types, deduplicates
// entity references across extraction batches and assembles the surviving
// entities into proposals. Results are returned in memory; persistence is
// the caller's concern.
package research

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task describes one research assignment.
type Task struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Prompt  string `json:"prompt,omitempty"`

	// StartURL optionally seeds the agent with a first page to read.
	StartURL string `json:"startUrl,omitempty"`

	// EntityTypeIDs and LinkTypeIDs declare the ontology scope of the run.
	// Tool calls referencing types outside this set are rejected.
	EntityTypeIDs []string `json:"entityTypeIds"`
	LinkTypeIDs   []string `json:"linkTypeIds,omitempty"`

	// Model overrides the routed coordination model when set. Sub-agents
	// keep their own routing.
	Model string `json:"model,omitempty"`
}

// EntitySummary is one entity reference discovered during extraction.
// LocalID is opaque and session-scoped; it never survives outside a run.
type EntitySummary struct {
	LocalID       string   `json:"entityId"`
	Name          string   `json:"name"`
	Summary       string   `json:"summary"`
	EntityTypeIDs []string `json:"entityTypeIds"`
}

// Provenance records where a fact was inferred from.
type Provenance struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Page  int    `json:"page,omitempty"`
}

// Fact is one validated factual claim. Text always contains the subject
// entity's name verbatim, and the object entity's name when an object is
// set. Facts are immutable once accepted, except that entity ids are
// rewritten in place when deduplication folds their referent.
type Fact struct {
	FactID               string       `json:"factId"`
	SubjectEntityLocalID string       `json:"subjectEntityId"`
	ObjectEntityLocalID  string       `json:"objectEntityId,omitempty"`
	Text                 string       `json:"text"`
	PrepositionalPhrases []string     `json:"prepositionalPhrases,omitempty"`
	Sources              []Provenance `json:"sources,omitempty"`
}

// DuplicateReport names one canonical entity and the ids that refer to the
// same real-world entity and should be folded into it.
type DuplicateReport struct {
	CanonicalID  string   `json:"canonicalId"`
	DuplicateIDs []string `json:"duplicateIds"`
}

// CompletedToolCall is one dispatched tool invocation together with the
// result echoed back to the model.
type CompletedToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Output  string          `json:"output"`
	IsError bool            `json:"isError,omitempty"`
}

// Iteration is one turn of the agent loop: the assistant text that
// accompanied the tool calls, plus every completed call of the batch.
type Iteration struct {
	AssistantText string              `json:"assistantText,omitempty"`
	Calls         []CompletedToolCall `json:"calls"`
}

// AccessedFile records one file the agent touched, with the entity type it
// was queried for when known.
type AccessedFile struct {
	URL          string    `json:"url"`
	EntityTypeID string    `json:"entityTypeId,omitempty"`
	LoadedAt     time.Time `json:"loadedAt"`
}

// AgentState is the working memory of one research run. It is owned by the
// run loop, which is its only mutator; handlers receive snapshots and return
// effects that the loop applies in completion order.
type AgentState struct {
	CurrentPlan           string          `json:"currentPlan"`
	PreviousCalls         []Iteration     `json:"previousCalls"`
	EntitySummaries       []EntitySummary `json:"entitySummaries"`
	Facts                 []Fact          `json:"facts"`
	InferredFromURLs      []string        `json:"inferredFromUrls"`
	FilesQueried          []AccessedFile  `json:"filesQueried"`
	FilesUsedToInferFacts []AccessedFile  `json:"filesUsedToInferFacts"`
	SubmittedEntityIDs    []string        `json:"submittedEntityIds"`
}

// NewAgentState returns an empty state.
func NewAgentState() *AgentState {
	return &AgentState{}
}

// SummaryByID resolves a local entity id against the active pool.
func (s *AgentState) SummaryByID(id string) (EntitySummary, bool) {
	for _, es := range s.EntitySummaries {
		if es.LocalID == id {
			return es, true
		}
	}
	return EntitySummary{}, false
}

// SummariesSnapshot returns a copy of the active entity pool.
func (s *AgentState) SummariesSnapshot() []EntitySummary {
	out := make([]EntitySummary, len(s.EntitySummaries))
	copy(out, s.EntitySummaries)
	return out
}

// AddInferredFromURL records a URL facts were inferred from, once.
func (s *AgentState) AddInferredFromURL(url string) {
	for _, u := range s.InferredFromURLs {
		if u == url {
			return
		}
	}
	s.InferredFromURLs = append(s.InferredFromURLs, url)
}

// AddFileQueried records a file lookup, once per URL.
func (s *AgentState) AddFileQueried(file AccessedFile) {
	for _, f := range s.FilesQueried {
		if f.URL == file.URL {
			return
		}
	}
	s.FilesQueried = append(s.FilesQueried, file)
}

// addFilesUsed unions files into FilesUsedToInferFacts, deduplicated by URL
// with the first occurrence kept.
func (s *AgentState) addFilesUsed(files []AccessedFile) {
	seen := make(map[string]struct{}, len(s.FilesUsedToInferFacts))
	for _, f := range s.FilesUsedToInferFacts {
		seen[f.URL] = struct{}{}
	}
	for _, f := range files {
		if _, ok := seen[f.URL]; ok {
			continue
		}
		seen[f.URL] = struct{}{}
		s.FilesUsedToInferFacts = append(s.FilesUsedToInferFacts, f)
	}
}

// FactsAbout returns the facts whose subject is the given entity id.
func (s *AgentState) FactsAbout(entityID string) []Fact {
	var out []Fact
	for _, f := range s.Facts {
		if f.SubjectEntityLocalID == entityID {
			out = append(out, f)
		}
	}
	return out
}

// ExtractionBatch is the output of one fact extraction: the newly registered
// entity summaries, the validated facts about them and the files they were
// inferred from. Batches are merged into AgentState by the merger.
type ExtractionBatch struct {
	Summaries []EntitySummary
	Facts     []Fact
	FilesUsed []AccessedFile
}

// Empty reports whether the batch carries nothing to merge.
func (b ExtractionBatch) Empty() bool {
	return len(b.Summaries) == 0 && len(b.Facts) == 0 && len(b.FilesUsed) == 0
}

// LinkCandidates lists, for one link type, the entity ids that qualify as
// link targets for a proposed entity.
type LinkCandidates struct {
	LinkTypeID string   `json:"linkTypeId"`
	TargetIDs  []string `json:"targetEntityIds"`
}

// ProposalRequest is the assembler output for one surviving entity: the
// summary, every fact about it and the candidate link targets per link type.
// Link types with no candidates are omitted entirely.
type ProposalRequest struct {
	Entity EntitySummary    `json:"entity"`
	Facts  []Fact           `json:"facts"`
	Links  []LinkCandidates `json:"links,omitempty"`
}

// ProposedLink is one accepted link on a finished proposal.
type ProposedLink struct {
	LinkTypeID    string `json:"linkTypeId"`
	TargetLocalID string `json:"targetEntityId"`
}

// EntityProposal is one finished proposal: the entity, its facts, accepted
// links and, when property synthesis ran, the synthesized property values
// and narrative summary.
type EntityProposal struct {
	Entity     EntitySummary          `json:"entity"`
	Facts      []Fact                 `json:"facts"`
	Links      []ProposedLink         `json:"links,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
}

// RunStatus is the terminal outcome of one research run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusAborted   RunStatus = "aborted"
	StatusFailed    RunStatus = "failed"
)

// Result is the in-memory output of one run. Aborted and failed runs carry
// no proposals.
type Result struct {
	RunID      string           `json:"runId"`
	TaskID     string           `json:"taskId"`
	Subject    string           `json:"subject"`
	Status     RunStatus        `json:"status"`
	Proposals  []EntityProposal `json:"proposals,omitempty"`
	Facts      []Fact           `json:"facts,omitempty"`
	Summaries  []EntitySummary  `json:"entitySummaries,omitempty"`
	Files      []AccessedFile   `json:"filesUsedToInferFacts,omitempty"`
	Plan       string           `json:"plan,omitempty"`
	Suggestion string           `json:"suggestionForNextSteps,omitempty"`
	Iterations int              `json:"iterations"`
	Cost       float64          `json:"cost"`
	Tokens     int64            `json:"tokens"`
	StartedAt  time.Time        `json:"startedAt"`
	Duration   time.Duration    `json:"duration"`
	Error      string           `json:"error,omitempty"`
}

// newLocalID mints a session-scoped entity id.
func newLocalID() string { return uuid.New().String() }

// newFactID mints a fact id.
func newFactID() string { return uuid.New().String() }

// sortSummariesByName orders a summary pool deterministically by name,
// breaking ties on local id. Dedup prompts are built from this order so a
// given pool always renders identically.
func sortSummariesByName(pool []EntitySummary) []EntitySummary {
	out := make([]EntitySummary, len(pool))
	copy(out, pool)
	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out
}
