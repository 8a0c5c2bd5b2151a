package research

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/fetch"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/pdfindex"
)

// stubLLM scripts model behavior per request. The handler sees every request
// the components issue; requests are recorded for assertions.
type stubLLM struct {
	mu       sync.Mutex
	handler  func(req llm.Request) (llm.Response, error)
	requests []llm.Request
}

func (s *stubLLM) Request(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{Status: llm.StatusAborted}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	handler := s.handler
	s.mu.Unlock()
	return handler(req)
}

func (s *stubLLM) ModelFor(kind llm.TaskKind) string { return "test-model" }

func (s *stubLLM) CalculateCost(model string, usage llm.Usage) float64 {
	return float64(usage.InputTokens+usage.OutputTokens) / 1000.0
}

func (s *stubLLM) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubLLM) requestAt(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// toolResponse builds an ok response carrying one tool call with the given
// payload.
func toolResponse(tool string, payload interface{}) llm.Response {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return llm.Response{
		Status: llm.StatusOK,
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolUse{{ID: "tu_" + tool, Name: tool, Input: raw}},
		},
		Usage: llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func textResponse(text string) llm.Response {
	return llm.Response{
		Status:  llm.StatusOK,
		Message: llm.Message{Role: llm.RoleAssistant, Text: text},
		Usage:   llm.Usage{InputTokens: 100, OutputTokens: 50},
	}
}

func statusResponse(status llm.Status) llm.Response {
	return llm.Response{Status: status, Message: llm.Message{Role: llm.RoleAssistant}}
}

var renderedSummaryRe = regexp.MustCompile(`id=([0-9a-f-]+) name="([^"]+)"`)

// parseRenderedSummaries extracts id-by-name pairs from prompt or tool
// output text rendered by renderSummaries.
func parseRenderedSummaries(text string) map[string]string {
	out := map[string]string{}
	for _, m := range renderedSummaryRe.FindAllStringSubmatch(text, -1) {
		out[m[2]] = m[1]
	}
	return out
}

func testCatalog() *ontology.Catalog {
	catalog, err := ontology.NewCatalog(
		ontology.TypeDefinition{ID: "company", Title: "Company", Description: "A commercial organization"},
		ontology.TypeDefinition{ID: "person", Title: "Person"},
		ontology.TypeDefinition{ID: "founded_by", Title: "Founded by", IsLink: true, LinkDestinations: []string{"person"}},
		ontology.TypeDefinition{ID: "acquired", Title: "Acquired", IsLink: true, LinkDestinations: []string{"company"}},
	)
	if err != nil {
		panic(err)
	}
	return catalog
}

func testResearchConfig() config.ResearchConfig {
	return config.ResearchConfig{
		MaxIterations:      10,
		PlanningRetries:    2,
		RequestRetries:     1,
		ExtractionRetries:  2,
		DedupRetries:       2,
		RetryDelay:         time.Millisecond,
		MaxConcurrentTools: 4,
		ReducedFactCount:   40,
	}
}

func testTask() Task {
	return Task{
		ID:            "task-1",
		Subject:       "Acme Corp",
		Prompt:        "Research the company and its acquisitions.",
		EntityTypeIDs: []string{"company", "person"},
		LinkTypeIDs:   []string{"founded_by", "acquired"},
	}
}

// stubPageFetcher serves canned pages and HEAD results.
type stubPageFetcher struct {
	mu          sync.Mutex
	page        fetch.Page
	fetchErr    error
	contentType string
	status      int
	headErr     error
	fetches     int
	heads       int
}

func (s *stubPageFetcher) Fetch(ctx context.Context, rawURL string) (fetch.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return fetch.Page{}, s.fetchErr
	}
	page := s.page
	if page.URL == "" {
		page.URL = rawURL
	}
	return page, nil
}

func (s *stubPageFetcher) Head(ctx context.Context, rawURL string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads++
	if s.headErr != nil {
		return "", 0, s.headErr
	}
	status := s.status
	if status == 0 {
		status = 200
	}
	contentType := s.contentType
	if contentType == "" {
		contentType = "text/html"
	}
	return contentType, status, nil
}

// stubPDF serves canned ranked chunks.
type stubPDF struct {
	hits []pdfindex.Hit
	err  error
}

func (s *stubPDF) Query(ctx context.Context, fileURL, queryText string) ([]pdfindex.Hit, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

// stubExtractor returns a fixed batch.
type stubExtractor struct {
	mu    sync.Mutex
	batch ExtractionBatch
	err   error
	calls int
	last  ExtractionRequest
}

func (s *stubExtractor) Extract(ctx context.Context, req ExtractionRequest) (ExtractionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	if s.err != nil {
		return ExtractionBatch{}, s.err
	}
	return s.batch, nil
}

// stubMerger appends batches without dedup and counts merges.
type stubMerger struct {
	mu     sync.Mutex
	merges int
}

func (s *stubMerger) Merge(ctx context.Context, runID string, state *AgentState, batch ExtractionBatch) (MergeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges++
	state.EntitySummaries = append(state.EntitySummaries, batch.Summaries...)
	state.Facts = append(state.Facts, batch.Facts...)
	state.addFilesUsed(batch.FilesUsed)
	return MergeStats{NewSummaries: len(batch.Summaries), NewFacts: len(batch.Facts)}, nil
}

// countingFinder records dedup invocations and returns scripted reports.
type countingFinder struct {
	mu      sync.Mutex
	reports []DuplicateReport
	err     error
	calls   int
	pools   [][]EntitySummary
}

func (c *countingFinder) FindDuplicates(ctx context.Context, runID string, pool []EntitySummary) ([]DuplicateReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.pools = append(c.pools, append([]EntitySummary{}, pool...))
	if c.err != nil {
		return nil, c.err
	}
	return c.reports, nil
}
