package research

import (
	"context"
	"log"
)

// duplicateFinder is the dedup dependency of the merger.
type duplicateFinder interface {
	FindDuplicates(ctx context.Context, runID string, pool []EntitySummary) ([]DuplicateReport, error)
}

// MergeStats summarizes one merge for tool output and logging.
type MergeStats struct {
	NewSummaries     int
	NewFacts         int
	DuplicatesFolded int
}

// Merger folds extraction batches into agent state. Merges must be applied
// one at a time; the run loop serializes them in completion order.
type Merger struct {
	dedup  duplicateFinder
	logger *log.Logger
}

// NewMerger builds a merger that consults dedup when the pool already holds
// entities.
func NewMerger(dedup duplicateFinder) *Merger {
	return &Merger{
		dedup:  dedup,
		logger: log.New(log.Writer(), "[MERGE] ", log.LstdFlags),
	}
}

// Merge applies batch to state. The first batch into an empty pool is
// adopted verbatim, which keeps re-merging the same batch idempotent in
// effect and skips a pointless dedup call. Later batches run duplicate
// detection over the union of the existing and the new pool; duplicate ids
// are rewritten to their canonical id across all facts, the folded entries
// leave the pool and the files used are unioned by URL.
func (m *Merger) Merge(ctx context.Context, runID string, state *AgentState, batch ExtractionBatch) (MergeStats, error) {
	var stats MergeStats
	if batch.Empty() {
		return stats, nil
	}

	stats.NewSummaries = len(batch.Summaries)
	stats.NewFacts = len(batch.Facts)

	if len(state.EntitySummaries) == 0 {
		state.EntitySummaries = append(state.EntitySummaries, batch.Summaries...)
		state.Facts = append(state.Facts, batch.Facts...)
		state.addFilesUsed(batch.FilesUsed)
		return stats, nil
	}

	pool := unionSummaries(state.EntitySummaries, batch.Summaries)
	reports, err := m.dedup.FindDuplicates(ctx, runID, pool)
	if err != nil {
		return stats, err
	}

	canonicalOf := map[string]string{}
	for _, report := range reports {
		for _, id := range report.DuplicateIDs {
			canonicalOf[id] = report.CanonicalID
		}
	}

	for i := range state.Facts {
		rewriteFactIDs(&state.Facts[i], canonicalOf)
	}
	for i := range batch.Facts {
		rewriteFactIDs(&batch.Facts[i], canonicalOf)
	}
	state.Facts = append(state.Facts, batch.Facts...)

	survivors := make([]EntitySummary, 0, len(pool))
	for _, es := range pool {
		if _, folded := canonicalOf[es.LocalID]; folded {
			continue
		}
		survivors = append(survivors, es)
	}
	state.EntitySummaries = survivors

	state.SubmittedEntityIDs = rewriteIDList(state.SubmittedEntityIDs, canonicalOf)
	state.addFilesUsed(batch.FilesUsed)

	stats.DuplicatesFolded = len(canonicalOf)
	if stats.DuplicatesFolded > 0 {
		m.logger.Printf("folded %d duplicate entities, %d remain", stats.DuplicatesFolded, len(survivors))
	}
	return stats, nil
}

// rewriteFactIDs redirects a fact's entity references from folded ids to
// their canonical id.
func rewriteFactIDs(f *Fact, canonicalOf map[string]string) {
	if canonical, ok := canonicalOf[f.SubjectEntityLocalID]; ok {
		f.SubjectEntityLocalID = canonical
	}
	if f.ObjectEntityLocalID != "" {
		if canonical, ok := canonicalOf[f.ObjectEntityLocalID]; ok {
			f.ObjectEntityLocalID = canonical
		}
	}
}

// rewriteIDList redirects folded ids and drops the duplicates the rewrite
// creates, preserving first occurrence order.
func rewriteIDList(ids []string, canonicalOf map[string]string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if canonical, ok := canonicalOf[id]; ok {
			id = canonical
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
