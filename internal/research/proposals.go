package research

import (
	"context"
	"log"

	"github.com/mohammad-safakhou/prospector/internal/ontology"
)

// Assembler turns final agent state into proposal requests: one triple of
// entity summary, subject facts and candidate link targets per surviving
// entity.
type Assembler struct {
	resolver ontology.Resolver
	logger   *log.Logger
}

// NewAssembler builds an assembler over the given type resolver.
func NewAssembler(resolver ontology.Resolver) *Assembler {
	return &Assembler{
		resolver: resolver,
		logger:   log.New(log.Writer(), "[ASSEMBLE] ", log.LstdFlags),
	}
}

// Assemble produces one proposal request per surviving entity summary. A
// target qualifies as a link candidate only when some fact about the entity
// carries it as the object and its types satisfy the link's destination
// constraint. Link types with no qualifying candidates are omitted from the
// request entirely.
func (a *Assembler) Assemble(ctx context.Context, task Task, state *AgentState) ([]ProposalRequest, error) {
	if len(state.EntitySummaries) == 0 {
		return nil, nil
	}

	typeIDs := append(append([]string{}, task.EntityTypeIDs...), task.LinkTypeIDs...)
	defs, err := a.resolver.Dereference(ctx, typeIDs)
	if err != nil {
		return nil, err
	}

	byID := summariesByID(state.EntitySummaries)
	out := make([]ProposalRequest, 0, len(state.EntitySummaries))
	for _, entity := range state.EntitySummaries {
		facts := state.FactsAbout(entity.LocalID)

		var links []LinkCandidates
		for _, linkID := range task.LinkTypeIDs {
			linkDef, ok := defs[linkID]
			if !ok || !linkDef.IsLink {
				a.logger.Printf("declared link type %s is not a link type, skipping", linkID)
				continue
			}
			if !entityPermitsLink(entity, defs, linkID) {
				continue
			}
			targets := candidateTargets(facts, entity.LocalID, linkDef, byID)
			if len(targets) == 0 {
				continue
			}
			links = append(links, LinkCandidates{LinkTypeID: linkID, TargetIDs: targets})
		}

		out = append(out, ProposalRequest{Entity: entity, Facts: facts, Links: links})
	}
	return out, nil
}

// entityPermitsLink reports whether any of the entity's types permits the
// link type.
func entityPermitsLink(entity EntitySummary, defs map[string]ontology.TypeDefinition, linkID string) bool {
	for _, typeID := range entity.EntityTypeIDs {
		def, ok := defs[typeID]
		if !ok {
			// Types outside the dereferenced set carry no restriction.
			return true
		}
		if def.PermitsLink(linkID) {
			return true
		}
	}
	return len(entity.EntityTypeIDs) == 0
}

// candidateTargets collects the distinct fact objects that satisfy the
// link's destination constraint, preserving fact order.
func candidateTargets(facts []Fact, subjectID string, linkDef ontology.TypeDefinition, byID map[string]EntitySummary) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range facts {
		objectID := f.ObjectEntityLocalID
		if objectID == "" || objectID == subjectID {
			continue
		}
		if _, dup := seen[objectID]; dup {
			continue
		}
		target, ok := byID[objectID]
		if !ok {
			continue
		}
		if !linkDef.AllowsDestination(target.EntityTypeIDs) {
			continue
		}
		seen[objectID] = struct{}{}
		out = append(out, objectID)
	}
	return out
}
