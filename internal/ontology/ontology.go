// Package ontology holds the entity and link type definitions a research
// task extracts against. Types are declared up front (from a JSON catalog
// file or programmatically) and dereferenced by id during a run; the research
// core never edits them.
package ontology

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// TypeDefinition describes one entity or link type.
type TypeDefinition struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`

	// Links lists the outgoing link type ids an entity type permits. Empty
	// means the type does not restrict outgoing links.
	Links []string `json:"links,omitempty"`

	// IsLink marks link types. LinkDestinations constrains which entity
	// types a link of this type may point at; empty means unconstrained.
	IsLink           bool     `json:"is_link,omitempty"`
	LinkDestinations []string `json:"link_destinations,omitempty"`
}

// Resolver dereferences type ids into full definitions.
type Resolver interface {
	Dereference(ctx context.Context, typeIDs []string) (map[string]TypeDefinition, error)
}

// Catalog is an in-memory Resolver, safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]TypeDefinition
}

// NewCatalog builds a catalog from the given definitions. A duplicate id is
// an error.
func NewCatalog(defs ...TypeDefinition) (*Catalog, error) {
	c := &Catalog{types: make(map[string]TypeDefinition, len(defs))}
	for _, def := range defs {
		if err := c.Add(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads a JSON array of type definitions from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	var defs []TypeDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return NewCatalog(defs...)
}

// Add registers a definition. Ids are unique.
func (c *Catalog) Add(def TypeDefinition) error {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return fmt.Errorf("type definition missing id (title %q)", def.Title)
	}
	def.ID = id

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.types[id]; exists {
		return fmt.Errorf("duplicate type id %q", id)
	}
	c.types[id] = def
	return nil
}

// Dereference resolves typeIDs into definitions. Any unknown id fails the
// whole call, naming every missing id.
func (c *Catalog) Dereference(ctx context.Context, typeIDs []string) (map[string]TypeDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]TypeDefinition, len(typeIDs))
	var missing []string
	for _, id := range typeIDs {
		def, ok := c.types[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out[id] = def
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown type ids: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// All returns every definition ordered by id.
func (c *Catalog) All() []TypeDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TypeDefinition, 0, len(c.types))
	for _, def := range c.types {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntityTypeIDs returns the ids of non-link types, sorted.
func (c *Catalog) EntityTypeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, def := range c.types {
		if !def.IsLink {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LinkTypeIDs returns the ids of link types, sorted.
func (c *Catalog) LinkTypeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, def := range c.types {
		if def.IsLink {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// UnknownTypeIDs returns the requested ids that are not in declared,
// preserving request order. The dispatcher uses this to reject tool calls
// that reference types outside the task's declared set.
func UnknownTypeIDs(declared, requested []string) []string {
	known := make(map[string]struct{}, len(declared))
	for _, id := range declared {
		known[id] = struct{}{}
	}
	var unknown []string
	for _, id := range requested {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

// PermitsLink reports whether an entity of this type may carry outgoing
// links of linkTypeID. Entity types with no Links declared permit any link
// type; link types permit none.
func (def TypeDefinition) PermitsLink(linkTypeID string) bool {
	if def.IsLink {
		return false
	}
	if len(def.Links) == 0 {
		return true
	}
	for _, id := range def.Links {
		if id == linkTypeID {
			return true
		}
	}
	return false
}

// AllowsDestination reports whether a link of type def may point at an
// entity carrying entityTypeIDs. An empty constraint list allows any type.
func (def TypeDefinition) AllowsDestination(entityTypeIDs []string) bool {
	if !def.IsLink || len(def.LinkDestinations) == 0 {
		return true
	}
	for _, allowed := range def.LinkDestinations {
		for _, id := range entityTypeIDs {
			if id == allowed {
				return true
			}
		}
	}
	return false
}
