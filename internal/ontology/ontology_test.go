package ontology

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		TypeDefinition{ID: "company", Title: "Company"},
		TypeDefinition{ID: "person", Title: "Person"},
		TypeDefinition{ID: "founded_by", Title: "Founded By", IsLink: true, LinkDestinations: []string{"person"}},
		TypeDefinition{ID: "related_to", Title: "Related To", IsLink: true},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestCatalogDereference(t *testing.T) {
	c := testCatalog(t)
	defs, err := c.Dereference(context.Background(), []string{"company", "founded_by"})
	if err != nil {
		t.Fatalf("Dereference: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if !defs["founded_by"].IsLink {
		t.Fatalf("expected founded_by to be a link type")
	}
}

func TestCatalogDereferenceUnknownIDs(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Dereference(context.Background(), []string{"company", "spaceship", "asteroid"})
	if err == nil {
		t.Fatalf("expected error for unknown ids")
	}
	msg := err.Error()
	if !strings.Contains(msg, "spaceship") || !strings.Contains(msg, "asteroid") {
		t.Fatalf("expected missing ids in error, got %q", msg)
	}
}

func TestCatalogRejectsDuplicateIDs(t *testing.T) {
	_, err := NewCatalog(
		TypeDefinition{ID: "company", Title: "Company"},
		TypeDefinition{ID: "company", Title: "Company Again"},
	)
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestCatalogTypePartition(t *testing.T) {
	c := testCatalog(t)
	if got := c.EntityTypeIDs(); !reflect.DeepEqual(got, []string{"company", "person"}) {
		t.Fatalf("unexpected entity type ids: %v", got)
	}
	if got := c.LinkTypeIDs(); !reflect.DeepEqual(got, []string{"founded_by", "related_to"}) {
		t.Fatalf("unexpected link type ids: %v", got)
	}
}

func TestUnknownTypeIDs(t *testing.T) {
	declared := []string{"company", "person"}
	got := UnknownTypeIDs(declared, []string{"person", "spaceship", "company", "rocket"})
	if !reflect.DeepEqual(got, []string{"spaceship", "rocket"}) {
		t.Fatalf("unexpected unknown ids: %v", got)
	}
	if got := UnknownTypeIDs(declared, []string{"company"}); got != nil {
		t.Fatalf("expected no unknown ids, got %v", got)
	}
}

func TestAllowsDestination(t *testing.T) {
	c := testCatalog(t)
	defs, err := c.Dereference(context.Background(), []string{"founded_by", "related_to"})
	if err != nil {
		t.Fatalf("Dereference: %v", err)
	}

	foundedBy := defs["founded_by"]
	if !foundedBy.AllowsDestination([]string{"person"}) {
		t.Fatalf("expected person to satisfy founded_by constraint")
	}
	if foundedBy.AllowsDestination([]string{"company"}) {
		t.Fatalf("expected company to violate founded_by constraint")
	}

	relatedTo := defs["related_to"]
	if !relatedTo.AllowsDestination([]string{"company"}) {
		t.Fatalf("expected unconstrained link to allow any type")
	}
}

func TestPermitsLink(t *testing.T) {
	unrestricted := TypeDefinition{ID: "company", Title: "Company"}
	if !unrestricted.PermitsLink("founded_by") {
		t.Fatalf("expected a type without declared links to permit any link type")
	}

	restricted := TypeDefinition{ID: "company", Title: "Company", Links: []string{"acquired"}}
	if !restricted.PermitsLink("acquired") {
		t.Fatalf("expected declared link type to be permitted")
	}
	if restricted.PermitsLink("founded_by") {
		t.Fatalf("expected undeclared link type to be rejected")
	}

	link := TypeDefinition{ID: "founded_by", Title: "Founded By", IsLink: true}
	if link.PermitsLink("founded_by") {
		t.Fatalf("expected link types to carry no outgoing links")
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "types.json")
	payload := `[
  {"id": "company", "title": "Company", "links": ["subsidiary_of"], "schema": {"properties": {"founded": {"type": "string"}}}},
  {"id": "subsidiary_of", "title": "Subsidiary Of", "is_link": true, "link_destinations": ["company"]}
]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	defs, err := c.Dereference(context.Background(), []string{"company", "subsidiary_of"})
	if err != nil {
		t.Fatalf("Dereference: %v", err)
	}
	if len(defs["company"].Schema) == 0 {
		t.Fatalf("expected schema to be preserved")
	}
	if !defs["company"].PermitsLink("subsidiary_of") || defs["company"].PermitsLink("founded_by") {
		t.Fatalf("expected declared links to load: %+v", defs["company"].Links)
	}
	if !defs["subsidiary_of"].AllowsDestination([]string{"company"}) {
		t.Fatalf("expected link destination to load")
	}
}
