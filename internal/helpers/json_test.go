package helpers

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONFromFencedBlock(t *testing.T) {
	t.Parallel()
	input := "Here are the facts:\n```json\n{\"facts\": [{\"text\": \"IBM was founded in 1911\"}]}\n```\n"
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	var payload struct {
		Facts []struct {
			Text string `json:"text"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(got), &payload); err != nil {
		t.Fatalf("unmarshal extracted JSON: %v", err)
	}
	if len(payload.Facts) != 1 || payload.Facts[0].Text != "IBM was founded in 1911" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestExtractJSONFromProse(t *testing.T) {
	t.Parallel()
	input := `I found the following: {"duplicates": [{"canonicalEntityId": "a", "duplicateEntityIds": ["b"]}]} Hope this helps!`
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	want := `{"duplicates": [{"canonicalEntityId": "a", "duplicateEntityIds": ["b"]}]}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractJSONHandlesBracesInStrings(t *testing.T) {
	t.Parallel()
	input := `{"text": "uses {braces} and \"quotes\" inside"}`
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != input {
		t.Fatalf("got %q, want %q", got, input)
	}
}

func TestExtractJSONArray(t *testing.T) {
	t.Parallel()
	got, err := ExtractJSON("result: [1, 2, 3]")
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if got != "[1, 2, 3]" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractJSONNoPayload(t *testing.T) {
	t.Parallel()
	if _, err := ExtractJSON("no structured data here"); err == nil {
		t.Fatalf("expected error for input without JSON")
	}
}
