package helpers

import (
	"strings"
	"testing"
)

func TestReadAllLimited(t *testing.T) {
	t.Parallel()
	data, err := ReadAllLimited(strings.NewReader("under the limit"), 64)
	if err != nil {
		t.Fatalf("ReadAllLimited: %v", err)
	}
	if string(data) != "under the limit" {
		t.Fatalf("got %q", data)
	}

	if _, err := ReadAllLimited(strings.NewReader("this exceeds the cap"), 5); err == nil {
		t.Fatalf("expected error when stream exceeds limit")
	}
}
