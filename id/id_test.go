package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/pqueue/id"
)

func TestNew_HasJobPrefix(t *testing.T) {
	got := id.New()
	if !strings.HasPrefix(got, "job_") {
		t.Fatalf("New() = %q, want prefix %q", got, "job_")
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		v := id.New()
		if _, ok := seen[v]; ok {
			t.Fatalf("duplicate id generated: %q", v)
		}
		seen[v] = struct{}{}
	}
}

func TestValid(t *testing.T) {
	if !id.Valid(id.New()) {
		t.Fatal("Valid() = false for a freshly generated id")
	}
	if id.Valid("not-a-typeid") {
		t.Fatal("Valid() = true for garbage input")
	}
	if id.Valid("wf_01h2xcejqtf2nbrexx3vqjhp41") {
		t.Fatal("Valid() = true for a non-job prefix")
	}
}
