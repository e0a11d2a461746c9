package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("dsp_")
	if !strings.HasPrefix(id, "dsp_") {
		t.Fatalf("expected dsp_ prefix, got %s", id)
	}
	if len(id) != len("dsp_")+32 {
		t.Fatalf("unexpected length %d for %s", len(id), id)
	}
	if !Valid("dsp_", id) {
		t.Errorf("Valid rejected generated id %s", id)
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("stl_")
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValid_Rejects(t *testing.T) {
	for _, id := range []string{"", "dsp_", "dsp_xyz", "evd_" + strings.Repeat("a", 32), "dsp_" + strings.Repeat("A", 32)} {
		if Valid("dsp_", id) {
			t.Errorf("Valid(%q) should be false", id)
		}
	}
}

func TestNew_IsUUID(t *testing.T) {
	if id := New(); len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Errorf("New() = %s, want canonical UUID", id)
	}
}
