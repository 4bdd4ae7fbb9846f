package rules

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseCategory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Category
		ok   bool
	}{
		{raw: "onboarding", want: Onboarding, ok: true},
		{raw: " Offboarding ", want: Offboarding, ok: true},
		{raw: "ONBOARDING", want: Onboarding, ok: true},
		{raw: "retirement", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		got, err := ParseCategory(tt.raw)
		if tt.ok && (err != nil || got != tt.want) {
			t.Fatalf("ParseCategory(%q) = (%v, %v), want %v", tt.raw, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Fatalf("ParseCategory(%q): expected error", tt.raw)
		}
	}
}

func TestExpandIsDeterministic(t *testing.T) {
	t.Parallel()
	a, err := Expand(Onboarding, "Jane Doe")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	b, err := Expand(Onboarding, "Jane Doe")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("two expansions differ:\n%+v\n%+v", a, b)
	}
	if len(a) == 0 {
		t.Fatal("onboarding expansion is empty")
	}
	for _, s := range a {
		if strings.Contains(s.MessageTemplate, "{subject}") {
			t.Fatalf("rule %s: placeholder not substituted: %q", s.RuleID, s.MessageTemplate)
		}
		if !strings.Contains(s.MessageTemplate, "Jane Doe") {
			t.Fatalf("rule %s: subject missing from message: %q", s.RuleID, s.MessageTemplate)
		}
	}
}

func TestExpandUnknownCategory(t *testing.T) {
	t.Parallel()
	if _, err := Expand(Category("retirement"), "x"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestNegativeOffsetDueAt(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	spec := TaskSpec{RuleID: "r", OffsetDays: -7}
	want := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	if got := spec.DueAt(anchor); !got.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", got, want)
	}
}

func TestBothTablesHaveAnImmediateRule(t *testing.T) {
	t.Parallel()
	for _, cat := range []Category{Onboarding, Offboarding} {
		specs, err := Expand(cat, "x")
		if err != nil {
			t.Fatalf("Expand(%s): %v", cat, err)
		}
		immediate := 0
		for _, s := range specs {
			if s.Immediate() {
				immediate++
			}
		}
		if immediate != 1 {
			t.Fatalf("%s: immediate rules = %d, want 1", cat, immediate)
		}
	}
}
