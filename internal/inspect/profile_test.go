package inspect

import (
	"reflect"
	"strings"
	"testing"
)

func mustProfiler(t *testing.T, maxLevel int, withValues bool) *Profiler {
	t.Helper()
	p, err := NewProfiler("Patient", maxLevel, withValues)
	if err != nil {
		t.Fatalf("NewProfiler: %v", err)
	}
	return p
}

func TestNewProfiler_RejectsNonPositiveLevel(t *testing.T) {
	t.Parallel()

	for _, level := range []int{0, -1} {
		if _, err := NewProfiler("Patient", level, false); err == nil {
			t.Fatalf("NewProfiler(level=%d) expected error, got nil", level)
		}
	}
}

// TestFold_Multiplicity verifies that a multi-valued field contributes one
// occurrence per element, with the histogram tracking each distinct value.
func TestFold_Multiplicity(t *testing.T) {
	t.Parallel()

	p := mustProfiler(t, 10, true)
	p.Accept(map[string]any{"tag": []any{"a", "a", "b"}})

	leaf := p.Tree().Children["tag"]
	if leaf == nil || leaf.Kind != KindLeaf {
		t.Fatalf("expected leaf for tag, got %#v", leaf)
	}
	if leaf.Count != 3 {
		t.Fatalf("tag count = %d, want 3", leaf.Count)
	}
	want := map[string]int{"a": 2, "b": 1}
	if !reflect.DeepEqual(leaf.Hist, want) {
		t.Fatalf("tag histogram = %#v, want %#v", leaf.Hist, want)
	}
	if !reflect.DeepEqual(leaf.HistOrder, []string{"a", "b"}) {
		t.Fatalf("tag histogram order = %#v, want [a b]", leaf.HistOrder)
	}
}

// TestFold_DepthLimit verifies that objects below the nesting limit collapse
// into leaf occurrences instead of growing the tree.
func TestFold_DepthLimit(t *testing.T) {
	t.Parallel()

	p := mustProfiler(t, 1, false)
	p.Accept(map[string]any{"a": map[string]any{"b": map[string]any{"c": float64(1)}}})

	a := p.Tree().Children["a"]
	if a == nil || a.Kind != KindBranch {
		t.Fatalf("expected branch for a, got %#v", a)
	}
	b := a.Children["b"]
	if b == nil || b.Kind != KindLeaf {
		t.Fatalf("expected leaf for a.b at the depth limit, got %#v", b)
	}
	if b.Count != 1 {
		t.Fatalf("a.b count = %d, want 1", b.Count)
	}
}

// TestFold_AccumulatesAcrossRecords verifies that folding N records with the
// same field yields count N at that field's leaf.
func TestFold_AccumulatesAcrossRecords(t *testing.T) {
	t.Parallel()

	p := mustProfiler(t, 10, false)
	for i := 0; i < 4; i++ {
		p.Accept(map[string]any{"status": "active"})
	}

	leaf := p.Tree().Children["status"]
	if leaf.Count != 4 {
		t.Fatalf("status count = %d, want 4", leaf.Count)
	}
}

// TestFold_KindFixedByFirstOccurrence verifies the tagged-union rule: the
// first occurrence at a path fixes its kind for the rest of the run.
func TestFold_KindFixedByFirstOccurrence(t *testing.T) {
	t.Parallel()

	t.Run("leaf stays leaf when later occurrence is an object", func(t *testing.T) {
		t.Parallel()

		p := mustProfiler(t, 10, true)
		p.Accept(map[string]any{"value": "plain"})
		p.Accept(map[string]any{"value": map[string]any{"code": "x"}})

		leaf := p.Tree().Children["value"]
		if leaf.Kind != KindLeaf {
			t.Fatalf("value kind = %v, want leaf", leaf.Kind)
		}
		if leaf.Count != 2 {
			t.Fatalf("value count = %d, want 2", leaf.Count)
		}
	})

	t.Run("branch drops later scalar occurrence", func(t *testing.T) {
		t.Parallel()

		p := mustProfiler(t, 10, false)
		p.Accept(map[string]any{"value": map[string]any{"code": "x"}})
		p.Accept(map[string]any{"value": "plain"})

		branch := p.Tree().Children["value"]
		if branch.Kind != KindBranch {
			t.Fatalf("value kind = %v, want branch", branch.Kind)
		}
		if branch.Children["code"].Count != 1 {
			t.Fatalf("value.code count = %d, want 1", branch.Children["code"].Count)
		}
	})
}

func TestStringifyValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"string", "hello", "hello"},
		{"bool", true, "true"},
		{"integer float", float64(42), "42"},
		{"fractional float", float64(1.5), "1.5"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := stringifyValue(tt.in); got != tt.want {
				t.Fatalf("stringifyValue(%#v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncateValue(t *testing.T) {
	t.Parallel()

	// Up to 53 characters pass through: truncating to 50+"..." would not
	// shorten anything.
	pass := strings.Repeat("x", 53)
	if got := truncateValue(pass); got != pass {
		t.Fatalf("truncateValue(len 53) modified the string: %q", got)
	}

	long := strings.Repeat("y", 54)
	got := truncateValue(long)
	want := strings.Repeat("y", 50) + "..."
	if got != want {
		t.Fatalf("truncateValue(len 54) = %q, want %q", got, want)
	}
}
