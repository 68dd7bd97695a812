package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCanonicalizeArgs tests argument canonicalization
func TestCanonicalizeArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]string
		expected string
	}{
		{
			name:     "sorted by name",
			args:     map[string]string{"b": "2", "a": "1"},
			expected: "a=1;b=2",
		},
		{
			name:     "names lower-cased and trimmed",
			args:     map[string]string{" Location ": "usa", "YEAR": "2020"},
			expected: "location=usa;year=2020",
		},
		{
			name:     "values trimmed but case preserved",
			args:     map[string]string{"a": " Value "},
			expected: "a=Value",
		},
		{
			name:     "empty set",
			args:     map[string]string{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalizeArgs(tt.args))
		})
	}
}

// TestHashDeterminism verifies canonicalize(x) == canonicalize(y) implies
// hash(x) == hash(y) regardless of input ordering
func TestHashDeterminism(t *testing.T) {
	a := map[string]string{"year": "2020", "location": "usa", "draw": "17"}
	b := map[string]string{"draw": "17", "location": "usa", "year": "2020"}

	assert.Equal(t, CanonicalizeArgs(a), CanonicalizeArgs(b))
	assert.Equal(t, ArgsHash(a), ArgsHash(b))
	assert.Len(t, ArgsHash(a), 16)
}

func TestCanonicalizeNames(t *testing.T) {
	assert.Equal(t, "draw,location,year",
		CanonicalizeNames([]string{"Year", " location", "draw", "YEAR", ""}))
}

func TestTemplateVersionHash(t *testing.T) {
	h1 := TemplateVersionHash("echo {location} {year}", []string{"location", "year"})
	h2 := TemplateVersionHash("echo {location} {year}", []string{"YEAR", "location "})
	h3 := TemplateVersionHash("echo {location}", []string{"location"})

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

// TestDagHashEdgeOrder verifies the dag hash ignores edge insertion order
func TestDagHashEdgeOrder(t *testing.T) {
	h1 := DagHash(map[int64][]int64{1: {}, 2: {1}, 3: {2, 1}})
	h2 := DagHash(map[int64][]int64{3: {1, 2}, 1: {}, 2: {1}})
	h3 := DagHash(map[int64][]int64{1: {}, 2: {1}})

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestWorkflowHashStable(t *testing.T) {
	args := map[string]string{"version": "v1"}
	assert.Equal(t, WorkflowHash(5, 9, args), WorkflowHash(5, 9, args))
	assert.NotEqual(t, WorkflowHash(5, 9, args), WorkflowHash(5, 10, args))
}

func TestResourcesFingerprint(t *testing.T) {
	f1 := ResourcesFingerprint("all.q", 2, 4.0, 3600)
	f2 := ResourcesFingerprint("all.q ", 2, 4.0, 3600)
	f3 := ResourcesFingerprint("all.q", 2, 6.0, 3600)

	assert.Equal(t, f1, f2)
	assert.NotEqual(t, f1, f3)
}
