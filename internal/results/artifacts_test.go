package results

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferMetadata(t *testing.T) {
	tests := []struct {
		name     string
		artifact any
		wantType string
		wantKeys []string
	}{
		{"plan", map[string]any{"plan": map[string]any{"steps": 3}}, "plan", []string{"plan"}},
		{"code wins over plan", map[string]any{"plan": 1, "code": 2}, "code", []string{"code", "plan"}},
		{"bicep", map[string]any{"bicep": "param x", "notes": ""}, "bicep", []string{"bicep", "notes"}},
		{"untyped object", map[string]any{"summary": "ok"}, TypeData, []string{"summary"}},
		{"array", []any{1, 2}, TypeData, []string{}},
		{"string", "raw text", TypeData, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := InferMetadata(tt.artifact)
			assert.Equal(t, tt.wantType, md.Type)
			assert.Equal(t, tt.wantKeys, md.Keys)
		})
	}
}

func TestArtifactRegistry_InMemory(t *testing.T) {
	r, err := NewArtifactRegistry("")
	require.NoError(t, err)
	assert.Empty(t, r.Path())

	plan := r.NewRecord("planner", "design", "1-a", "/a.json", 10, map[string]any{"plan": 1})
	code := r.NewRecord("coder", "build", "2-b", "/b.json", 20, map[string]any{"code": "x"})
	require.NoError(t, r.Register(plan))
	require.NoError(t, r.Register(code))
	assert.NotEqual(t, plan.ID, code.ID)

	got, err := r.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	assert.Len(t, r.Find(Filter{}), 2)
	assert.Equal(t, []ArtifactRecord{code}, r.Find(Filter{Agent: "coder"}))
	assert.Equal(t, []ArtifactRecord{plan}, r.Find(Filter{Phase: "design", Type: "plan"}))
	assert.Empty(t, r.Find(Filter{Type: "bicep"}))
}

func TestArtifactRegistry_LoadMergeWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "artifacts.json")

	first, err := NewArtifactRegistry(path)
	require.NoError(t, err)
	second, err := NewArtifactRegistry(path)
	require.NoError(t, err)

	a := first.NewRecord("planner", "design", "1-a", "", 0, map[string]any{"plan": 1})
	b := second.NewRecord("coder", "build", "2-b", "", 0, map[string]any{"code": 1})
	require.NoError(t, first.Register(a))
	require.NoError(t, second.Register(b))

	reopened, err := NewArtifactRegistry(path)
	require.NoError(t, err)
	assert.Len(t, reopened.Find(Filter{}), 2)
	_, err = reopened.Get(a.ID)
	assert.NoError(t, err)

	// The second writer merged the first writer's record before saving.
	_, err = second.Get(a.ID)
	assert.NoError(t, err)
}

func TestArtifactRegistry_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewArtifactRegistry(path)
	assert.ErrorIs(t, err, ErrRegistryCorrupted)
}
