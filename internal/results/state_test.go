package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_PreservesUnknownKeys(t *testing.T) {
	raw := `{"current_phase":"build","attempts":{"build":1},"owner":"orchestrator","checkpoints":[1,2]}`

	var s State
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	assert.Equal(t, "build", s.CurrentPhase)
	assert.Equal(t, 1, s.Attempt("build"))
	assert.NotNil(t, s.Artifacts)

	owner, ok := s.Extra("owner")
	require.True(t, ok)
	assert.JSONEq(t, `"orchestrator"`, string(owner))

	out, err := json.Marshal(&s)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "orchestrator", doc["owner"])
	assert.Equal(t, []any{float64(1), float64(2)}, doc["checkpoints"])
	assert.Equal(t, "build", doc["current_phase"])
}

func TestState_CloneIsDeep(t *testing.T) {
	s := NewState()
	s.Attempts["design"] = 1
	cp := s.Clone()
	cp.Attempts["design"] = 5
	cp.Artifacts = append(cp.Artifacts, "x")

	assert.Equal(t, 1, s.Attempts["design"])
	assert.Empty(t, s.Artifacts)
	assert.Zero(t, (*State)(nil).Attempt("design"))
}

func TestStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStateStore(path)
	assert.Equal(t, path, store.Path())

	empty, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, empty.CurrentPhase)

	_, err = store.Update(func(s *State) { s.CurrentPhase = "design" })
	require.NoError(t, err)
	updated, err := store.Update(func(s *State) { s.Attempts["design"]++ })
	require.NoError(t, err)
	assert.Equal(t, "design", updated.CurrentPhase)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Attempt("design"))
	assert.NoFileExists(t, path+".tmp")
}

func TestStateStore_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))

	_, err := NewStateStore(path).Load()
	assert.ErrorIs(t, err, ErrStateCorrupted)
}
