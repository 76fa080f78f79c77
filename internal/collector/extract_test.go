package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticcoder/execbridge/internal/invoker"
)

func TestExtractArtifact(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  any
		found bool
	}{
		{
			name:  "whole text object",
			text:  `{"plan":{"steps":3}}`,
			want:  map[string]any{"plan": map[string]any{"steps": float64(3)}},
			found: true,
		},
		{
			name:  "whole text array",
			text:  "  [1, 2]\n",
			want:  []any{float64(1), float64(2)},
			found: true,
		},
		{
			name:  "trailing multi-line object after chatter",
			text:  "thinking...\nstep done\n{\n  \"plan\": {\"steps\": 3}\n}\n",
			want:  map[string]any{"plan": map[string]any{"steps": float64(3)}},
			found: true,
		},
		{
			name:  "trailing object below a bracketed log line",
			text:  "[INFO] starting\n{\"a\":1}",
			want:  map[string]any{"a": float64(1)},
			found: true,
		},
		{
			name:  "greedy span inside prose",
			text:  `result: {"x": 1} end`,
			want:  map[string]any{"x": float64(1)},
			found: true,
		},
		{
			name:  "fenced json",
			text:  "Here you go:\n```json\n{\"a\": 1}\n```\n",
			want:  map[string]any{"a": float64(1)},
			found: true,
		},
		{
			name:  "delimited raw text",
			text:  "noise\n---ARTIFACT_START---\nhello world\n---ARTIFACT_END---\nmore",
			want:  "hello world",
			found: true,
		},
		{
			name:  "artifact tags with invalid json",
			text:  "<artifact>{not json}</artifact>",
			want:  "{not json}",
			found: true,
		},
		{
			name: "plain text",
			text: "just text",
		},
		{
			name: "empty",
			text: "   \n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractArtifact(tt.text)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArtifactFrom_StructuredFieldWins(t *testing.T) {
	res := &invoker.Result{
		Artifact: map[string]any{"from": "field"},
		Stdout:   `{"from":"stdout"}`,
	}
	got, found := ArtifactFrom(res)
	require.True(t, found)
	assert.Equal(t, map[string]any{"from": "field"}, got)

	res.Artifact = nil
	got, found = ArtifactFrom(res)
	require.True(t, found)
	assert.Equal(t, map[string]any{"from": "stdout"}, got)

	_, found = ArtifactFrom(nil)
	assert.False(t, found)
}
