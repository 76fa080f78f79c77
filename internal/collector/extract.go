package collector

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/agenticcoder/execbridge/internal/invoker"
)

// Delimiter pairs recognized around an artifact, in priority order.
var delimiters = [][2]string{
	{"---ARTIFACT_START---", "---ARTIFACT_END---"},
	{"<artifact>", "</artifact>"},
	{"```json", "```"},
}

var greedyJSON = regexp.MustCompile(`(?s)[\{\[].*[\}\]]`)

// ArtifactFrom returns the structured artifact carried by the result, or
// else whatever ExtractArtifact recovers from stdout.
func ArtifactFrom(res *invoker.Result) (any, bool) {
	if res == nil {
		return nil, false
	}
	if res.Artifact != nil {
		return res.Artifact, true
	}
	return ExtractArtifact(res.Stdout)
}

// ExtractArtifact recovers an artifact from free-form agent output. The
// strategies run in a fixed order and the first success wins:
//
//  1. the whole text as JSON
//  2. walking up from the last non-blank line, a line starting with { or [
//     parsed through the end of the text
//  3. the greedy span from the first { or [ to the last } or ]
//  4. delimited blocks (---ARTIFACT_START---, <artifact>, ```json); the
//     raw block text is returned if it is not JSON
func ExtractArtifact(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if v, ok := parseJSON(trimmed); ok {
		return v, true
	}
	if v, ok := trailingJSON(trimmed); ok {
		return v, true
	}
	if span := greedyJSON.FindString(trimmed); span != "" {
		if v, ok := parseJSON(span); ok {
			return v, true
		}
	}
	if block, ok := delimited(trimmed); ok {
		if v, ok := parseJSON(block); ok {
			return v, true
		}
		return block, true
	}
	return nil, false
}

func parseJSON(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// trailingJSON tries each line that opens a JSON value, bottom-up, parsing
// from that line to the end of text.
func trailingJSON(text string) (any, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[") {
			continue
		}
		if v, ok := parseJSON(strings.Join(lines[i:], "\n")); ok {
			return v, true
		}
	}
	return nil, false
}

func delimited(text string) (string, bool) {
	for _, d := range delimiters {
		start := strings.Index(text, d[0])
		if start < 0 {
			continue
		}
		rest := text[start+len(d[0]):]
		end := strings.Index(rest, d[1])
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
