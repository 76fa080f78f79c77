package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// decodeParams converts a merged parameter map into Params. Every field
// with the wrong shape produces one violation; decoding continues so all
// problems are reported together.
func decodeParams(raw map[string]any) (Params, []string) {
	var (
		p          Params
		violations []string
	)
	fail := func(key, want string, v any) {
		violations = append(violations, fmt.Sprintf("%s must be %s (got %T)", key, want, v))
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		if v == nil {
			continue
		}
		switch key {
		case "endpoint", "url":
			s, ok := v.(string)
			if !ok {
				fail(key, "a string", v)
				continue
			}
			if key == "endpoint" || p.Endpoint == "" {
				p.Endpoint = s
			}
		case "method", "command", "cwd", "image", "network", "docker_binary":
			s, ok := v.(string)
			if !ok {
				fail(key, "a string", v)
				continue
			}
			setString(&p, key, s)
		case "memory", "cpus":
			s, ok := scalarString(v)
			if !ok {
				fail(key, "a string or number", v)
				continue
			}
			if key == "memory" {
				p.Memory = s
			} else {
				p.CPUs = s
			}
		case "framing":
			s, ok := v.(string)
			if !ok {
				fail(key, "a string", v)
				continue
			}
			p.Framing = Framing(strings.ToLower(s))
		case "args", "volumes":
			list, ok := stringList(v)
			if !ok {
				fail(key, "a list of strings", v)
				continue
			}
			if key == "args" {
				p.Args = list
			} else {
				p.Volumes = list
			}
		case "headers", "env":
			m, ok := stringMap(v)
			if !ok {
				fail(key, "a map of strings", v)
				continue
			}
			if key == "headers" {
				p.Headers = m
			} else {
				p.Env = m
			}
		case "retries":
			n, ok := integer(v)
			if !ok {
				fail(key, "an integer", v)
				continue
			}
			p.Retries = int(n)
		case "retry_delay_ms", "timeout_ms":
			n, ok := integer(v)
			if !ok {
				violations = append(violations, fmt.Sprintf("%s must be a positive number (got %v)", key, v))
				continue
			}
			if key == "timeout_ms" {
				p.TimeoutMS = n
			} else {
				p.RetryDelayMS = n
			}
		}
	}
	return p, violations
}

func setString(p *Params, key, s string) {
	switch key {
	case "method":
		p.Method = strings.ToUpper(s)
	case "command":
		p.Command = s
	case "cwd":
		p.Cwd = s
	case "image":
		p.Image = s
	case "network":
		p.Network = s
	case "docker_binary":
		p.DockerBinary = s
	}
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int, int64, float64, json.Number:
		return fmt.Sprint(x), true
	}
	return "", false
}

func stringList(v any) ([]string, bool) {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...), true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := scalarString(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func stringMap(v any) (map[string]string, bool) {
	switch x := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, val := range x {
			out[k] = val
		}
		return out, true
	case map[string]any:
		out := make(map[string]string, len(x))
		for k, item := range x {
			s, ok := scalarString(item)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func integer(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// mergeValues copies src onto dst. Nested maps merge key by key; every
// other value in src replaces the one in dst.
func mergeValues(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sm, ok := asMap(v); ok {
			if dm, ok := asMap(dst[k]); ok {
				dst[k] = mergeValues(cloneValues(dm), sm)
				continue
			}
			dst[k] = cloneValues(sm)
			continue
		}
		dst[k] = v
	}
	return dst
}

func cloneValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := asMap(v); ok {
			out[k] = cloneValues(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// present reports whether key holds a non-empty value.
func present(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
