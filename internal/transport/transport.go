package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Transport describes one transport type: the parameter defaults it
// contributes and the constraints a resolved configuration must meet.
// Invocation lives in the invoker package, which dispatches on Type.
type Transport interface {
	Type() Type
	Defaults() map[string]any
	Validate(p Params) []string
}

// ForType returns the Transport for t.
func ForType(t Type) (Transport, error) {
	switch t {
	case TypeWebhook, TypeAPI:
		return webhookTransport{typ: t}, nil
	case TypeProcess:
		return processTransport{}, nil
	case TypeDocker:
		return dockerTransport{}, nil
	case TypeMCPStdio:
		return mcpStdioTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", t)
	}
}

type webhookTransport struct{ typ Type }

func (w webhookTransport) Type() Type { return w.typ }

func (webhookTransport) Defaults() map[string]any {
	return map[string]any{
		"method":         "POST",
		"timeout_ms":     int64(60000),
		"retries":        3,
		"retry_delay_ms": int64(1000),
	}
}

func (w webhookTransport) Validate(p Params) []string {
	var v []string
	switch {
	case p.Endpoint == "":
		v = append(v, fmt.Sprintf("%s: endpoint is required", w.typ))
	case !isHTTPURL(p.Endpoint):
		v = append(v, fmt.Sprintf("%s: endpoint %q is not a valid http(s) URL", w.typ, p.Endpoint))
	}
	if p.Retries < 0 {
		v = append(v, fmt.Sprintf("%s: retries must not be negative", w.typ))
	}
	if p.RetryDelayMS < 0 {
		v = append(v, fmt.Sprintf("%s: retry_delay_ms must not be negative", w.typ))
	}
	return append(v, validateTimeout(p)...)
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type processTransport struct{}

func (processTransport) Type() Type { return TypeProcess }

func (processTransport) Defaults() map[string]any {
	return map[string]any{"timeout_ms": int64(300000)}
}

func (processTransport) Validate(p Params) []string {
	var v []string
	if strings.TrimSpace(p.Command) == "" {
		v = append(v, "process: command is required")
	}
	return append(v, validateTimeout(p)...)
}

type dockerTransport struct{}

func (dockerTransport) Type() Type { return TypeDocker }

func (dockerTransport) Defaults() map[string]any {
	return map[string]any{
		"timeout_ms":    int64(600000),
		"docker_binary": "docker",
	}
}

func (dockerTransport) Validate(p Params) []string {
	var v []string
	if strings.TrimSpace(p.Image) == "" {
		v = append(v, "docker: image is required")
	}
	for _, vol := range p.Volumes {
		if !strings.Contains(vol, ":") {
			v = append(v, fmt.Sprintf("docker: volume %q must be host:container[:mode]", vol))
		}
	}
	return append(v, validateTimeout(p)...)
}

type mcpStdioTransport struct{}

func (mcpStdioTransport) Type() Type { return TypeMCPStdio }

func (mcpStdioTransport) Defaults() map[string]any {
	return map[string]any{"timeout_ms": int64(300000)}
}

func (mcpStdioTransport) Validate(p Params) []string {
	var v []string
	if strings.TrimSpace(p.Command) == "" {
		v = append(v, "mcp-stdio: command is required")
	}
	switch p.Framing {
	case FramingContentLength, FramingNDJSON:
	case "":
		v = append(v, "mcp-stdio: framing is required (content-length or ndjson)")
	default:
		v = append(v, fmt.Sprintf("mcp-stdio: framing must be content-length or ndjson (got %q)", p.Framing))
	}
	return append(v, validateTimeout(p)...)
}

func validateTimeout(p Params) []string {
	if p.TimeoutMS <= 0 {
		return []string{fmt.Sprintf("timeout_ms must be a positive number (got %d)", p.TimeoutMS)}
	}
	return nil
}

// infer guesses a transport type from the parameters an agent declares.
func infer(values map[string]any) Type {
	switch {
	case present(values, "image"):
		return TypeDocker
	case present(values, "command") && present(values, "framing"):
		return TypeMCPStdio
	case present(values, "command"):
		return TypeProcess
	case present(values, "endpoint"), present(values, "url"):
		return TypeWebhook
	default:
		return TypeWebhook
	}
}
