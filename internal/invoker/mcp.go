package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// ToolResult is the mapped reply of a tools/call request.
type ToolResult struct {
	Text       string
	Structured any
	IsError    bool
}

// Client issues tool calls on a connected RPC session.
type Client interface {
	CallTool(ctx context.Context, name string, arguments any) (*ToolResult, error)
	Close() error
}

// ClientFactory connects an RPC client to an mcp-stdio agent.
type ClientFactory interface {
	Connect(ctx context.Context, cfg *transport.Config, ec *execctx.Context) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, cfg *transport.Config, ec *execctx.Context) (Client, error)

func (f ClientFactoryFunc) Connect(ctx context.Context, cfg *transport.Config, ec *execctx.Context) (Client, error) {
	return f(ctx, cfg, ec)
}

// invokeMCP connects, sends one tools/call named after the agent with the
// packaged context as arguments, and disconnects.
func (i *Invoker) invokeMCP(parent context.Context, cfg *transport.Config, ec *execctx.Context, res *Result) {
	timeout := timeoutFor(cfg, ec)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	client, err := i.mcpFactory.Connect(ctx, cfg, ec)
	if err != nil {
		if ctx.Err() != nil {
			classifyDone(parent, res, timeout)
			return
		}
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("connecting to %s: %v", ec.Agent, err))
		return
	}
	defer client.Close()

	out, err := client.CallTool(ctx, ec.Agent, ec.Package())
	if err != nil {
		if ctx.Err() != nil {
			classifyDone(parent, res, timeout)
			return
		}
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("tools/call %s: %v", ec.Agent, err))
		return
	}

	res.Stdout = out.Text
	if out.Structured != nil {
		res.Artifact = out.Structured
	} else if artifact, ok := parseWholeJSON(out.Text); ok {
		res.Artifact = artifact
	}
	if out.IsError {
		res.ExitCode = 1
		res.Stderr = out.Text
		res.fail(StatusFailure, ErrTypeError, "tool reported an error")
		return
	}
	res.ExitCode = 0
	res.succeed()
}

// SDKClientFactory spawns the agent command and speaks MCP to it with the
// official go-sdk client. ndjson framing uses the SDK command transport;
// content-length framing uses a header-framed transport over the same
// pipes.
type SDKClientFactory struct {
	Name      string
	Version   string
	KillGrace time.Duration
}

// NewSDKClientFactory creates a factory that identifies as execbridge.
func NewSDKClientFactory(version string) *SDKClientFactory {
	return &SDKClientFactory{Name: "execbridge", Version: version, KillGrace: DefaultKillGrace}
}

func (f *SDKClientFactory) Connect(ctx context.Context, cfg *transport.Config, ec *execctx.Context) (Client, error) {
	cmd := exec.CommandContext(ctx, cfg.Params.Command, cfg.Params.Args...)
	cmd.Dir = processDir(cfg, ec)
	cmd.Env = processEnv(cfg, ec)

	var t mcp.Transport
	switch cfg.Params.Framing {
	case transport.FramingContentLength:
		t = &ContentLengthTransport{Command: cmd, TerminateDuration: f.KillGrace}
	default:
		t = &mcp.CommandTransport{Command: cmd, TerminateDuration: f.KillGrace}
	}

	client := mcp.NewClient(&mcp.Implementation{Name: f.Name, Version: f.Version}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	return &sdkClient{session: session}, nil
}

type sdkClient struct {
	session *mcp.ClientSession
}

func (c *sdkClient) CallTool(ctx context.Context, name string, arguments any) (*ToolResult, error) {
	out, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	return toolResult(out), nil
}

func (c *sdkClient) Close() error {
	return c.session.Close()
}

func toolResult(out *mcp.CallToolResult) *ToolResult {
	var parts []string
	for _, content := range out.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return &ToolResult{
		Text:       strings.Join(parts, "\n"),
		Structured: out.StructuredContent,
		IsError:    out.IsError,
	}
}
