package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// ClientConfig describes how to reach an MCP server.
type ClientConfig struct {
	Transport string            // "stdio" or "streamable-http"
	Command   string            // stdio
	Args      []string          // stdio
	Env       map[string]string // stdio
	URL       string            // streamable-http
	Headers   map[string]string // streamable-http
}

// Client is a connected, initialized MCP client.
type Client struct {
	inner      *mcpclient.Client
	ServerInfo mcpgo.Implementation
}

// Connect creates a client, starts its transport and performs the MCP
// initialize handshake.
func Connect(ctx context.Context, cfg ClientConfig, clientVersion string) (*Client, error) {
	client, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// stdio auto-starts; HTTP transports need an explicit Start.
	if cfg.Transport != TransportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    ServerName + "-client",
		Version: clientVersion,
	}

	res, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &Client{inner: client, ServerInfo: res.ServerInfo}, nil
}

// ListTools returns the names of the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	res, err := c.inner.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// CallTool invokes name and returns its text content. A tool-level error is
// returned as a Go error carrying the tool's message.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", name, err)
	}
	text := resultText(res)
	if res.IsError {
		return "", fmt.Errorf("%s: %s", name, text)
	}
	return text, nil
}

// Close shuts the transport down (and, for stdio, the child process).
func (c *Client) Close() error {
	return c.inner.Close()
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg ClientConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport needs a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)

	case "streamable-http", TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport needs a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

func resultText(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
