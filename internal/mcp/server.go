// Package mcp exposes the escalation service as MCP tools and provides the
// client used to call a running server.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/humanloop/internal/escalation"
)

// ServerName is advertised in the MCP initialize handshake.
const ServerName = "humanloop"

// Escalator is the part of escalation.Service the tools need.
type Escalator interface {
	Escalate(ctx context.Context, req escalation.Request) (escalation.Result, error)
	Submit(ctx context.Context, question, contextText string) (escalation.SubmitResult, error)
	Poll(id string) escalation.PollResult
}

// NewServer creates the MCP server with every escalation tool registered.
func NewServer(svc Escalator, version string) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	for _, t := range Tools(svc) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

const instructions = `Use telegram_notify_and_wait to ask the human operator a question and wait for the reply.
Include enough context for the human to answer without opening other tools.
telegram_prompt and telegram_poll are kept for older clients; prefer telegram_notify_and_wait.`
