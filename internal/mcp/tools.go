package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/escalation"
	"github.com/nextlevelbuilder/humanloop/pkg/protocol"
)

// Tool names.
const (
	ToolNotifyAndWait = protocol.ToolNotifyAndWait
	ToolPrompt        = protocol.ToolPrompt
	ToolPoll          = protocol.ToolPoll
)

// Tool is one MCP tool: its schema and its handler.
type Tool interface {
	Definition() mcpgo.Tool
	Handle(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// Tools returns every tool backed by svc.
func Tools(svc Escalator) []Tool {
	return []Tool{
		&NotifyAndWaitTool{svc: svc},
		&PromptTool{svc: svc},
		&PollTool{svc: svc},
	}
}

// NotifyAndWaitTool blocks until the human answers or the timeout elapses.
type NotifyAndWaitTool struct {
	svc Escalator
}

func (t *NotifyAndWaitTool) Definition() mcpgo.Tool {
	return mcpgo.NewTool(ToolNotifyAndWait,
		mcpgo.WithDescription("Send a question to the human operator on Telegram and wait for the reply. "+
			"Returns {answer, correlation_id}; answer is null with an error when no reply arrives in time."),
		mcpgo.WithString(protocol.ArgQuestion,
			mcpgo.Required(),
			mcpgo.Description("The question to ask."),
		),
		mcpgo.WithString(protocol.ArgContext,
			mcpgo.Description("Background the human needs to answer."),
			mcpgo.DefaultString(""),
		),
		mcpgo.WithNumber(protocol.ArgTimeoutSec,
			mcpgo.Description("Seconds to wait for a reply."),
			mcpgo.DefaultNumber(config.DefaultTimeoutSec),
			mcpgo.Min(1),
		),
	)
}

func (t *NotifyAndWaitTool) Handle(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	question, err := req.RequireString(protocol.ArgQuestion)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	res, err := t.svc.Escalate(ctx, escalation.Request{
		Question:   question,
		Context:    req.GetString(protocol.ArgContext, ""),
		TimeoutSec: req.GetInt(protocol.ArgTimeoutSec, 0),
	})
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if res.Status == escalation.StatusSendFailed {
		return mcpgo.NewToolResultError(fmt.Sprintf("%s (correlation_id %s)", res.Error, res.CorrelationID)), nil
	}
	return jsonResult(res)
}

// PromptTool sends a question without waiting. Deprecated in favour of
// NotifyAndWaitTool.
type PromptTool struct {
	svc Escalator
}

func (t *PromptTool) Definition() mcpgo.Tool {
	return mcpgo.NewTool(ToolPrompt,
		mcpgo.WithDescription("Deprecated: use "+ToolNotifyAndWait+". Send a question without waiting; "+
			"returns a correlation_id to pass to "+ToolPoll+"."),
		mcpgo.WithString(protocol.ArgQuestion,
			mcpgo.Required(),
			mcpgo.Description("The question to ask."),
		),
		mcpgo.WithString(protocol.ArgContext,
			mcpgo.Description("Background the human needs to answer."),
			mcpgo.DefaultString(""),
		),
	)
}

func (t *PromptTool) Handle(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	question, err := req.RequireString(protocol.ArgQuestion)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	res, err := t.svc.Submit(ctx, question, req.GetString(protocol.ArgContext, ""))
	if err != nil {
		if errors.Is(err, escalation.ErrEmptyQuestion) {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		return mcpgo.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	return jsonResult(res)
}

// PollTool reports the state of a request created by PromptTool.
type PollTool struct {
	svc Escalator
}

func (t *PollTool) Definition() mcpgo.Tool {
	return mcpgo.NewTool(ToolPoll,
		mcpgo.WithDescription("Deprecated: use "+ToolNotifyAndWait+". Check whether a "+ToolPrompt+
			" request has been answered. Status is one of pending, answered, expired, unknown."),
		mcpgo.WithString(protocol.ArgCorrelationID,
			mcpgo.Required(),
			mcpgo.Description("Id returned by "+ToolPrompt+"."),
		),
	)
}

func (t *PollTool) Handle(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id, err := req.RequireString(protocol.ArgCorrelationID)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(t.svc.Poll(id))
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("mcp.tool.marshal_failed", "error", err)
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcpgo.NewToolResultText(string(data)), nil
}
