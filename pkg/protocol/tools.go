// Package protocol defines the public contract of the humanloop MCP server:
// tool names, argument keys and result statuses. External clients can import
// it instead of hard-coding strings.
package protocol

// ProtocolVersion is bumped whenever a tool's arguments or result shape
// changes incompatibly.
const ProtocolVersion = 1

// Tool names.
const (
	ToolNotifyAndWait = "telegram_notify_and_wait"
	ToolPrompt        = "telegram_prompt" // deprecated
	ToolPoll          = "telegram_poll"   // deprecated
)

// Argument keys.
const (
	ArgQuestion      = "question"
	ArgContext       = "context"
	ArgTimeoutSec    = "timeout_sec"
	ArgCorrelationID = "correlation_id"
)

// Poll statuses returned by ToolPoll.
const (
	PollPending  = "pending"
	PollAnswered = "answered"
	PollExpired  = "expired"
	PollUnknown  = "unknown"
)
