package escalation

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
)

// taggedReplyPattern matches "#<id> <answer>" across the whole message,
// newlines included.
var taggedReplyPattern = regexp.MustCompile(`(?s)^#(\S+)\s+(.+)$`)

// FormatPrompt renders the outbound message for req. When maxUnits > 0 the
// question/context body is shortened to fit maxUnits UTF-16 code units so
// the reply instructions always survive.
func FormatPrompt(banner string, req PendingRequest, maxUnits int) string {
	var body strings.Builder
	body.WriteString(banner)
	body.WriteString("\n\n")
	body.WriteString(req.Question)
	if req.Context != "" {
		body.WriteString("\n\nContext:\n")
		body.WriteString(req.Context)
	}

	footer := "\n\nReply directly to this message, or reply with:\n#" + req.ID + " <answer>"

	text := body.String()
	if maxUnits > 0 {
		room := maxUnits - channels.UTF16Len(footer)
		if room < 1 {
			room = 1
		}
		text = channels.TruncateUTF16(text, room)
	}
	return text + footer
}

// ParseTaggedReply extracts the correlation id and trimmed answer from a
// "#<id> <answer>" message. ok is false when the text does not match; the
// answer may still be empty and callers must reject that.
func ParseTaggedReply(text string) (id, answer string, ok bool) {
	m := taggedReplyPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}
