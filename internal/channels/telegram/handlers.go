package telegram

import (
	"fmt"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
)

// convertUpdate maps a raw Telegram update onto the channel-neutral Update.
// Non-message updates, service messages and messages from any chat other than
// chat come back with empty Text so the consumer drops them while still
// advancing its offset.
func convertUpdate(u telego.Update, chat telego.ChatID) channels.Update {
	out := channels.Update{UpdateID: int64(u.UpdateID)}

	message := u.Message
	if message == nil || isServiceMessage(message) {
		return out
	}
	if !inChat(message.Chat, chat) {
		return out
	}

	out.ChatID = fmt.Sprintf("%d", message.Chat.ID)
	out.MessageID = scopedMessageID(message.Chat.ID, message.MessageID)
	out.Text = message.Text
	if out.Text == "" {
		out.Text = message.Caption
	}

	if user := message.From; user != nil {
		out.SenderID = fmt.Sprintf("%d", user.ID)
		if user.Username != "" {
			out.SenderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
		}
	}

	if reply := message.ReplyToMessage; reply != nil {
		replyChat := reply.Chat.ID
		if replyChat == 0 {
			// Replies never cross chats; stubs may omit the chat.
			replyChat = message.Chat.ID
		}
		out.ReplyToMessageID = scopedMessageID(replyChat, reply.MessageID)
	}

	return out
}

// inChat reports whether c is the chat addressed by want, which holds either
// a numeric id or an "@username".
func inChat(c telego.Chat, want telego.ChatID) bool {
	if want.Username != "" {
		return c.Username != "" && strings.EqualFold(c.Username, strings.TrimPrefix(want.Username, "@"))
	}
	return c.ID == want.ID
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (member added/removed, title changed, pinned, etc.) rather than a user-sent message.
// Service messages have no text, caption, or media content.
func isServiceMessage(msg *telego.Message) bool {
	// Has text or caption → user message
	if msg.Text != "" || msg.Caption != "" {
		return false
	}

	// Has media → user message (photo, audio, video, document, sticker, etc.)
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}

	return true
}
