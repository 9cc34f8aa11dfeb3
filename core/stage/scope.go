package stage

import tele "gopkg.in/telebot.v4"

// payloadOf extracts the single most relevant message-like payload of
// an update. The fixed preference order is a deliberate tie-break:
// channel post, edited channel post, edited message, plain message.
func payloadOf(u tele.Update) *tele.Message {
	switch {
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.Message != nil:
		return u.Message
	}
	return nil
}

// scope restricts an engine to a chat and/or user. A zero id means
// "any". Scope ids are set at construction and never change.
type scope struct {
	chatID int64
	userID int64
}

// matches reports whether the update belongs to this conversation.
// Updates without a message-like payload, self-originated updates, and
// updates outside the configured chat/user are rejected.
func (s scope) matches(u tele.Update, selfID int64) bool {
	m := payloadOf(u)
	if m == nil {
		return false
	}
	var sender int64
	if m.Sender != nil {
		sender = m.Sender.ID
	}
	if selfID != 0 && sender == selfID {
		return false
	}
	if s.chatID != 0 && (m.Chat == nil || m.Chat.ID != s.chatID) {
		return false
	}
	if s.userID != 0 && sender != s.userID {
		return false
	}
	return true
}
