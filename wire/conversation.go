package wire

import (
	"errors"

	"chatsync/models"
)

// Conversation is the server JSON shape of one conversation-list entry.
type Conversation struct {
	ID              string    `json:"_id"`
	Type            string    `json:"type"`
	Name            string    `json:"name,omitempty"`
	LastMessage     *Message  `json:"lastMessage,omitempty"`
	LastMessageTime Timestamp `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// NormalizeConversation converts a list entry into a summary.
func NormalizeConversation(self string, w Conversation) (models.Conversation, error) {
	if w.ID == "" {
		return models.Conversation{}, errors.New("wire: conversation id is required")
	}

	target := models.Direct(w.ID)
	switch w.Type {
	case "group":
		target = models.Group(w.ID)
	case "", "user", "direct", "private":
	default:
		return models.Conversation{}, errors.New("wire: unknown conversation type " + w.Type)
	}

	conv := models.Conversation{
		Target:          target,
		Name:            w.Name,
		LastMessageTime: w.LastMessageTime.Time(),
		UnreadCount:     w.UnreadCount,
	}
	if w.LastMessage != nil {
		if msg, _, err := Normalize(self, *w.LastMessage); err == nil {
			conv.LastMessageID = msg.ID
			conv.LastMessagePreview = msg.Body.Preview()
			if conv.LastMessageTime.IsZero() {
				conv.LastMessageTime = msg.CreatedAt
			}
		}
	}
	return conv, nil
}
