package models

import "time"

// Conversation is the client-side summary of one chat.
type Conversation struct {
	Target             Target    `json:"target"`
	Name               string    `json:"name,omitempty"`
	LastMessageID      string    `json:"last_message_id,omitempty"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	LastMessageTime    time.Time `json:"last_message_time"`
	UnreadCount        int       `json:"unread_count"`
}

// Cursor is the currently open conversation plus its pagination state.
type Cursor struct {
	Target  Target `json:"target"`
	Page    int    `json:"page"`
	HasMore bool   `json:"has_more"`
}

// User is the resolved profile of a message sender.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
