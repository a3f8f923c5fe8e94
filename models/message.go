package models

import "time"

// ConversationKind distinguishes direct chats from group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Target identifies where a message belongs: one peer user or one group.
type Target struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

// Direct returns a direct-chat target for a peer user ID.
func Direct(userID string) Target {
	return Target{Kind: KindDirect, ID: userID}
}

// Group returns a group-chat target.
func Group(groupID string) Target {
	return Target{Kind: KindGroup, ID: groupID}
}

// IsZero reports whether no target is set.
func (t Target) IsZero() bool {
	return t.ID == ""
}

// Valid reports whether the target has a known kind and a non-empty ID.
func (t Target) Valid() bool {
	if t.ID == "" {
		return false
	}
	return t.Kind == KindDirect || t.Kind == KindGroup
}

func (t Target) String() string {
	return string(t.Kind) + ":" + t.ID
}

// MessageStatus is the lifecycle status of one message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders confirmed statuses. Failed ranks below pending.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Upgrade returns the higher of the current and next status. Failed entries
// only leave the failed state through a new send attempt.
func (s MessageStatus) Upgrade(next MessageStatus) MessageStatus {
	if s == StatusFailed {
		return s
	}
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// BodyKind is the payload type of a message body.
type BodyKind string

const (
	BodyText  BodyKind = "text"
	BodyImage BodyKind = "image"
	BodyAudio BodyKind = "audio"
	BodyFile  BodyKind = "file"
	BodyCall  BodyKind = "call"
)

// Body carries text and/or a media reference.
type Body struct {
	Kind     BodyKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
	FileName string   `json:"file_name,omitempty"`
	FileSize int64    `json:"file_size,omitempty"`
	Duration int      `json:"duration,omitempty"`
}

// Empty reports whether the body has nothing to send.
func (b Body) Empty() bool {
	return b.Text == "" && b.MediaURL == ""
}

// Preview returns a short summary line for conversation lists.
func (b Body) Preview() string {
	switch b.Kind {
	case BodyImage:
		return "[image]"
	case BodyAudio:
		return "[voice message]"
	case BodyFile:
		if b.FileName != "" {
			return "[file] " + b.FileName
		}
		return "[file]"
	case BodyCall:
		if b.Text != "" {
			return b.Text
		}
		return "[call]"
	}
	const maxPreview = 80
	runes := []rune(b.Text)
	if len(runes) > maxPreview {
		return string(runes[:maxPreview]) + "…"
	}
	return b.Text
}

// QuotedMessage is a denormalized snapshot of a replied-to message.
type QuotedMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Body     Body   `json:"body"`
}

// Message is the canonical in-memory chat message.
type Message struct {
	ID          string         `json:"id,omitempty"`
	TempID      string         `json:"temp_id,omitempty"`
	Target      Target         `json:"target"`
	SenderID    string         `json:"sender_id"`
	Body        Body           `json:"body"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
	Status      MessageStatus  `json:"status"`
	DeliveredBy []string       `json:"delivered_by,omitempty"`
	ReadBy      []string       `json:"read_by,omitempty"`
	Quoted      *QuotedMessage `json:"quoted,omitempty"`
	Edited      bool           `json:"edited,omitempty"`
}

// IsOptimistic reports whether the message is a local entry awaiting
// server confirmation.
func (m Message) IsOptimistic() bool {
	return m.TempID != "" && m.ID == ""
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	out.DeliveredBy = append([]string(nil), m.DeliveredBy...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Quoted != nil {
		q := *m.Quoted
		out.Quoted = &q
	}
	return out
}

// MessagePage is one page of history as returned by the server, newest first.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}
