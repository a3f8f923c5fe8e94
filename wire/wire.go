// Package wire decodes server JSON into canonical models. Every message that
// enters the client, over the channel or the REST API, passes through
// Normalize exactly once.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatsync/models"
)

var (
	// ErrAmbiguousTarget indicates a message names both a receiver and a group.
	ErrAmbiguousTarget = errors.New("wire: message has both receiver and group")
	// ErrMissingTarget indicates a message names neither a receiver nor a group.
	ErrMissingTarget = errors.New("wire: message has no receiver or group")
	// ErrMissingSender indicates a message without a sender.
	ErrMissingSender = errors.New("wire: message has no sender")
)

// UserRef is a user reference that the server sends either as a plain ID
// string or as an embedded user object.
type UserRef struct {
	ID       string
	Username string
	Avatar   string
	embedded bool
}

// UnmarshalJSON accepts both "id" and {"_id": "...", "username": "..."}.
func (u *UserRef) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*u = UserRef{}
		return nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("decode user id: %w", err)
		}
		*u = UserRef{ID: id}
		return nil
	}

	var obj struct {
		ID       string `json:"_id"`
		AltID    string `json:"id"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode user object: %w", err)
	}
	id := obj.ID
	if id == "" {
		id = obj.AltID
	}
	*u = UserRef{ID: id, Username: obj.Username, Avatar: obj.Avatar, embedded: true}
	return nil
}

// MarshalJSON always writes the plain ID form.
func (u UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.ID)
}

// User returns the resolved profile when the reference was embedded.
func (u UserRef) User() *models.User {
	if !u.embedded || u.ID == "" {
		return nil
	}
	return &models.User{ID: u.ID, Username: u.Username, AvatarURL: u.Avatar}
}

// Timestamp accepts RFC3339 strings and unix milliseconds.
type Timestamp time.Time

// UnmarshalJSON decodes either representation.
func (t *Timestamp) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			if ms, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
				*t = Timestamp(time.UnixMilli(ms))
				return nil
			}
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*t = Timestamp(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %s: %w", raw, err)
	}
	*t = Timestamp(time.UnixMilli(ms))
	return nil
}

// MarshalJSON writes RFC3339 with millisecond precision.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(tt.UTC().Format(time.RFC3339Nano))
}

// Time returns the underlying time value.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// Quoted is the server form of a quoted message snapshot.
type Quoted struct {
	ID          string  `json:"_id"`
	Sender      UserRef `json:"senderId"`
	Content     string  `json:"content"`
	MessageType string  `json:"messageType"`
	FileURL     string  `json:"fileUrl,omitempty"`
}

// Message is the server JSON shape of a chat message.
type Message struct {
	ID          string    `json:"_id,omitempty"`
	TempID      string    `json:"tempId,omitempty"`
	Sender      UserRef   `json:"senderId"`
	ReceiverID  string    `json:"receiverId,omitempty"`
	GroupID     string    `json:"groupId,omitempty"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType,omitempty"`
	FileURL     string    `json:"fileUrl,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	Duration    int       `json:"duration,omitempty"`
	CreatedAt   Timestamp `json:"createdAt"`
	UpdatedAt   Timestamp `json:"updatedAt,omitempty"`
	Status      string    `json:"status,omitempty"`
	DeliveredTo []string  `json:"deliveredTo,omitempty"`
	ReadBy      []string  `json:"readBy,omitempty"`
	Quoted      *Quoted   `json:"quotedMessage,omitempty"`
	Edited      bool      `json:"isEdited,omitempty"`
}

// Normalize converts a server message into the canonical model. self is the
// local user ID; a direct message's target is always the other party.
func Normalize(self string, w Message) (models.Message, *models.User, error) {
	if w.Sender.ID == "" {
		return models.Message{}, nil, ErrMissingSender
	}
	if w.ReceiverID != "" && w.GroupID != "" {
		return models.Message{}, nil, ErrAmbiguousTarget
	}

	var target models.Target
	switch {
	case w.GroupID != "":
		target = models.Group(w.GroupID)
	case w.ReceiverID != "":
		peer := w.ReceiverID
		if w.ReceiverID == self {
			peer = w.Sender.ID
		}
		target = models.Direct(peer)
	default:
		return models.Message{}, nil, ErrMissingTarget
	}

	status := models.MessageStatus(w.Status)
	if status.Rank() == 0 && status != models.StatusFailed {
		status = models.StatusSent
	}
	if w.ID == "" && w.TempID != "" && w.Status == "" {
		status = models.StatusPending
	}

	msg := models.Message{
		ID:          w.ID,
		TempID:      w.TempID,
		Target:      target,
		SenderID:    w.Sender.ID,
		Body:        bodyFromWire(w.MessageType, w.Content, w.FileURL, w.FileName, w.FileSize, w.Duration),
		CreatedAt:   w.CreatedAt.Time(),
		UpdatedAt:   w.UpdatedAt.Time(),
		Status:      status,
		DeliveredBy: append([]string(nil), w.DeliveredTo...),
		ReadBy:      append([]string(nil), w.ReadBy...),
		Edited:      w.Edited,
	}
	if w.Quoted != nil && w.Quoted.ID != "" {
		msg.Quoted = &models.QuotedMessage{
			ID:       w.Quoted.ID,
			SenderID: w.Quoted.Sender.ID,
			Body:     bodyFromWire(w.Quoted.MessageType, w.Quoted.Content, w.Quoted.FileURL, "", 0, 0),
		}
	}

	return msg, w.Sender.User(), nil
}

// FromModel builds the server shape for an outbound message.
func FromModel(m models.Message) Message {
	out := Message{
		ID:          m.ID,
		TempID:      m.TempID,
		Sender:      UserRef{ID: m.SenderID},
		Content:     m.Body.Text,
		MessageType: string(m.Body.Kind),
		FileURL:     m.Body.MediaURL,
		FileName:    m.Body.FileName,
		FileSize:    m.Body.FileSize,
		Duration:    m.Body.Duration,
		CreatedAt:   Timestamp(m.CreatedAt),
		Status:      string(m.Status),
	}
	switch m.Target.Kind {
	case models.KindGroup:
		out.GroupID = m.Target.ID
	default:
		out.ReceiverID = m.Target.ID
	}
	if m.Quoted != nil {
		out.Quoted = &Quoted{
			ID:          m.Quoted.ID,
			Sender:      UserRef{ID: m.Quoted.SenderID},
			Content:     m.Quoted.Body.Text,
			MessageType: string(m.Quoted.Body.Kind),
			FileURL:     m.Quoted.Body.MediaURL,
		}
	}
	return out
}

func bodyFromWire(messageType, content, fileURL, fileName string, fileSize int64, duration int) models.Body {
	kind := models.BodyKind(messageType)
	switch kind {
	case models.BodyText, models.BodyImage, models.BodyAudio, models.BodyFile, models.BodyCall:
	default:
		kind = models.BodyText
	}
	return models.Body{
		Kind:     kind,
		Text:     content,
		MediaURL: fileURL,
		FileName: fileName,
		FileSize: fileSize,
		Duration: duration,
	}
}
