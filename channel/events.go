package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/models"
	"chatsync/wire"
)

// EventType names an event on the channel.
type EventType string

const (
	// Lifecycle events are produced locally by the transport.
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"

	EventNewMessage      EventType = "new_message"
	EventNewGroupMessage EventType = "new_group_message"
	EventMessageUpdated  EventType = "message_updated"
	EventMessageDeleted  EventType = "message_deleted"
	EventDeliveryReceipt EventType = "delivery_receipt"
	EventReadReceipt     EventType = "read_receipt"
	EventGroupUpdated    EventType = "group_updated"
	EventGroupDeleted    EventType = "group_deleted"
	EventUserUpdated     EventType = "user_updated"

	EventCallRequest        EventType = "call_request"
	EventCallAnswer         EventType = "call_answer"
	EventCallReject         EventType = "call_reject"
	EventCallEnd            EventType = "call_end"
	EventICECandidate       EventType = "ice_candidate"
	EventCallHistoryMessage EventType = "call_history_message"
)

var (
	// ErrUnknownEvent indicates an envelope type this client does not handle.
	ErrUnknownEvent = errors.New("channel: unknown event type")
	// ErrNotConnected indicates an emit while the transport is down.
	ErrNotConnected = errors.New("channel: not connected")
)

// Envelope is the frame exchanged with the relay.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Event is one decoded inbound event.
type Event interface {
	Type() EventType
}

// Connected is delivered after every successful (re)connect.
type Connected struct {
	Reconnect bool
}

// Disconnected is delivered when the transport drops.
type Disconnected struct {
	Err error
}

// NewMessage carries a direct or group message.
type NewMessage struct {
	Message models.Message
	Sender  *models.User
}

// MessageUpdated carries an edited message.
type MessageUpdated struct {
	Message models.Message
}

// MessageDeleted identifies a removed message.
type MessageDeleted struct {
	MessageID string
	Target    models.Target
}

// DeliveryReceipt reports that UserID received the listed messages.
type DeliveryReceipt struct {
	MessageIDs []string
	UserID     string
	Target     models.Target
}

// ReadReceipt reports that UserID read the listed messages. An empty
// MessageIDs list means everything in Target up to now.
type ReadReceipt struct {
	MessageIDs []string
	UserID     string
	Target     models.Target
}

// GroupUpdated carries new group metadata.
type GroupUpdated struct {
	GroupID string
	Name    string
}

// GroupDeleted reports a removed group.
type GroupDeleted struct {
	GroupID string
}

// UserUpdated carries a changed user profile.
type UserUpdated struct {
	User models.User
}

// CallRequest is an incoming call offer.
type CallRequest struct {
	CallID     string
	From       string
	CallerName string
	MediaKind  models.MediaKind
	Offer      models.SessionDescription
}

// CallAnswer is the callee's SDP answer.
type CallAnswer struct {
	CallID string
	From   string
	Answer models.SessionDescription
}

// CallReject reports that the callee declined.
type CallReject struct {
	CallID string
	From   string
	Reason string
}

// CallEnd reports that the remote party hung up.
type CallEnd struct {
	CallID       string
	From         string
	Reason       string
	WasConnected bool
}

// ICECandidate is a remote connectivity candidate.
type ICECandidate struct {
	CallID    string
	From      string
	Candidate models.ICECandidate
}

func (Connected) Type() EventType       { return EventConnect }
func (Disconnected) Type() EventType    { return EventDisconnect }
func (NewMessage) Type() EventType      { return EventNewMessage }
func (MessageUpdated) Type() EventType  { return EventMessageUpdated }
func (MessageDeleted) Type() EventType  { return EventMessageDeleted }
func (DeliveryReceipt) Type() EventType { return EventDeliveryReceipt }
func (ReadReceipt) Type() EventType     { return EventReadReceipt }
func (GroupUpdated) Type() EventType    { return EventGroupUpdated }
func (GroupDeleted) Type() EventType    { return EventGroupDeleted }
func (UserUpdated) Type() EventType     { return EventUserUpdated }
func (CallRequest) Type() EventType     { return EventCallRequest }
func (CallAnswer) Type() EventType      { return EventCallAnswer }
func (CallReject) Type() EventType      { return EventCallReject }
func (CallEnd) Type() EventType         { return EventCallEnd }
func (ICECandidate) Type() EventType    { return EventICECandidate }

// MessageRef is the payload of message_deleted.
type MessageRef struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

// ReceiptPayload is the payload of delivery_receipt and read_receipt.
type ReceiptPayload struct {
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	UserID     string   `json:"userId"`
	TargetID   string   `json:"targetId,omitempty"`
	TargetType string   `json:"targetType,omitempty"`
}

// GroupPayload is the payload of group_updated and group_deleted.
type GroupPayload struct {
	ID      string `json:"_id,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Name    string `json:"name,omitempty"`
}

// UserPayload is the payload of user_updated.
type UserPayload struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// CallPayload is shared by all call signaling events.
type CallPayload struct {
	CallID       string                     `json:"callId,omitempty"`
	From         string                     `json:"from,omitempty"`
	To           string                     `json:"to"`
	CallerName   string                     `json:"callerName,omitempty"`
	MediaKind    models.MediaKind           `json:"mediaKind,omitempty"`
	Offer        *models.SessionDescription `json:"offer,omitempty"`
	Answer       *models.SessionDescription `json:"answer,omitempty"`
	Candidate    *models.ICECandidate       `json:"candidate,omitempty"`
	Reason       string                     `json:"reason,omitempty"`
	WasConnected bool                       `json:"wasConnected,omitempty"`
}

// CallHistoryPayload summarizes a finished call as a chat message.
type CallHistoryPayload struct {
	CallID    string           `json:"callId,omitempty"`
	To        string           `json:"to"`
	MediaKind models.MediaKind `json:"mediaKind"`
	Status    string           `json:"status"`
	Duration  int              `json:"duration"`
	StartedAt wire.Timestamp   `json:"startedAt,omitempty"`
	EndedAt   wire.Timestamp   `json:"endedAt,omitempty"`
}

// Encode wraps a payload into an envelope frame.
func Encode(eventType EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Decode parses one envelope frame into a typed event. self is the local
// user ID, used to resolve direct-chat targets.
func Decode(self string, frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrUnknownEvent
	}

	switch env.Type {
	case EventNewMessage, EventNewGroupMessage, EventMessageUpdated:
		var w wire.Message
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg, sender, err := wire.Normalize(self, w)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", env.Type, err)
		}
		if env.Type == EventMessageUpdated {
			return MessageUpdated{Message: msg}, nil
		}
		return NewMessage{Message: msg, Sender: sender}, nil

	case EventMessageDeleted:
		var ref MessageRef
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ref.MessageID == "" {
			return nil, fmt.Errorf("decode %s: message id is required", env.Type)
		}
		return MessageDeleted{MessageID: ref.MessageID, Target: refTarget(self, ref)}, nil

	case EventDeliveryReceipt, EventReadReceipt:
		var p ReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ids := append([]string(nil), p.MessageIDs...)
		if p.MessageID != "" {
			ids = append(ids, p.MessageID)
		}
		target := models.Direct(p.UserID)
		if p.TargetType == string(models.KindGroup) {
			target = models.Group(p.TargetID)
		}
		if env.Type == EventDeliveryReceipt {
			return DeliveryReceipt{MessageIDs: ids, UserID: p.UserID, Target: target}, nil
		}
		return ReadReceipt{MessageIDs: ids, UserID: p.UserID, Target: target}, nil

	case EventGroupUpdated, EventGroupDeleted:
		var p GroupPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		id := p.GroupID
		if id == "" {
			id = p.ID
		}
		if env.Type == EventGroupDeleted {
			return GroupDeleted{GroupID: id}, nil
		}
		return GroupUpdated{GroupID: id, Name: p.Name}, nil

	case EventUserUpdated:
		var p UserPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return UserUpdated{User: models.User{ID: p.ID, Username: p.Username, AvatarURL: p.Avatar}}, nil

	case EventCallRequest, EventCallAnswer, EventCallReject, EventCallEnd, EventICECandidate:
		var p CallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return decodeCall(env.Type, p)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

func decodeCall(eventType EventType, p CallPayload) (Event, error) {
	if p.From == "" {
		return nil, fmt.Errorf("decode %s: from is required", eventType)
	}
	switch eventType {
	case EventCallRequest:
		if p.Offer == nil {
			return nil, fmt.Errorf("decode %s: offer is required", eventType)
		}
		kind := p.MediaKind
		if !kind.Valid() {
			kind = models.MediaVoice
		}
		return CallRequest{CallID: p.CallID, From: p.From, CallerName: p.CallerName, MediaKind: kind, Offer: *p.Offer}, nil
	case EventCallAnswer:
		if p.Answer == nil {
			return nil, fmt.Errorf("decode %s: answer is required", eventType)
		}
		return CallAnswer{CallID: p.CallID, From: p.From, Answer: *p.Answer}, nil
	case EventCallReject:
		return CallReject{CallID: p.CallID, From: p.From, Reason: p.Reason}, nil
	case EventCallEnd:
		return CallEnd{CallID: p.CallID, From: p.From, Reason: p.Reason, WasConnected: p.WasConnected}, nil
	default:
		if p.Candidate == nil {
			return nil, fmt.Errorf("decode %s: candidate is required", eventType)
		}
		return ICECandidate{CallID: p.CallID, From: p.From, Candidate: *p.Candidate}, nil
	}
}

func refTarget(self string, ref MessageRef) models.Target {
	if ref.GroupID != "" {
		return models.Group(ref.GroupID)
	}
	if ref.ReceiverID == self || ref.ReceiverID == "" {
		return models.Direct(ref.SenderID)
	}
	return models.Direct(ref.ReceiverID)
}
