package call

import (
	"context"
	"errors"
	"time"

	"chatsync/models"
	"chatsync/storage"
)

var (
	// ErrCallInProgress rejects starting a call while another is active.
	ErrCallInProgress = errors.New("call: another call is in progress")
	// ErrNotRinging rejects accept or reject without an incoming call.
	ErrNotRinging = errors.New("call: no incoming call is ringing")
	// ErrChannelDisconnected rejects signaling while the channel is down.
	ErrChannelDisconnected = errors.New("call: channel is not connected")
	// ErrInvalidMediaKind rejects an unknown media kind.
	ErrInvalidMediaKind = errors.New("call: invalid media kind")
	// ErrInvalidPeer rejects an empty or self peer ID.
	ErrInvalidPeer = errors.New("call: invalid peer")
	// ErrCallEnded is returned when the call ended while the operation was
	// awaiting media or negotiation. No notice is published for it.
	ErrCallEnded = errors.New("call: call ended during setup")
)

// Status is the call state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInitiating Status = "initiating"
	StatusCalling    Status = "calling"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutgoing Direction = storage.CallDirectionOutgoing
	DirectionIncoming Direction = storage.CallDirectionIncoming
)

// Reason explains why a call ended.
type Reason string

const (
	ReasonHangup       Reason = "hangup"
	ReasonRejected     Reason = "rejected"
	ReasonRemoteEnded  Reason = "remote_ended"
	ReasonFailed       Reason = "failed"
	ReasonDisconnected Reason = "disconnected"
	ReasonUnload       Reason = "unload"
	ReasonBusy         Reason = "busy"
	ReasonMediaError   Reason = "media_error"
)

// History outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeDeclined  = "declined"
	OutcomeMissed    = "missed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// ConnectionState is the peer connection's aggregate state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// LocalStream is acquired local media. Stop releases every track.
type LocalStream interface {
	Kind() models.MediaKind
	Stop()
}

// MediaSource acquires local media for a call.
type MediaSource interface {
	Acquire(ctx context.Context, kind models.MediaKind) (LocalStream, error)
}

// RemoteTrack describes one media track received from the remote party.
type RemoteTrack struct {
	ID   string
	Kind string
}

// PeerHandlers receive peer connection callbacks. They may be invoked on
// any goroutine.
type PeerHandlers struct {
	OnICECandidate    func(models.ICECandidate)
	OnConnectionState func(ConnectionState)
	OnRemoteTrack     func(RemoteTrack)
}

// PeerConnection is one negotiation object. Remote candidates added before
// the remote description must be queued by the implementation.
type PeerConnection interface {
	AddStream(stream LocalStream) error
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	AddICECandidate(candidate models.ICECandidate) error
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection(handlers PeerHandlers) (PeerConnection, error)
}

// HistoryRecorder stores finished calls.
type HistoryRecorder interface {
	RecordCall(record storage.CallRecord) error
}

// Snapshot is a read-only view of the call state.
type Snapshot struct {
	CallID          string
	Status          Status
	Direction       Direction
	MediaKind       models.MediaKind
	LocalPartyID    string
	RemotePartyID   string
	RemoteName      string
	StartedAt       time.Time
	Duration        time.Duration
	HasLocalMedia   bool
	HasPeer         bool
	HasPendingOffer bool
	RemoteTracks    []RemoteTrack
	// LastReason is why the previous call ended, set while idle.
	LastReason Reason
}
