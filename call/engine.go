// Package call drives at most one voice or video call through offer,
// answer and ICE exchange to a connected media session and back to idle.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/channel"
	"chatsync/logging"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/session"
)

const (
	subscriberName      = "call"
	defaultTickInterval = time.Second
	noticeBuffer        = 32
)

// Options configures an Engine.
type Options struct {
	Session *session.Session
	Peers   PeerFactory
	Media   MediaSource
	History HistoryRecorder
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// OnTick is called about once per TickInterval while connected.
	OnTick func(Snapshot)
	// OnChange is called after every status transition.
	OnChange     func(Snapshot)
	TickInterval time.Duration
	Now          func() time.Time
}

// activeCall is the single call session. It is only mutated under
// Engine.mu and replaced by nil when the call ends.
type activeCall struct {
	id        string
	status    Status
	direction Direction
	mediaKind models.MediaKind

	remote     string
	remoteName string

	local        LocalStream
	peer         PeerConnection
	remoteTracks []RemoteTrack
	pendingOffer *models.SessionDescription

	// remoteAware is set once the remote party knows about this call.
	remoteAware bool
	// trickle is set once local candidates may be sent: after the offer for
	// the caller, after the answer for the callee.
	trickle bool
	// Candidates gathered before the remote knows about the call, and remote
	// candidates that arrived before a peer connection existed.
	localCandidates  []models.ICECandidate
	remoteCandidates []models.ICECandidate

	createdAt    time.Time
	startedAt    time.Time
	wasConnected bool
	stopTicker   chan struct{}
}

// Engine is the call signaling state machine.
type Engine struct {
	self        string
	displayName string
	channel     channel.Channel
	peers       PeerFactory
	media       MediaSource
	history     HistoryRecorder
	metrics     *metrics.Metrics
	logger      *zap.Logger

	onTick       func(Snapshot)
	onChange     func(Snapshot)
	tickInterval time.Duration
	now          func() time.Time

	mu          sync.Mutex
	call        *activeCall
	lastReason  Reason
	unsubscribe func()

	notices chan models.Notice
}

// NewEngine validates options and builds an idle engine.
func NewEngine(options Options) (*Engine, error) {
	if options.Session == nil {
		return nil, errors.New("session is required")
	}
	if options.Peers == nil {
		return nil, errors.New("peer factory is required")
	}
	if options.Media == nil {
		return nil, errors.New("media source is required")
	}
	if options.TickInterval <= 0 {
		options.TickInterval = defaultTickInterval
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Engine{
		self:         options.Session.UserID,
		displayName:  options.Session.DisplayName,
		channel:      options.Session.Channel,
		peers:        options.Peers,
		media:        options.Media,
		history:      options.History,
		metrics:      options.Metrics,
		logger:       logging.OrNop(options.Logger).Named("call"),
		onTick:       options.OnTick,
		onChange:     options.OnChange,
		tickInterval: options.TickInterval,
		now:          options.Now,
		notices:      make(chan models.Notice, noticeBuffer),
	}, nil
}

// Attach subscribes the engine to its channel, replacing any previous
// subscription.
func (e *Engine) Attach() {
	unsubscribe := e.channel.Subscribe(subscriberName, e.HandleEvent)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
}

// Detach removes the channel subscription.
func (e *Engine) Detach() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Notices returns user-visible notices.
func (e *Engine) Notices() <-chan models.Notice {
	return e.notices
}

// Snapshot returns the current call state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	c := e.call
	if c == nil {
		return Snapshot{Status: StatusIdle, LocalPartyID: e.self, LastReason: e.lastReason}
	}
	s := Snapshot{
		CallID:          c.id,
		Status:          c.status,
		Direction:       c.direction,
		MediaKind:       c.mediaKind,
		LocalPartyID:    e.self,
		RemotePartyID:   c.remote,
		RemoteName:      c.remoteName,
		StartedAt:       c.startedAt,
		HasLocalMedia:   c.local != nil,
		HasPeer:         c.peer != nil,
		HasPendingOffer: c.pendingOffer != nil,
		RemoteTracks:    append([]RemoteTrack(nil), c.remoteTracks...),
	}
	if c.wasConnected {
		s.Duration = e.now().Sub(c.startedAt)
	}
	return s
}

// currentLocked returns the active call if it is still id.
func (e *Engine) currentLocked(id string) *activeCall {
	if e.call == nil || e.call.id != id {
		return nil
	}
	return e.call
}

func (e *Engine) setStatusLocked(c *activeCall, status Status) Snapshot {
	c.status = status
	e.metrics.CallTransition(string(status))
	return e.snapshotLocked()
}

func (e *Engine) changed(s Snapshot) {
	e.logger.Debug("call_state", zap.String("call_id", s.CallID), zap.String("status", string(s.Status)))
	if e.onChange != nil {
		e.onChange(s)
	}
}

func (e *Engine) notify(level models.NoticeLevel, message string, err error) {
	notice := models.Notice{
		Level:   level,
		Source:  subscriberName,
		Message: message,
		Err:     err,
		At:      e.now(),
	}
	select {
	case e.notices <- notice:
	default:
		e.logger.Warn("notice_dropped", zap.String("message", message))
	}
}

func (e *Engine) emit(ctx context.Context, eventType channel.EventType, payload any) error {
	if !e.channel.Connected() {
		return ErrChannelDisconnected
	}
	return e.channel.Emit(ctx, eventType, payload)
}

// StartCall places an outgoing call to peerID and returns its call ID.
func (e *Engine) StartCall(ctx context.Context, peerID string, kind models.MediaKind) (string, error) {
	if !kind.Valid() {
		return "", ErrInvalidMediaKind
	}
	if peerID == "" || peerID == e.self {
		return "", ErrInvalidPeer
	}
	if !e.channel.Connected() {
		return "", ErrChannelDisconnected
	}

	e.mu.Lock()
	if e.call != nil {
		e.mu.Unlock()
		return "", ErrCallInProgress
	}
	id := uuid.NewString()
	e.call = &activeCall{
		id:        id,
		direction: DirectionOutgoing,
		mediaKind: kind,
		remote:    peerID,
		createdAt: e.now(),
	}
	snapshot := e.setStatusLocked(e.call, StatusInitiating)
	e.mu.Unlock()
	e.changed(snapshot)

	e.logger.Info("call_starting", zap.String("call_id", id), zap.String("peer", peerID), zap.String("media", string(kind)))

	peer, err := e.prepare(ctx, id, kind)
	if err != nil {
		return "", err
	}

	offer, err := peer.CreateOffer(ctx)
	if err == nil {
		err = peer.SetLocalDescription(offer)
	}
	if err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return "", err
	}

	// The answer may be dispatched before emit returns, so the call must
	// already be waiting for it.
	e.mu.Lock()
	c := e.currentLocked(id)
	if c == nil {
		e.mu.Unlock()
		return "", ErrCallEnded
	}
	snapshot = e.setStatusLocked(c, StatusCalling)
	e.mu.Unlock()
	e.changed(snapshot)

	err = e.emit(ctx, channel.EventCallRequest, channel.CallPayload{
		CallID:     id,
		From:       e.self,
		To:         peerID,
		CallerName: e.displayName,
		MediaKind:  kind,
		Offer:      &offer,
	})
	if err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return "", err
	}

	e.mu.Lock()
	if c = e.currentLocked(id); c == nil {
		e.mu.Unlock()
		return "", ErrCallEnded
	}
	c.remoteAware = true
	c.trickle = true
	pending := c.localCandidates
	c.localCandidates = nil
	e.mu.Unlock()

	e.flushLocalCandidates(ctx, id, peerID, pending)
	return id, nil
}

// prepare acquires media and creates the peer connection for call id,
// re-checking after every await that the call is still current.
func (e *Engine) prepare(ctx context.Context, id string, kind models.MediaKind) (PeerConnection, error) {
	stream, err := e.media.Acquire(ctx, kind)
	if err != nil {
		e.end(ctx, id, ReasonMediaError, false, err)
		return nil, err
	}

	e.mu.Lock()
	c := e.currentLocked(id)
	if c == nil {
		e.mu.Unlock()
		stream.Stop()
		e.metrics.Stale("media_acquire")
		return nil, ErrCallEnded
	}
	c.local = stream
	e.mu.Unlock()

	peer, err := e.peers.NewPeerConnection(e.handlersFor(id))
	if err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return nil, err
	}

	e.mu.Lock()
	c = e.currentLocked(id)
	if c == nil {
		e.mu.Unlock()
		_ = peer.Close()
		return nil, ErrCallEnded
	}
	c.peer = peer
	e.mu.Unlock()

	if err := peer.AddStream(stream); err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return nil, err
	}
	return peer, nil
}

// AcceptCall answers the ringing call.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	c := e.call
	if c == nil || c.status != StatusRinging || c.pendingOffer == nil {
		e.mu.Unlock()
		return ErrNotRinging
	}
	id, kind, remote, offer := c.id, c.mediaKind, c.remote, *c.pendingOffer
	snapshot := e.setStatusLocked(c, StatusConnecting)
	e.mu.Unlock()
	e.changed(snapshot)

	peer, err := e.prepare(ctx, id, kind)
	if err != nil {
		return err
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return err
	}

	e.mu.Lock()
	c = e.currentLocked(id)
	if c == nil {
		e.mu.Unlock()
		return ErrCallEnded
	}
	queued := c.remoteCandidates
	c.remoteCandidates = nil
	c.pendingOffer = nil
	e.mu.Unlock()

	for _, candidate := range queued {
		if err := peer.AddICECandidate(candidate); err != nil {
			e.logger.Debug("remote_candidate_rejected", zap.String("call_id", id), zap.Error(err))
		}
	}

	answer, err := peer.CreateAnswer(ctx)
	if err == nil {
		err = peer.SetLocalDescription(answer)
	}
	if err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return err
	}

	e.mu.Lock()
	if e.currentLocked(id) == nil {
		e.mu.Unlock()
		return ErrCallEnded
	}
	e.mu.Unlock()

	if err := e.emit(ctx, channel.EventCallAnswer, channel.CallPayload{
		CallID: id,
		From:   e.self,
		To:     remote,
		Answer: &answer,
	}); err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
		return err
	}

	e.mu.Lock()
	var pending []models.ICECandidate
	if c = e.currentLocked(id); c != nil {
		c.trickle = true
		pending = c.localCandidates
		c.localCandidates = nil
	}
	e.mu.Unlock()

	e.flushLocalCandidates(ctx, id, remote, pending)
	return nil
}

// RejectCall declines the ringing call.
func (e *Engine) RejectCall(ctx context.Context) error {
	e.mu.Lock()
	c := e.call
	if c == nil || c.status != StatusRinging {
		e.mu.Unlock()
		return ErrNotRinging
	}
	id, remote, kind, createdAt := c.id, c.remote, c.mediaKind, c.createdAt
	e.mu.Unlock()

	if err := e.emit(ctx, channel.EventCallReject, channel.CallPayload{
		CallID: id,
		From:   e.self,
		To:     remote,
		Reason: string(ReasonRejected),
	}); err != nil {
		e.logger.Warn("call_reject_emit_failed", zap.String("call_id", id), zap.Error(err))
	}
	e.emitHistory(ctx, id, remote, kind, OutcomeDeclined, 0, createdAt, e.now())

	e.end(ctx, id, ReasonRejected, false, nil)
	return nil
}

// EndCall ends the active call. It is a no-op while idle.
func (e *Engine) EndCall(ctx context.Context, reason Reason) error {
	e.mu.Lock()
	c := e.call
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	if reason == "" {
		reason = ReasonHangup
	}
	e.end(ctx, c.id, reason, false, nil)
	return nil
}

func (e *Engine) handlersFor(id string) PeerHandlers {
	return PeerHandlers{
		OnICECandidate: func(candidate models.ICECandidate) {
			e.onLocalCandidate(id, candidate)
		},
		OnConnectionState: func(state ConnectionState) {
			e.onConnectionState(id, state)
		},
		OnRemoteTrack: func(track RemoteTrack) {
			e.mu.Lock()
			if c := e.currentLocked(id); c != nil {
				c.remoteTracks = append(c.remoteTracks, track)
			}
			e.mu.Unlock()
		},
	}
}

func (e *Engine) onLocalCandidate(id string, candidate models.ICECandidate) {
	e.mu.Lock()
	c := e.currentLocked(id)
	if c == nil {
		e.mu.Unlock()
		return
	}
	if !c.trickle {
		c.localCandidates = append(c.localCandidates, candidate)
		e.mu.Unlock()
		return
	}
	remote := c.remote
	e.mu.Unlock()

	e.flushLocalCandidates(context.Background(), id, remote, []models.ICECandidate{candidate})
}

func (e *Engine) flushLocalCandidates(ctx context.Context, id, remote string, candidates []models.ICECandidate) {
	for i := range candidates {
		candidate := candidates[i]
		if err := e.emit(ctx, channel.EventICECandidate, channel.CallPayload{
			CallID:    id,
			From:      e.self,
			To:        remote,
			Candidate: &candidate,
		}); err != nil {
			e.logger.Debug("ice_candidate_emit_failed", zap.String("call_id", id), zap.Error(err))
			return
		}
	}
}

func (e *Engine) onConnectionState(id string, state ConnectionState) {
	switch state {
	case ConnectionConnected:
		e.mu.Lock()
		c := e.currentLocked(id)
		if c == nil || c.wasConnected {
			e.mu.Unlock()
			return
		}
		c.wasConnected = true
		c.startedAt = e.now()
		c.stopTicker = make(chan struct{})
		snapshot := e.setStatusLocked(c, StatusConnected)
		stop := c.stopTicker
		e.mu.Unlock()

		e.logger.Info("call_connected", zap.String("call_id", id))
		e.changed(snapshot)
		go e.tick(id, stop)
	case ConnectionFailed, ConnectionDisconnected, ConnectionClosed:
		e.end(context.Background(), id, ReasonFailed, false, errors.New("peer connection "+string(state)))
	}
}

// tick reports the call duration until stop is closed.
func (e *Engine) tick(id string, stop <-chan struct{}) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.currentLocked(id) == nil {
				e.mu.Unlock()
				return
			}
			snapshot := e.snapshotLocked()
			e.mu.Unlock()
			if e.onTick != nil {
				e.onTick(snapshot)
			}
		}
	}
}
