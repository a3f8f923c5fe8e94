// Package rtc adapts pion/webrtc to the call engine's peer connection and
// media interfaces.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"chatsync/call"
	"chatsync/logging"
	"chatsync/models"
)

// ErrForeignStream rejects local streams not created by Media.
var ErrForeignStream = errors.New("rtc: stream was not created by rtc.Media")

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Factory creates pion peer connections.
type Factory struct {
	iceServers []webrtc.ICEServer
	logger     *zap.Logger
}

// NewFactory builds a factory for the given STUN/TURN URLs.
func NewFactory(urls []string, logger *zap.Logger) *Factory {
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return &Factory{
		iceServers: servers,
		logger:     logging.OrNop(logger).Named("rtc"),
	}
}

// NewPeerConnection creates a peer connection with the default codecs and
// interceptors, wired to handlers.
func (f *Factory) NewPeerConnection(handlers call.PeerHandlers) (call.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &PeerConnection{pc: pc, logger: f.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || handlers.OnICECandidate == nil {
			return
		}
		handlers.OnICECandidate(fromCandidateInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer_connection_state", zap.String("state", state.String()))
		if handlers.OnConnectionState != nil {
			handlers.OnConnectionState(connectionState(state))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if handlers.OnRemoteTrack != nil {
			handlers.OnRemoteTrack(call.RemoteTrack{ID: track.ID(), Kind: track.Kind().String()})
		}
	})
	return p, nil
}

// PeerConnection wraps a pion peer connection. Remote candidates that arrive
// before the remote description are queued and applied once it is set.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu        sync.Mutex
	hasRemote bool
	queued    []webrtc.ICECandidateInit
}

// AddStream adds every track of a stream created by Media.
func (p *PeerConnection) AddStream(stream call.LocalStream) error {
	s, ok := stream.(*Stream)
	if !ok {
		return ErrForeignStream
	}
	for _, track := range s.tracks {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromDescription(offer), nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromDescription(answer), nil
}

func (p *PeerConnection) SetLocalDescription(desc models.SessionDescription) error {
	if err := p.pc.SetLocalDescription(toDescription(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

// SetRemoteDescription applies desc and then any queued remote candidates.
func (p *PeerConnection) SetRemoteDescription(desc models.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toDescription(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.hasRemote = true
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, candidate := range queued {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			p.logger.Debug("queued_candidate_rejected", zap.Error(err))
		}
	}
	return nil
}

func (p *PeerConnection) AddICECandidate(candidate models.ICECandidate) error {
	init := toCandidateInit(candidate)
	p.mu.Lock()
	if !p.hasRemote {
		p.queued = append(p.queued, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// Queued returns the number of remote candidates awaiting the remote
// description.
func (p *PeerConnection) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

func connectionState(state webrtc.PeerConnectionState) call.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnectionClosed
	default:
		return call.ConnectionNew
	}
}

func fromDescription(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: models.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toDescription(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromCandidateInit(init webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func toCandidateInit(c models.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
