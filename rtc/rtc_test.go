package rtc

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"chatsync/call"
	"chatsync/models"
)

func newTestPeer(t *testing.T, handlers call.PeerHandlers) *PeerConnection {
	t.Helper()
	factory := NewFactory([]string{"stun:127.0.0.1:3478"}, nil)
	pc, err := factory.NewPeerConnection(handlers)
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*PeerConnection)
}

func TestAcquireBuildsTracksPerKind(t *testing.T) {
	voice, err := Media{}.Acquire(context.Background(), models.MediaVoice)
	if err != nil {
		t.Fatalf("Acquire voice failed: %v", err)
	}
	if n := len(voice.(*Stream).Tracks()); n != 1 {
		t.Fatalf("expected one audio track, got %d", n)
	}

	video, err := Media{}.Acquire(context.Background(), models.MediaVideo)
	if err != nil {
		t.Fatalf("Acquire video failed: %v", err)
	}
	tracks := video.(*Stream).Tracks()
	if len(tracks) != 2 || tracks[0].ID() != "audio" || tracks[1].ID() != "video" {
		t.Fatalf("unexpected video tracks %d", len(tracks))
	}

	video.Stop()
	if !video.(*Stream).Stopped() {
		t.Fatalf("expected stream stopped")
	}

	if _, err := (Media{}).Acquire(context.Background(), "hologram"); err != call.ErrInvalidMediaKind {
		t.Fatalf("expected ErrInvalidMediaKind, got %v", err)
	}
}

func TestOfferCarriesLocalTracks(t *testing.T) {
	pc := newTestPeer(t, call.PeerHandlers{})
	stream, err := Media{}.Acquire(context.Background(), models.MediaVideo)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := pc.AddStream(stream); err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}

	offer, err := pc.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if offer.Type != models.SDPOffer {
		t.Fatalf("expected offer type, got %q", offer.Type)
	}
	sdp := strings.ToLower(offer.SDP)
	if !strings.Contains(sdp, "opus") || !strings.Contains(sdp, "vp8") {
		t.Fatalf("offer is missing codecs:\n%s", offer.SDP)
	}
}

func TestAddStreamRejectsForeignStream(t *testing.T) {
	pc := newTestPeer(t, call.PeerHandlers{})
	if err := pc.AddStream(foreignStream{}); err != ErrForeignStream {
		t.Fatalf("expected ErrForeignStream, got %v", err)
	}
}

func TestRemoteCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	caller := newTestPeer(t, call.PeerHandlers{})
	callee := newTestPeer(t, call.PeerHandlers{})

	stream, err := Media{}.Acquire(context.Background(), models.MediaVoice)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := caller.AddStream(stream); err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}
	offer, err := caller.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	mid := "0"
	var index uint16
	early := models.ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if err := callee.AddICECandidate(early); err != nil {
		t.Fatalf("early AddICECandidate failed: %v", err)
	}
	if n := callee.Queued(); n != 1 {
		t.Fatalf("expected one queued candidate, got %d", n)
	}

	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}
	if n := callee.Queued(); n != 0 {
		t.Fatalf("expected queue flushed, got %d", n)
	}

	answer, err := callee.CreateAnswer(context.Background())
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	if answer.Type != models.SDPAnswer || answer.SDP == "" {
		t.Fatalf("unexpected answer %+v", answer)
	}
}

func TestConnectionStateMapping(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]call.ConnectionState{
		webrtc.PeerConnectionStateNew:          call.ConnectionNew,
		webrtc.PeerConnectionStateConnected:    call.ConnectionConnected,
		webrtc.PeerConnectionStateFailed:       call.ConnectionFailed,
		webrtc.PeerConnectionStateDisconnected: call.ConnectionDisconnected,
		webrtc.PeerConnectionStateClosed:       call.ConnectionClosed,
	}
	for state, want := range cases {
		if got := connectionState(state); got != want {
			t.Fatalf("%s: expected %s, got %s", state, want, got)
		}
	}
}

type foreignStream struct{}

func (foreignStream) Kind() models.MediaKind { return models.MediaVoice }
func (foreignStream) Stop()                  {}
