package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"chatsync/call"
	"chatsync/models"
)

// Media creates local sample tracks for a call. Device capture writes into
// the returned tracks and is outside this package.
type Media struct{}

// Stream is the set of local tracks for one call.
type Stream struct {
	kind   models.MediaKind
	tracks []*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
}

// Acquire builds an Opus audio track, plus a VP8 video track for video calls.
func (Media) Acquire(ctx context.Context, kind models.MediaKind) (call.LocalStream, error) {
	if !kind.Valid() {
		return nil, call.ErrInvalidMediaKind
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "chatsync-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	s := &Stream{kind: kind, tracks: []*webrtc.TrackLocalStaticSample{audio}}

	if kind == models.MediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.tracks = append(s.tracks, video)
	}
	return s, nil
}

func (s *Stream) Kind() models.MediaKind { return s.kind }

// Tracks returns the local tracks, audio first.
func (s *Stream) Tracks() []*webrtc.TrackLocalStaticSample {
	return append([]*webrtc.TrackLocalStaticSample(nil), s.tracks...)
}

// Stop marks the stream released. Later writes are the capturer's concern.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
