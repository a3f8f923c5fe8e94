package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/channel"
	"chatsync/models"
	"chatsync/session"
	"chatsync/storage"
)

var errDenied = errors.New("permission denied")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStream struct {
	kind models.MediaKind

	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Kind() models.MediaKind { return s.kind }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *fakeStream) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMedia struct {
	mu        sync.Mutex
	err       error
	streams   []*fakeStream
	onAcquire func()
}

func (m *fakeMedia) Acquire(ctx context.Context, kind models.MediaKind) (LocalStream, error) {
	m.mu.Lock()
	hook := m.onAcquire
	err := m.err
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	stream := &fakeStream{kind: kind}
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.mu.Unlock()
	return stream, nil
}

func (m *fakeMedia) last() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// fakePeer gathers one local candidate whenever a local description is set.
type fakePeer struct {
	handlers PeerHandlers

	mu         sync.Mutex
	stream     LocalStream
	local      *models.SessionDescription
	remote     *models.SessionDescription
	candidates []models.ICECandidate
	closed     int
	remoteErr  error
}

func (p *fakePeer) AddStream(stream LocalStream) error {
	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{Type: models.SDPOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{Type: models.SDPAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc models.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()
	if p.handlers.OnICECandidate != nil {
		p.handlers.OnICECandidate(models.ICECandidate{Candidate: "candidate:local-" + string(desc.Type)})
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc models.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate models.ICECandidate) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, candidate)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) setState(state ConnectionState) {
	p.handlers.OnConnectionState(state)
}

func (p *fakePeer) snapshot() (remote *models.SessionDescription, candidates int, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote, len(p.candidates), p.closed
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewPeerConnection(handlers PeerHandlers) (PeerConnection, error) {
	p := &fakePeer{handlers: handlers}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []storage.CallRecord
}

func (h *fakeHistory) RecordCall(record storage.CallRecord) error {
	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) all() []storage.CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.CallRecord(nil), h.records...)
}

type party struct {
	engine  *Engine
	client  *channel.MemoryClient
	media   *fakeMedia
	peers   *fakePeers
	history *fakeHistory
	clock   *fakeClock
}

func newParty(t *testing.T, hub *channel.MemoryHub, userID string, options Options) *party {
	t.Helper()

	client := hub.Connect(userID)
	t.Cleanup(client.Close)
	sess, err := session.New(userID, userID+"-name", client)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	p := &party{
		client:  client,
		media:   &fakeMedia{},
		peers:   &fakePeers{},
		history: &fakeHistory{},
		clock:   &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	options.Session = sess
	options.Peers = p.peers
	options.Media = p.media
	options.History = p.history
	options.Now = p.clock.Now
	p.engine, err = NewEngine(options)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return p
}

func (p *party) sent(eventType channel.EventType) []channel.SentEvent {
	var out []channel.SentEvent
	for _, ev := range p.client.Sent() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func incomingRequest(from, callID string) channel.CallRequest {
	return channel.CallRequest{
		CallID:     callID,
		From:       from,
		CallerName: from,
		MediaKind:  models.MediaVideo,
		Offer:      models.SessionDescription{Type: models.SDPOffer, SDP: "v=0 offer from " + from},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainNotices(e *Engine) []models.Notice {
	var out []models.Notice
	for {
		select {
		case n := <-e.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}
