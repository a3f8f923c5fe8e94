package call

import (
	"context"

	"go.uber.org/zap"

	"chatsync/channel"
	"chatsync/storage"
)

// HandleEvent is the single reducer for inbound signaling events.
func (e *Engine) HandleEvent(ctx context.Context, event channel.Event) {
	switch ev := event.(type) {
	case channel.CallRequest:
		e.metrics.Inbound(subscriberName, string(ev.Type()))
		e.handleRequest(ctx, ev)
	case channel.CallAnswer:
		e.metrics.Inbound(subscriberName, string(ev.Type()))
		e.handleAnswer(ctx, ev)
	case channel.CallReject:
		e.metrics.Inbound(subscriberName, string(ev.Type()))
		if id, ok := e.matchRemote(ev.CallID, ev.From); ok {
			e.end(ctx, id, ReasonRejected, true, nil)
		}
	case channel.CallEnd:
		e.metrics.Inbound(subscriberName, string(ev.Type()))
		if id, ok := e.matchRemote(ev.CallID, ev.From); ok {
			e.end(ctx, id, ReasonRemoteEnded, true, nil)
		}
	case channel.ICECandidate:
		e.handleCandidate(ev)
	case channel.Disconnected:
		e.mu.Lock()
		c := e.call
		e.mu.Unlock()
		if c != nil {
			e.end(ctx, c.id, ReasonDisconnected, false, ev.Err)
		}
	case channel.Connected:
		e.Attach()
	}
}

// matchRemote reports the active call ID when an event comes from its
// remote party. Events without a call ID match on the sender alone.
func (e *Engine) matchRemote(callID, from string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.call
	if c == nil || from == "" || c.remote != from {
		return "", false
	}
	if callID != "" && callID != c.id {
		return "", false
	}
	return c.id, true
}

func (e *Engine) handleRequest(ctx context.Context, ev channel.CallRequest) {
	if ev.From == "" || ev.From == e.self || !ev.MediaKind.Valid() || ev.Offer.SDP == "" {
		e.logger.Warn("call_request_ignored", zap.String("from", ev.From), zap.String("media", string(ev.MediaKind)))
		return
	}
	callID := ev.CallID
	if callID == "" {
		callID = ev.From + ":" + e.now().Format("20060102T150405.000")
	}

	e.mu.Lock()
	if c := e.call; c != nil {
		duplicate := c.id == callID
		e.mu.Unlock()
		if duplicate {
			return
		}
		e.rejectBusy(ctx, callID, ev)
		return
	}
	offer := ev.Offer
	e.call = &activeCall{
		id:           callID,
		direction:    DirectionIncoming,
		mediaKind:    ev.MediaKind,
		remote:       ev.From,
		remoteName:   ev.CallerName,
		pendingOffer: &offer,
		remoteAware:  true,
		createdAt:    e.now(),
	}
	snapshot := e.setStatusLocked(e.call, StatusRinging)
	e.mu.Unlock()

	e.logger.Info("call_ringing", zap.String("call_id", callID), zap.String("from", ev.From))
	e.changed(snapshot)
}

// rejectBusy declines a second incoming call without touching the active
// one.
func (e *Engine) rejectBusy(ctx context.Context, callID string, ev channel.CallRequest) {
	e.logger.Info("call_rejected_busy", zap.String("call_id", callID), zap.String("from", ev.From))
	if err := e.emit(ctx, channel.EventCallReject, channel.CallPayload{
		CallID: callID,
		From:   e.self,
		To:     ev.From,
		Reason: string(ReasonBusy),
	}); err != nil {
		e.logger.Debug("busy_reject_emit_failed", zap.Error(err))
	}

	now := e.now()
	e.record(storage.CallRecord{
		CallID:    callID,
		PeerID:    ev.From,
		Direction: string(DirectionIncoming),
		MediaKind: ev.MediaKind,
		Outcome:   OutcomeMissed,
		Reason:    string(ReasonBusy),
		StartedAt: now,
		EndedAt:   now,
	})
	e.metrics.CallFinished(string(DirectionIncoming), string(ReasonBusy), false, 0)
}

func (e *Engine) handleAnswer(ctx context.Context, ev channel.CallAnswer) {
	e.mu.Lock()
	c := e.call
	if c == nil || c.direction != DirectionOutgoing || c.status != StatusCalling || c.remote != ev.From ||
		(ev.CallID != "" && ev.CallID != c.id) || c.peer == nil {
		e.mu.Unlock()
		e.logger.Debug("call_answer_ignored", zap.String("from", ev.From))
		return
	}
	id, peer := c.id, c.peer
	snapshot := e.setStatusLocked(c, StatusConnecting)
	e.mu.Unlock()
	e.changed(snapshot)

	if err := peer.SetRemoteDescription(ev.Answer); err != nil {
		e.end(ctx, id, ReasonFailed, false, err)
	}
}

func (e *Engine) handleCandidate(ev channel.ICECandidate) {
	e.mu.Lock()
	c := e.call
	if c == nil || c.remote != ev.From || (ev.CallID != "" && ev.CallID != c.id) {
		e.mu.Unlock()
		return
	}
	if c.peer == nil {
		c.remoteCandidates = append(c.remoteCandidates, ev.Candidate)
		e.mu.Unlock()
		return
	}
	peer, id := c.peer, c.id
	e.mu.Unlock()

	if err := peer.AddICECandidate(ev.Candidate); err != nil {
		e.logger.Debug("remote_candidate_rejected", zap.String("call_id", id), zap.Error(err))
	}
}

func (e *Engine) record(record storage.CallRecord) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordCall(record); err != nil {
		e.logger.Warn("call_history_record_failed", zap.String("call_id", record.CallID), zap.Error(err))
	}
}
