package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatsync/channel"
	"chatsync/models"
	"chatsync/storage"
	"chatsync/wire"
)

// end tears down call id and returns the engine to idle. Media and the peer
// connection are released on every path. fromRemote suppresses the call_end
// notification since the remote already knows. It is a no-op when id is no
// longer the active call.
func (e *Engine) end(ctx context.Context, id string, reason Reason, fromRemote bool, cause error) bool {
	e.mu.Lock()
	c := e.currentLocked(id)
	if c == nil {
		e.mu.Unlock()
		return false
	}
	e.call = nil
	e.lastReason = reason
	if c.stopTicker != nil {
		close(c.stopTicker)
	}
	e.metrics.CallTransition(string(StatusIdle))
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if c.local != nil {
		c.local.Stop()
	}
	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			e.logger.Debug("peer_close_failed", zap.String("call_id", id), zap.Error(err))
		}
	}

	endedAt := e.now()
	var duration time.Duration
	if c.wasConnected {
		duration = endedAt.Sub(c.startedAt)
	}

	notifyRemote := !fromRemote && c.remoteAware &&
		reason != ReasonRejected && reason != ReasonDisconnected && reason != ReasonMediaError
	if notifyRemote {
		if err := e.emit(ctx, channel.EventCallEnd, channel.CallPayload{
			CallID:       id,
			From:         e.self,
			To:           c.remote,
			Reason:       string(reason),
			WasConnected: c.wasConnected,
		}); err != nil {
			e.logger.Debug("call_end_emit_failed", zap.String("call_id", id), zap.Error(err))
		}
	}
	if c.wasConnected && c.direction == DirectionOutgoing {
		e.emitHistory(ctx, id, c.remote, c.mediaKind, OutcomeCompleted, duration, c.startedAt, endedAt)
	}

	startedAt := c.startedAt
	if startedAt.IsZero() {
		startedAt = c.createdAt
	}
	outcome := outcomeFor(c, reason)
	e.record(storage.CallRecord{
		CallID:    id,
		PeerID:    c.remote,
		Direction: string(c.direction),
		MediaKind: c.mediaKind,
		Outcome:   outcome,
		Reason:    string(reason),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Duration:  duration,
	})
	e.metrics.CallFinished(string(c.direction), string(reason), c.wasConnected, duration.Seconds())

	e.logger.Info("call_ended",
		zap.String("call_id", id),
		zap.String("reason", string(reason)),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration),
		zap.Error(cause))
	e.noticeFor(reason, fromRemote, cause)
	e.changed(snapshot)
	return true
}

// emitHistory sends the chat summary of a finished call to the remote party.
func (e *Engine) emitHistory(ctx context.Context, id, remote string, kind models.MediaKind, status string, duration time.Duration, startedAt, endedAt time.Time) {
	err := e.emit(ctx, channel.EventCallHistoryMessage, channel.CallHistoryPayload{
		CallID:    id,
		To:        remote,
		MediaKind: kind,
		Status:    status,
		Duration:  int(duration / time.Second),
		StartedAt: wire.Timestamp(startedAt),
		EndedAt:   wire.Timestamp(endedAt),
	})
	if err != nil {
		e.logger.Debug("call_history_emit_failed", zap.String("call_id", id), zap.Error(err))
	}
}

func (e *Engine) noticeFor(reason Reason, fromRemote bool, cause error) {
	switch reason {
	case ReasonMediaError:
		e.notify(models.NoticeError, "could not access camera or microphone", cause)
	case ReasonFailed:
		e.notify(models.NoticeError, "call failed", cause)
	case ReasonDisconnected:
		e.notify(models.NoticeError, "call ended because the connection was lost", cause)
	case ReasonRejected:
		if fromRemote {
			e.notify(models.NoticeInfo, "call declined", nil)
		}
	case ReasonRemoteEnded:
		e.notify(models.NoticeInfo, "call ended", nil)
	}
}

func outcomeFor(c *activeCall, reason Reason) string {
	switch {
	case c.wasConnected:
		return OutcomeCompleted
	case reason == ReasonRejected:
		return OutcomeDeclined
	case reason == ReasonFailed || reason == ReasonMediaError || reason == ReasonDisconnected:
		return OutcomeFailed
	case c.direction == DirectionIncoming:
		return OutcomeMissed
	default:
		return OutcomeCancelled
	}
}
