package storage

import (
	"testing"
	"time"

	"chatsync/models"
)

func TestRecordAndListCalls(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	records := []CallRecord{
		{CallID: "c1", PeerID: "bob", Direction: CallDirectionOutgoing, MediaKind: models.MediaVoice, Outcome: "completed", StartedAt: start, EndedAt: start.Add(90 * time.Second), Duration: 90 * time.Second},
		{CallID: "c2", PeerID: "carol", Direction: CallDirectionIncoming, MediaKind: models.MediaVideo, Outcome: "declined", Reason: "rejected", StartedAt: start.Add(time.Hour)},
	}
	for _, record := range records {
		if err := store.RecordCall(record); err != nil {
			t.Fatalf("RecordCall %s failed: %v", record.CallID, err)
		}
	}
	if err := store.RecordCall(records[0]); err != nil {
		t.Fatalf("duplicate RecordCall failed: %v", err)
	}

	calls, err := store.ListCalls(10)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].CallID != "c2" || calls[0].Reason != "rejected" {
		t.Fatalf("expected newest call first, got %+v", calls[0])
	}
	if calls[1].Duration != 90*time.Second || calls[1].MediaKind != models.MediaVoice {
		t.Fatalf("unexpected completed call %+v", calls[1])
	}
}

func TestRecordCallValidates(t *testing.T) {
	store := newTestStore(t)

	bad := []CallRecord{
		{PeerID: "bob", Direction: CallDirectionOutgoing, MediaKind: models.MediaVoice, Outcome: "completed"},
		{CallID: "c1", PeerID: "bob", Direction: "sideways", MediaKind: models.MediaVoice, Outcome: "completed"},
		{CallID: "c1", PeerID: "bob", Direction: CallDirectionOutgoing, MediaKind: "hologram", Outcome: "completed"},
	}
	for i, record := range bad {
		if err := store.RecordCall(record); err == nil {
			t.Fatalf("record %d: expected validation error", i)
		}
	}
}
