package storage

import (
	"testing"

	"chatsync/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveMessages(t *testing.T, store *Store, messages ...models.Message) {
	t.Helper()

	if err := store.SaveMessages(messages); err != nil {
		t.Fatalf("save messages: %v", err)
	}
}
