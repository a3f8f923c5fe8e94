package crypto

import (
	"testing"

	"chatsync/models"
)

func TestBodyFingerprintStableAndSenderScoped(t *testing.T) {
	body := models.Body{Kind: models.BodyText, Text: "hello"}

	a := BodyFingerprint("alice", body)
	if a != BodyFingerprint("alice", models.Body{Kind: models.BodyText, Text: "  hello "}) {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
	if a == BodyFingerprint("bob", body) {
		t.Fatalf("expected different senders to produce different fingerprints")
	}
	if a == BodyFingerprint("alice", models.Body{Kind: models.BodyText, Text: "hello!"}) {
		t.Fatalf("expected different text to produce different fingerprints")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
}

func TestBodyFingerprintFieldBoundaries(t *testing.T) {
	left := BodyFingerprint("ab", models.Body{Kind: models.BodyText, Text: "c"})
	right := BodyFingerprint("a", models.Body{Kind: models.BodyText, Text: "bc"})
	if left == right {
		t.Fatalf("expected length-prefixed fields to keep boundaries distinct")
	}
}
