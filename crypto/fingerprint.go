package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"

	"chatsync/models"
)

// BodyFingerprint returns a truncated BLAKE2b-256 hex digest identifying a
// sender's message content. Two sends of the same content by the same sender
// share a fingerprint regardless of message IDs or timestamps.
func BodyFingerprint(senderID string, body models.Body) string {
	h, _ := blake2b.New256(nil)
	writeField(h, senderID)
	writeField(h, string(body.Kind))
	writeField(h, strings.TrimSpace(body.Text))
	writeField(h, body.MediaURL)
	writeField(h, body.FileName)

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(body.FileSize))
	_, _ = h.Write(size[:])

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// writeField length-prefixes value so adjacent fields cannot run together.
func writeField(w io.Writer, value string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(value)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(value))
}
