// Package identity generates the ephemeral identifiers used across the
// system: peer ids on the signaling layer, room ids, receipts, and
// transfer slot ids.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

const (
	RoomIDBytes  = 24
	ReceiptBytes = 50
)

// NewPeerID returns a fresh peer identity: a dashless UUID joined with a
// short random token. Collision-resistant without any central allocation.
func NewPeerID() string {
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return u + "-" + RandomToken(8)
}

// RandomToken returns n random bytes base64-encoded with every
// non-alphanumeric character stripped, so the result is URL- and
// path-segment-safe.
func RandomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	enc := base64.StdEncoding.EncodeToString(buf)
	var b strings.Builder
	b.Grow(len(enc))
	for _, r := range enc {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NewRoomID returns an identifier suitable for use as a capability-bearing
// room address.
func NewRoomID() string {
	return RandomToken(RoomIDBytes)
}

// NewReceipt returns the secret credential handed to a room's creator.
func NewReceipt() string {
	return RandomToken(ReceiptBytes)
}

// NewFileID returns a stable id for an offered file, valid for the
// lifetime of the room it is offered in.
func NewFileID() string {
	return uuid.NewString()
}

// ShortID trims a peer id down to a display-friendly fragment.
func ShortID(id string) string {
	if id == "" {
		return ""
	}
	parts := strings.Split(id, "-")
	tail := parts[len(parts)-1]
	if len(tail) > 8 {
		tail = tail[:8]
	}
	return tail
}
