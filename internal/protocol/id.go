package protocol

import (
	"crypto/rand"

	"github.com/mr-tron/base58"
)

// NewRequestID returns a random 128-bit identifier in compact base58 form.
// Collision probability is negligible across sessions.
func NewRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return base58.Encode(b[:])
}
