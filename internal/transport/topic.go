// Package transport defines the overlay interfaces the relay core consumes
// and a development TCP implementation. The production overlay (encrypted
// rendezvous by topic) plugs in behind the same interfaces.
package transport

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// TopicSize is the byte length of a rendezvous topic.
const TopicSize = 32

// ErrInvalidServerID reports a server id that does not decode to exactly
// TopicSize bytes.
var ErrInvalidServerID = errors.New("transport: invalid server id")

// Topic is the 32-byte identifier peers rendezvous on. Possession of the
// topic is the only discovery mechanism; there is no directory.
type Topic [TopicSize]byte

// NewTopic returns a random topic.
func NewTopic() (Topic, error) {
	var t Topic
	if _, err := rand.Read(t[:]); err != nil {
		return Topic{}, fmt.Errorf("generate topic: %w", err)
	}
	return t, nil
}

// ServerID renders the topic in the base58 form shared with users.
func (t Topic) ServerID() string {
	return base58.Encode(t[:])
}

// ParseServerID decodes a base58 server id, rejecting anything that does
// not yield exactly TopicSize bytes.
func ParseServerID(s string) (Topic, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Topic{}, fmt.Errorf("%w: %v", ErrInvalidServerID, err)
	}
	if len(raw) != TopicSize {
		return Topic{}, fmt.Errorf("%w: decoded to %d bytes, want %d", ErrInvalidServerID, len(raw), TopicSize)
	}
	var t Topic
	copy(t[:], raw)
	return t, nil
}
