package transport

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestServerIDRoundTrip(t *testing.T) {
	t.Parallel()

	topic, err := NewTopic()
	require.NoError(t, err)

	id := topic.ServerID()
	require.NotEmpty(t, id)

	parsed, err := ParseServerID(id)
	require.NoError(t, err)
	require.Equal(t, topic, parsed)
}

func TestParseServerIDRejectsWrongLength(t *testing.T) {
	t.Parallel()

	// valid base58, but only 16 bytes
	short := base58.Encode(make([]byte, 16))
	_, err := ParseServerID(short)
	require.ErrorIs(t, err, ErrInvalidServerID)

	long := base58.Encode(make([]byte, 40))
	_, err = ParseServerID(long)
	require.ErrorIs(t, err, ErrInvalidServerID)
}

func TestParseServerIDRejectsBadAlphabet(t *testing.T) {
	t.Parallel()

	_, err := ParseServerID("0OIl-not-base58")
	require.ErrorIs(t, err, ErrInvalidServerID)

	_, err = ParseServerID("")
	require.ErrorIs(t, err, ErrInvalidServerID)
}

func TestTopicsAreDistinct(t *testing.T) {
	t.Parallel()

	a, err := NewTopic()
	require.NoError(t, err)
	b, err := NewTopic()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
