package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/config"
	"github.com/thedanheller/remote-brain/internal/transport"
)

func TestLoadOrCreateTopicPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "topic")

	created, err := loadOrCreateTopic(path)
	require.NoError(t, err)

	loaded, err := loadOrCreateTopic(path)
	require.NoError(t, err)
	require.Equal(t, created, loaded)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), created.ServerID())
}

func TestLoadOrCreateTopicEphemeral(t *testing.T) {
	t.Parallel()

	a, err := loadOrCreateTopic("")
	require.NoError(t, err)
	b, err := loadOrCreateTopic("")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestLoadOrCreateTopicRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "topic")
	require.NoError(t, os.WriteFile(path, []byte("not-a-topic\n"), 0o600))

	_, err := loadOrCreateTopic(path)
	require.ErrorIs(t, err, transport.ErrInvalidServerID)
}

func TestNewHostRequiresModel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Host.Name = "studio"

	logger := zap.NewNop()
	_, err := NewHost(cfg, logger, zap.NewAtomicLevel())
	require.ErrorContains(t, err, "model")
}

func TestNewHostServerID(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Host.Name = "studio"
	cfg.Host.Model = "llama3"
	cfg.Transport.TopicFile = filepath.Join(t.TempDir(), "topic")

	host, err := NewHost(cfg, zap.NewNop(), zap.NewAtomicLevel())
	require.NoError(t, err)

	parsed, err := transport.ParseServerID(host.ServerID())
	require.NoError(t, err)
	require.Equal(t, host.topic, parsed)
}
