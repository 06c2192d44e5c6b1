package dealhunter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		config, err := LoadConfig("")
		require.NoError(t, err)
		require.Equal(t, ":8700", config.Listen)
		require.Equal(t, "deep_scan", config.Pipeline)
		require.Equal(t, 100*time.Millisecond, config.Stream.FlushInterval.Std())
	})

	t.Run("file overrides defaults, rest stays", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9100"
pipeline: qualification
queue:
  concurrency: 8
stream:
  flush_interval: 250ms
`), 0o644))

		config, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, ":9100", config.Listen)
		require.Equal(t, "qualification", config.Pipeline)
		require.Equal(t, 8, config.Queue.Concurrency)
		require.Equal(t, 250*time.Millisecond, config.Stream.FlushInterval.Std())
		// Untouched keys keep their defaults.
		require.Equal(t, "info", config.LogLevel)
		require.Equal(t, 256, config.Stream.BufferSize)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("listen: ["), 0o644))
		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}
