package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/normanking/cortexpuppet/internal/motion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*time.Millisecond, cfg.Loader.BundledSettle)
	assert.Equal(t, 400*time.Millisecond, cfg.Loader.RemoteSettle)
	assert.Equal(t, 3, cfg.Restore.Attempts)
	assert.Equal(t, "Idle", cfg.Emotion.Idle)
	assert.Equal(t, motion.ModeFace, cfg.TrackingMode())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
surface:
  width: 1280
  height: 720
loader:
  remote_settle: 1s
motion:
  mode: upper-body
emotion:
  energetic: Tap
`), 0o644))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 1280, cfg.Surface.Width)
	assert.Equal(t, 720, cfg.Surface.Height)
	assert.Equal(t, time.Second, cfg.Loader.RemoteSettle)
	assert.Equal(t, 100*time.Millisecond, cfg.Loader.BundledSettle, "unset keys keep defaults")
	assert.Equal(t, motion.ModeUpperBody, cfg.TrackingMode())
	assert.Equal(t, "Tap", cfg.Emotion.Energetic)
	assert.Equal(t, "Flick", cfg.Emotion.Intense)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Surface, cfg.Surface)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CORTEXPUPPET_RESTORE_ATTEMPTS", "7")
	t.Setenv("CORTEXPUPPET_TRACKING_URL", "ws://localhost:9000/track")

	cfg, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Restore.Attempts)
	assert.Equal(t, "ws://localhost:9000/track", cfg.Tracking.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
surface:
  width: 0
motion:
  mode: sideways
`), 0o644))

	_, err := Load(NewViper(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surface")
	assert.Contains(t, err.Error(), "sideways")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Surface.Title = "Stage"
	cfg.Restore.Delay = 2 * time.Second
	cfg.Assets.Default = "hiyori"

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "Stage", loaded.Surface.Title)
	assert.Equal(t, 2*time.Second, loaded.Restore.Delay)
	assert.Equal(t, "hiyori", loaded.Assets.Default)
}
