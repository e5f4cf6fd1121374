package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedConfig writes a config file that the test can rewrite later.
func seedConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	require.NoError(t, os.Mkdir(cfgDir, 0o755))
	path := filepath.Join(cfgDir, "live.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestHolder(t *testing.T, path string) *Holder {
	t.Helper()
	cfg, err := Load(path)
	require.NoError(t, err)
	return NewHolder(cfg, path)
}

func TestHolderReloadSwapsConfig(t *testing.T) {
	path := seedConfig(t, "exposure:\n  shutter_us: 1000\n")
	h := newTestHolder(t, path)
	require.Equal(t, uint32(1000), h.Current().Exposure.ShutterUs)

	require.NoError(t, os.WriteFile(path, []byte("exposure:\n  shutter_us: 2000\n"), 0o644))
	require.NoError(t, h.Reload())
	assert.Equal(t, uint32(2000), h.Current().Exposure.ShutterUs)
}

func TestHolderReloadKeepsPreviousOnError(t *testing.T) {
	path := seedConfig(t, "exposure:\n  shutter_us: 1000\n")
	h := newTestHolder(t, path)

	require.NoError(t, os.WriteFile(path, []byte("exposure:\n  gain: -3.0\n"), 0o644))
	assert.Error(t, h.Reload())
	assert.Equal(t, uint32(1000), h.Current().Exposure.ShutterUs,
		"a broken file must not displace the running configuration")
}

func TestHolderNotifiesListeners(t *testing.T) {
	path := seedConfig(t, "exposure:\n  shutter_us: 1000\n")
	h := newTestHolder(t, path)

	ch := make(chan *Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte("exposure:\n  shutter_us: 2000\n"), 0o644))
	require.NoError(t, h.Reload())

	select {
	case got := <-ch:
		assert.Equal(t, uint32(2000), got.Exposure.ShutterUs)
	default:
		t.Fatal("listener did not receive the reloaded config")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := seedConfig(t, "exposure:\n  shutter_us: 1000\n")
	h := newTestHolder(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("exposure:\n  shutter_us: 3000\n"), 0o644))
	assert.Eventually(t, func() bool {
		return h.Current().Exposure.ShutterUs == 3000
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchRejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	h := NewHolder(&Config{}, filepath.Join(dir, "configs", "gone.yaml"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, h.Watch(ctx))
}
