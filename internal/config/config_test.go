package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.Device.Halt())
	assert.True(t, cfg.Host.VerifyEnabled())
}

func TestParseMergesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  media: file
  path: /tmp/csd.img
  kernel: rs-parity
  halt_on_violation: false
  accel_latency: 2ms
host:
  queues: 2
  poll_timeout: 10s
  verify: false
logging:
  level: debug
status:
  listen: 127.0.0.1:9400
`))
	require.NoError(t, err)

	assert.Equal(t, MediaFile, cfg.Device.Media)
	assert.Equal(t, "rs-parity", cfg.Device.Kernel)
	assert.False(t, cfg.Device.Halt())
	assert.Equal(t, 2*time.Millisecond, cfg.Device.AccelLatency)
	assert.Equal(t, 2, cfg.Host.Queues)
	assert.Equal(t, 10*time.Second, cfg.Host.PollTimeout)
	assert.False(t, cfg.Host.VerifyEnabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9400", cfg.Status.Listen)

	// untouched fields come from the defaults
	def := Default()
	assert.Equal(t, def.Device.BlockSize, cfg.Device.BlockSize)
	assert.Equal(t, def.Device.Size, cfg.Device.Size)
	assert.Equal(t, def.Host.Pages, cfg.Host.Pages)
	assert.Equal(t, def.Logging.Format, cfg.Logging.Format)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "device:\n  colour: blue\n"},
		{"unknown media", "device:\n  media: tape\n"},
		{"file without path", "device:\n  media: file\n"},
		{"size not block multiple", "device:\n  size: 1000\n"},
		{"too many queues", "host:\n  queues: 64\n"},
		{"queue deeper than device", "host:\n  queue_depth: 4096\n"},
		{"bad duration", "host:\n  poll_timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  pages: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Host.Pages)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
