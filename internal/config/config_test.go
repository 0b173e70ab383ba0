package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmgenid/internal/genid"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, PlatformFDT, cfg.Platform.Source)
	assert.Equal(t, DefaultFDTPath, cfg.Platform.Path)
	assert.Equal(t, DefaultMemoryPath, cfg.Memory.Path)
	assert.Equal(t, InterruptUevent, cfg.Interrupt.Source)
	assert.Equal(t, genid.DefaultReadAttempts, cfg.Monitor.ReadAttempts)
	assert.Equal(t, genid.DefaultFallbackDelay, cfg.Monitor.FallbackDelay)
	assert.Equal(t, genid.DefaultResolveOptions(), cfg.ResolveOptions())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmgenid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  source: acpi
interrupt:
  source: poll
monitor:
  read_attempts: 3
  retry_delay: 2ms
resolver:
  min_interrupt: 0
  max_interrupt: 0
consumers:
  urandom: /dev/urandom
  journal: /var/lib/vmgenid/journal
metrics:
  listen: 127.0.0.1:9464
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultDSDTPath, cfg.Platform.Path)
	assert.Equal(t, 3, cfg.Monitor.ReadAttempts)
	assert.Equal(t, 2*time.Millisecond, cfg.Monitor.RetryDelay)
	assert.Equal(t, DefaultPollInterval, cfg.Monitor.PollInterval)
	assert.Equal(t, "/var/lib/vmgenid/journal", cfg.Consumers.Journal)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)

	opts := cfg.ResolveOptions()
	assert.Zero(t, opts.MinInterrupt)
	assert.Zero(t, opts.MaxInterrupt)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":       "platform:\n  kind: fdt\n",
		"drbg consumer":     "consumers:\n  drbg: true\n",
		"bad platform":      "platform:\n  source: uefi\n",
		"file without path": "interrupt:\n  source: file\n",
		"bad interrupt":     "interrupt:\n  source: msi\n",
		"empty window":      "resolver:\n  min_interrupt: 20\n  max_interrupt: 10\n",
		"bad level":         "log:\n  level: loud\n",
		"bad duration":      "monitor:\n  retry_delay: soon\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
