package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log_level: debug
server:
  addr: ":9000"
  database_url: "postgres://user:pw@db:5432/notes"
agent:
  authority_url: "http://authority:9000"
  note_id: "n1"
  discovery_timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "postgres://user:pw@db:5432/notes", cfg.Server.DatabaseURL)
	assert.Equal(t, "http://authority:9000", cfg.Agent.AuthorityURL)
	assert.Equal(t, "n1", cfg.Agent.NoteID)
	assert.Equal(t, 3*time.Second, cfg.Agent.DiscoveryTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.Agent.Addr)
	assert.True(t, cfg.Agent.AutoResync)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "server:\n  redis_addr: \"file:6379\"\n")
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("NOTESYNC_AUTO_RESYNC", "false")
	t.Setenv("NOTESYNC_NOTE_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Server.RedisAddr)
	assert.False(t, cfg.Agent.AutoResync)
	assert.Equal(t, "from-env", cfg.Agent.NoteID)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad level":  "log_level: loud\n",
		"bad addr":   "server:\n  addr: \"no-port\"\n",
		"bad url":    "agent:\n  authority_url: \"::nope\"\n",
		"empty addr": "agent:\n  addr: \"\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("NOTESYNC_AUTO_RESYNC", "maybe")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "warn"
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "doc_id", "d1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"doc_id":"d1"`)
}
