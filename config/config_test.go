package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromYAMLMissingFileUsesDefaults(t *testing.T) {
	cfg := loadFromYAML(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Presence.StaleAfter)
	assert.Equal(t, int64(100<<20), cfg.Attachment.MaxSize)
	assert.False(t, cfg.Reaper.Enabled)
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
database:
  driver: sqlite
  path: /tmp/chat.db
presence:
  heartbeatInterval: 10s
  staleAfter: 25s
reaper:
  enabled: true
  cron: "0 * * * *"
`)
	cfg := loadFromYAML(path)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 25*time.Second, cfg.Presence.StaleAfter)
	assert.True(t, cfg.Reaper.Enabled)
	assert.Equal(t, "0 * * * *", cfg.Reaper.Cron)
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 2*time.Second, cfg.Presence.TypingIdle)
	assert.Equal(t, "im:chat:feed", cfg.Redis.Channel)
}

func TestLoadFromYAMLInvalidFallsBack(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "server: [unterminated")
	cfg := loadFromYAML(path)
	assert.Equal(t, getDefaultConfig(), cfg)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  port: "9000"
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("PRESENCE_STALE_AFTER", "45s")
	t.Setenv("REAPER_CRON", "*/10 * * * *")

	cfg := LoadConfig()

	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Presence.StaleAfter)
	assert.Equal(t, "*/10 * * * *", cfg.Reaper.Cron)
}

func TestEnvHelpersIgnoreMalformedValues(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "soon")

	assert.Equal(t, 7, getEnvInt("X_INT", 7))
	assert.True(t, getEnvBool("X_BOOL", true))
	assert.Equal(t, time.Minute, getEnvDuration("X_DUR", time.Minute))
}
