package db

import (
	"context"
	"path/filepath"
	"testing"

	"im-chat/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDSN(t *testing.T) {
	dsn := mysqlDSN(config.DatabaseConfig{
		Host:     "db.local",
		Port:     3307,
		Username: "im",
		Password: "secret",
		Database: "im_chat",
		Charset:  "utf8mb4",
	})

	assert.Contains(t, dsn, "im:secret@tcp(db.local:3307)/im_chat")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:?_busy_timeout=5000&_foreign_keys=1", sqliteDSN(""))
	assert.Equal(t, "file.db?mode=rwc&_busy_timeout=5000&_foreign_keys=1", sqliteDSN("file.db?mode=rwc"))
}

func TestInitSQLiteAndHealthCheck(t *testing.T) {
	t.Cleanup(func() {
		_ = CloseDB()
		DB = nil
	})

	_, err := InitDB(config.DatabaseConfig{
		Driver:  "sqlite",
		Path:    filepath.Join(t.TempDir(), "chat.db"),
		MaxIdle: 1,
		MaxOpen: 4,
	})
	require.NoError(t, err)
	assert.NoError(t, HealthCheck(context.Background()))
	assert.Same(t, DB, GetDB())
}

func TestInitDBUnknownDriver(t *testing.T) {
	_, err := InitDB(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
