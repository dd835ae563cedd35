package logger

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"im-chat/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warn "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestInitLoggerCreatesDirectory(t *testing.T) {
	prev := log
	t.Cleanup(func() { log = prev })

	file := filepath.Join(t.TempDir(), "nested", "app.log")
	l := InitLogger(config.LogConfig{Level: "info", Filename: file, MaxSize: 1})
	require.NotNil(t, l)
	assert.DirExists(t, filepath.Dir(file))
}

func TestRequestLoggerSkipsProbes(t *testing.T) {
	prev := log
	core, logs := observer.New(zapcore.InfoLevel)
	log = zap.New(core)
	t.Cleanup(func() { log = prev })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/conversations", func(c *gin.Context) {
		c.Set("user_id", uint(7))
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 0, logs.Len())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "HTTP请求成功", entry.Message)
	assert.EqualValues(t, 7, entry.ContextMap()["user_id"])
}
