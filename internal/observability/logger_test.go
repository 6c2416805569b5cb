// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/waypoint/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// -- Test Helper Functions --

// bufferSyncer lets tests capture console output without swapping os.Stdout.
type bufferSyncer struct{ bytes.Buffer }

func (b *bufferSyncer) Sync() error { return nil }

func initToBuffer(t *testing.T, cfg config.LoggerConfig) *bufferSyncer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	buf := &bufferSyncer{}
	Initialize(cfg, zapcore.AddSync(buf))
	return buf
}

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Run("console logger with colors", func(t *testing.T) {
		buf := initToBuffer(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "waypoint",
			Colors:      config.ColorConfig{Info: "green"},
		})
		GetLogger().Named("guided").Info("selected link")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "selected link")
		assert.Contains(t, output, "waypoint.guided.")
		assert.Contains(t, output, ansi["green"]+"INFO"+ansiReset)
	})

	t.Run("json logger", func(t *testing.T) {
		buf := initToBuffer(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"})
		GetLogger().Warn("bucket transition", zap.String("bucket", "bayes_state"))
		Sync()

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "WARN", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "bucket transition", logEntry["msg"])
		assert.Equal(t, "bayes_state", logEntry["bucket"])
	})

	t.Run("debug entries are dropped at info level", func(t *testing.T) {
		buf := initToBuffer(t, config.LoggerConfig{Level: "info", Format: "json"})
		GetLogger().Debug("hidden")
		Sync()
		assert.Empty(t, buf.String())
	})

	t.Run("writes to a rotated log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "waypoint.log")
		initToBuffer(t, config.LoggerConfig{Level: "debug", Format: "json", LogFile: path, MaxSize: 1})
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
	})

	t.Run("only initializes once", func(t *testing.T) {
		buf := initToBuffer(t, config.LoggerConfig{Level: "info", ServiceName: "First"})
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(&bytes.Buffer{}))
		second := GetLogger()

		assert.Equal(t, first, second)
		second.Info("test")
		Sync()
		assert.True(t, strings.Contains(buf.String(), "First"))
		assert.False(t, strings.Contains(buf.String(), "Second"))
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("global logger after initialization", func(t *testing.T) {
		initToBuffer(t, config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"})
		assert.Equal(t, current.Load(), GetLogger())
	})
}

func TestForOperation(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := ForOperation(zap.New(core).Named("waypoint"), "op-1", "guided")
	logger.Debug("decision")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "waypoint.guided", entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, "op-1", fields[OperationIDKey])
	assert.Equal(t, "guided", fields[PlannerKey])
}

func TestPalette(t *testing.T) {
	p := newPalette(config.ColorConfig{Info: "Green", Warn: "yellow", Error: "ultraviolet"})
	assert.Equal(t, ansi["green"], p[zapcore.InfoLevel], "color names are case-insensitive")
	assert.Equal(t, ansi["yellow"], p[zapcore.WarnLevel])
	assert.NotContains(t, p, zapcore.ErrorLevel, "unknown colors print plain")
	assert.NotContains(t, p, zapcore.DebugLevel)
}

func TestUnsyncable(t *testing.T) {
	assert.True(t, unsyncable(&os.PathError{Op: "sync", Path: "/dev/stdout", Err: syscall.EINVAL}))
	assert.True(t, unsyncable(fmt.Errorf("wrapped: %w", syscall.ENOTTY)))
	assert.False(t, unsyncable(errors.New("disk full")))
}
