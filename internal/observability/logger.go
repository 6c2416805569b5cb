// Package observability owns the process logger. Every operation gets a child
// logger carrying its id and planner, so a single operation can be followed
// through the planners, the engine and the store.
package observability

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/waypoint/internal/config"
)

// Field keys shared by every operation-scoped entry.
const (
	OperationIDKey = "operation_id"
	PlannerKey     = "planner"
)

var (
	current  atomic.Pointer[zap.Logger]
	initOnce sync.Once
)

// Initialize sets up the global logger from configuration, writing console
// output to consoleWriter. Only the first call has any effect.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initOnce.Do(func() {
		level := zap.NewAtomicLevelAt(zap.InfoLevel)
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}
		logger := zap.New(zapcore.NewTee(sinks(cfg, consoleWriter, level)...), opts...).Named(cfg.ServiceName)

		current.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// sinks builds the console core and, when a log file is configured, a rotated
// JSON core so operation logs can be replayed.
func sinks(cfg config.LoggerConfig, console zapcore.WriteSyncer, level zapcore.LevelEnabler) []zapcore.Core {
	cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg.Format, cfg.Colors), console, level)}
	if cfg.LogFile == "" {
		return cores
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return append(cores, zapcore.NewCore(newEncoder("json", cfg.Colors), zapcore.AddSync(rotated), level))
}

// InitializeLogger is the production entry point; console output goes to a locked stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest clears the global logger so a test can initialize it again.
func ResetForTest() {
	current.Store(nil)
	initOnce = sync.Once{}
}

// GetLogger returns the global logger, or a development fallback when
// InitializeLogger has not run yet.
func GetLogger() *zap.Logger {
	if logger := current.Load(); logger != nil {
		return logger
	}
	fallback, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	fallback.Warn("Global logger requested before initialization; using fallback.")
	return fallback.Named("fallback")
}

// OperationID tags an entry with the operation it belongs to.
func OperationID(id string) zap.Field { return zap.String(OperationIDKey, id) }

// ForOperation scopes a logger to one operation. The logger is named after the
// planner, so console lines read "waypoint.guided." and every entry carries
// both keys.
func ForOperation(base *zap.Logger, operationID, planner string) *zap.Logger {
	if base == nil {
		base = GetLogger()
	}
	return base.Named(planner).With(OperationID(operationID), zap.String(PlannerKey, planner))
}

// Sync flushes buffered entries. Call it before the process exits.
func Sync() {
	logger := current.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !unsyncable(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

// unsyncable reports errors from syncing a terminal or pipe, which several
// platforms refuse.
func unsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.ENOTSUP)
}
