// Package log constructs the zap loggers used across relayd.
package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCfg is the shared zap configuration. ChangeLogLevel updates its level;
// only loggers built after that change use the new level, loggers built
// earlier (and those derived from them) keep theirs.
var LogCfg zap.Config

func init() {
	LogCfg = zap.NewDevelopmentConfig()
	LogCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	LogCfg.EncoderConfig.EncodeTime = customTimeEncoder
	LogCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	LogCfg.DisableStacktrace = true
	LogCfg.OutputPaths = []string{"stdout"}
	LogCfg.ErrorOutputPaths = []string{"stderr"}
}

func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02T15:04:05Z07:00"))
}

// New builds the root logger from the current LogCfg.
func New() (*zap.Logger, error) {
	logger, err := LogCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build the logger: %v", err)
	}
	return logger, nil
}

// ChangeLogLevel rebuilds the root logger at the given level. Debug and
// below also re-enable stacktraces and caller annotation.
func ChangeLogLevel(level zapcore.Level) (*zap.Logger, error) {
	LogCfg.Level = zap.NewAtomicLevelAt(level)
	if level <= zap.DebugLevel {
		LogCfg.DisableStacktrace = false
		LogCfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	}
	logger, err := LogCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to change the log level: %v", err)
	}
	return logger, nil
}

// LevelFromVerbosity maps the numeric -l flag of the CLI onto zap levels.
// 0 is errors only, 1 adds warnings, 2 is the default info level and 3 or
// above enables debug output.
func LevelFromVerbosity(v int) zapcore.Level {
	switch {
	case v <= 0:
		return zap.ErrorLevel
	case v == 1:
		return zap.WarnLevel
	case v == 2:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

// NewNop returns a no-op logger for tests that do not assert on output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
