// Package utils provides process-wide helpers shared by the CLI and the
// proxy core: error logging, panic recovery, signal-aware contexts and
// flag/config plumbing.
package utils

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is injected at build time via ldflags.
var Version string

// ErrCode is the exit code main reports after the command tree returns.
var ErrCode int

// LogError logs err with the given message and fields. A nil logger or a
// nil error is tolerated so call sites stay unconditional.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
}

// Recover converts a panic in the calling goroutine into a logged error.
// Every dispatched event handler and long-lived loop defers this so one
// bad event never takes down the process.
func Recover(logger *zap.Logger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
		sentry.CurrentHub().Recover(r)
	}
}

// NewCtx returns a context cancelled on SIGINT or SIGTERM. The polling
// loops observe the cancellation within their poll timeout.
func NewCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		signal.Stop(sigCh)
	}()
	return ctx
}

// SentryInit wires the crash reporter when a DSN has been injected at
// build time. Failures are logged and otherwise ignored.
func SentryInit(logger *zap.Logger, dsn string) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		logger.Debug("failed to initialize sentry", zap.Error(err))
	}
}

// SentryFlush drains any buffered crash reports before exit.
func SentryFlush() {
	sentry.Flush(2 * time.Second)
}

// BindFlagsToViper binds every flag of cmd (and its parents) to viper so
// config-file values and flags resolve through a single lookup path.
func BindFlagsToViper(logger *zap.Logger, cmd *cobra.Command, viperKeyPrefix string) error {
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		key := flag.Name
		if viperKeyPrefix != "" {
			key = viperKeyPrefix + "." + key
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			LogError(logger, err, "failed to bind flag to viper", zap.String("flag", flag.Name))
			bindErr = err
		}
		// Also bind the camelCase form so top-level camelCase config keys
		// (adminPort, logLevel) resolve.
		if strings.Contains(flag.Name, "-") {
			if err := viper.BindPFlag(kebabToCamel(flag.Name), flag); err != nil {
				bindErr = err
			}
		}
	})
	return bindErr
}

func kebabToCamel(s string) string {
	parts := strings.Split(s, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}
