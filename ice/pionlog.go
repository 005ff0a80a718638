// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below Debug; pion's trace output is only wanted when
// the handler is configured for it explicitly.
const levelTrace = slog.LevelDebug - 4

// PionLoggerFactory forwards pion library logging into slog. Each
// scope becomes a "scope" attribute.
type PionLoggerFactory struct {
	Logger *slog.Logger
}

var _ logging.LoggerFactory = PionLoggerFactory{}

func (f PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{logger: f.Logger.With("scope", scope)}
}

type pionLogger struct {
	logger *slog.Logger
}

func (l pionLogger) log(level slog.Level, message string) {
	l.logger.Log(context.Background(), level, message)
}

func (l pionLogger) Trace(msg string)                  { l.log(levelTrace, msg) }
func (l pionLogger) Tracef(format string, args ...any) { l.log(levelTrace, fmt.Sprintf(format, args...)) }
func (l pionLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l pionLogger) Debugf(format string, args ...any) { l.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (l pionLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l pionLogger) Infof(format string, args ...any)  { l.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l pionLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l pionLogger) Warnf(format string, args ...any)  { l.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l pionLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l pionLogger) Errorf(format string, args ...any) { l.log(slog.LevelError, fmt.Sprintf(format, args...)) }
