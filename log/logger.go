/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package log provides structured logging used across the library.
// FieldLogger is implemented on top of logf; JSON and text formats are supported,
// as well as rotated file output.
package log

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ssgreg/logf"
	"github.com/ssgreg/logftext"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field hold data of a specific field.
type Field = logf.Field

// CloseFunc allows to close channel writer.
type CloseFunc logf.ChannelWriterCloseFunc

// LogFunc allows logging a message with a bound level.
// nolint: revive
type LogFunc = logf.LogFunc

// Field constructors.
var (
	Error    = logf.Error
	String   = logf.String
	Strings  = logf.Strings
	Bytes    = logf.Bytes
	Int      = logf.Int
	Int64    = logf.Int64
	Uint64   = logf.Uint64
	Float64  = logf.Float64
	Duration = logf.Duration
	Bool     = logf.Bool
	Time     = logf.Time
	Any      = logf.Any
)

// FieldLogger is an interface for loggers which writes logs in structured format.
type FieldLogger interface {
	With(...Field) FieldLogger

	Debug(string, ...Field)
	Info(string, ...Field)
	Warn(string, ...Field)
	Error(string, ...Field)

	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})

	AtLevel(Level, func(LogFunc))
	WithLevel(level Level) FieldLogger
}

// LogfAdapter adapts logf.Logger to FieldLogger interface. Its methods just delegate to the logf logger.
type LogfAdapter struct {
	Logger *logf.Logger
}

// NewDisabledLogger returns a new logger that logs nothing.
func NewDisabledLogger() FieldLogger {
	return &LogfAdapter{logf.NewDisabledLogger()}
}

// OrDisabled returns logger if it is not nil, and a disabled logger otherwise.
func OrDisabled(logger FieldLogger) FieldLogger {
	if logger == nil {
		return NewDisabledLogger()
	}
	return logger
}

// NewLogger returns a new logger configured according to cfg.
// The returned CloseFunc flushes buffered entries and must be called on shutdown.
func NewLogger(cfg *Config) (FieldLogger, CloseFunc) {
	return newWithAppender(cfg, makeAppender(cfg))
}

func newWithAppender(cfg *Config, appender logf.Appender) (FieldLogger, CloseFunc) {
	channel, closeFunc := logf.NewChannelWriter(logf.ChannelWriterConfig{
		Appender:          appender,
		EnableSyncOnError: true,
	})
	logfLogger := logf.NewLogger(toLogfLevel(cfg.Level), channel).With(logf.Int("pid", os.Getpid()))
	if cfg.AddCaller {
		logfLogger = logfLogger.WithCaller().WithCallerSkip(1)
	}
	return &LogfAdapter{logfLogger}, CloseFunc(closeFunc)
}

func (l *LogfAdapter) With(fs ...Field) FieldLogger { return &LogfAdapter{l.Logger.With(fs...)} }

func (l *LogfAdapter) Debug(s string, fields ...Field) { l.Logger.Debug(s, fields...) }
func (l *LogfAdapter) Info(s string, fields ...Field)  { l.Logger.Info(s, fields...) }
func (l *LogfAdapter) Warn(s string, fields ...Field)  { l.Logger.Warn(s, fields...) }
func (l *LogfAdapter) Error(s string, fields ...Field) { l.Logger.Error(s, fields...) }

func (l *LogfAdapter) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *LogfAdapter) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *LogfAdapter) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *LogfAdapter) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// logf formats the message only if the level is enabled.
func (l *LogfAdapter) logf(level Level, format string, args ...interface{}) {
	l.AtLevel(level, func(write LogFunc) {
		write(fmt.Sprintf(format, args...))
	})
}

// AtLevel calls fn with a LogFunc bound to the level if logging at the level is enabled.
func (l *LogfAdapter) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.Logger.AtLevel(toLogfLevel(level), fn)
}

// WithLevel returns a new logger with additional level check.
// Messages below the given AND previously set level are ignored.
func (l *LogfAdapter) WithLevel(level Level) FieldLogger {
	return &LogfAdapter{Logger: l.Logger.WithLevel(toLogfLevel(level))}
}

var logfLevels = map[Level]logf.Level{
	LevelError: logf.LevelError,
	LevelWarn:  logf.LevelWarn,
	LevelInfo:  logf.LevelInfo,
	LevelDebug: logf.LevelDebug,
}

func toLogfLevel(value Level) logf.Level {
	if lvl, ok := logfLevels[value]; ok {
		return lvl
	}
	return logf.LevelInfo
}

func makeAppender(cfg *Config) logf.Appender {
	return makeAppenderWithWriter(cfg, outputWriter(cfg))
}

func outputWriter(cfg *Config) io.Writer {
	switch cfg.Output {
	case OutputStderr:
		return os.Stderr
	case OutputFile:
		rotation := cfg.File.Rotation
		return &lumberjack.Logger{
			Filename:   resolvePlaceholders(cfg.File.Path),
			MaxSize:    int(rotation.MaxSize >> 20), // megabytes
			MaxAge:     rotation.MaxAgeDays,
			MaxBackups: rotation.MaxBackups,
			LocalTime:  rotation.LocalTimeInNames,
			Compress:   rotation.Compress,
		}
	}
	return os.Stdout
}

func makeAppenderWithWriter(cfg *Config, w io.Writer) logf.Appender {
	encodeErr := errorEncoder(cfg.Error)
	if cfg.Format != FormatText {
		return logf.NewWriteAppender(w, logf.NewJSONEncoder(logf.JSONEncoderConfig{
			FieldKeyTime: "time",
			EncodeTime:   logf.RFC3339NanoTimeEncoder,
			EncodeError:  encodeErr,
		}))
	}
	noColor := cfg.NoColor
	return logftext.NewAppender(w, logftext.EncoderConfig{
		NoColor:     &noColor,
		EncodeTime:  logf.RFC3339NanoTimeEncoder,
		EncodeError: encodeErr,
	})
}

// errorEncoder returns nil when logf's default error encoding fits.
func errorEncoder(cfg ErrorConfig) logf.ErrorEncoder {
	if !cfg.NoVerbose && cfg.VerboseSuffix == "" {
		return nil
	}
	return logf.NewErrorEncoder(logf.ErrorEncoderConfig{
		NoVerboseField:     cfg.NoVerbose,
		VerboseFieldSuffix: cfg.VerboseSuffix,
	})
}

// resolvePlaceholders substitutes {{starttime}} and {{pid}} in the log file path.
func resolvePlaceholders(filePath string) string {
	if !strings.Contains(filePath, "{{") {
		return filePath
	}
	return strings.NewReplacer(
		"{{pid}}", strconv.Itoa(os.Getpid()),
		"{{starttime}}", time.Now().Format("200601021504"),
	).Replace(filePath)
}
