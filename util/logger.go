// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// zerologLevel maps the -v ladder onto zerolog levels.  Quiet still
// lets errors through.
func (v LogLevel) zerologLevel() zerolog.Level {
	switch {
	case v <= LogQuiet:
		return zerolog.ErrorLevel
	case v == LogNormal:
		return zerolog.InfoLevel
	case v == LogVerbose:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

func levelFromZerolog(l zerolog.Level) LogLevel {
	switch {
	case l >= zerolog.ErrorLevel:
		return LogQuiet
	case l >= zerolog.InfoLevel:
		return LogNormal
	case l == zerolog.DebugLevel:
		return LogVerbose
	default:
		return LogDebug
	}
}

// Logger is a levelled structured logger.  Every method returns a
// zerolog event so callers attach fields before sending:
//
//	logger.Info().Str("agent_id", id).Msg("agent checked in")
//
// A disabled level returns a nil event, which zerolog treats as a
// no-op.
type Logger struct {
	zl    zerolog.Logger
	level LogLevel
}

// NewLogger returns a Logger writing to stderr at the given verbosity
// (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	lvl := LogLevel(verbosity)
	return &Logger{
		zl:    zerolog.New(consoleOrJSON(os.Stderr)).Level(lvl.zerologLevel()).With().Timestamp().Logger(),
		level: lvl,
	}
}

// LogOptions describes where log lines go and how many of them.
type LogOptions struct {
	Level     string // trace|debug|info|warn|error; ignored when Verbosity > 0
	Verbosity int    // -v count from the command line
	File      string // optional JSON log file
	Console   bool   // write to stderr
}

// NewLoggerWithOptions builds a Logger from opts.  The returned closer
// releases the log file, if any.
func NewLoggerWithOptions(opts LogOptions) (*Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Verbosity > 0 {
		level = LogLevel(opts.Verbosity).zerologLevel()
	} else if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var writers []io.Writer
	if opts.Console {
		writers = append(writers, consoleOrJSON(os.Stderr))
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("log directory: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	var out io.Writer = io.Discard
	if len(writers) == 1 {
		out = writers[0]
	} else if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	return &Logger{
		zl:    zerolog.New(out).Level(level).With().Timestamp().Logger(),
		level: levelFromZerolog(level),
	}, closer, nil
}

// consoleOrJSON picks the human console format for terminals and raw
// JSON lines otherwise.
func consoleOrJSON(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000"}
	}
	return f
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetOutput overrides the output writer.  Lines are written as JSON.
func (l *Logger) SetOutput(w io.Writer) { l.zl = l.zl.Output(w) }

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger that stamps key=value on every line.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger(), level: l.level}
}

// Zerolog exposes the underlying logger for libraries that want one.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.zl }

// Info logs at verbosity ≥ 1.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn logs at verbosity ≥ 1.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Verbose logs at verbosity ≥ 2.
func (l *Logger) Verbose() *zerolog.Event { return l.zl.Debug() }

// Debug logs at verbosity ≥ 3.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Trace() }

// Error always logs.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Since is a small helper for "took" fields.
func Since(start time.Time) time.Duration {
	return time.Since(start).Truncate(time.Millisecond)
}
