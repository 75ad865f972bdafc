// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages through zerolog.  The printf-style
// API is kept so call sites stay terse; structured context is attached
// with [Logger.With].
type Logger struct {
	level      LogLevel
	json       bool
	timestamps bool

	mu     *sync.Mutex
	output io.Writer
	fields []field
	zl     zerolog.Logger
}

const (
	verboseField = "vrb"
	verboseLevel = "verbose"
)

type field struct {
	key   string
	value any
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
		mu:         &sync.Mutex{},
	}
	l.rebuild()
	return l
}

// NewJSONLogger is like [NewLogger] but emits one JSON object per line.
func NewJSONLogger(verbosity int) *Logger {
	l := NewLogger(verbosity)
	l.json = true
	l.timestamps = true
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.timestamps = on
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a derived Logger that tags every entry with key=value.
// The parent is unchanged.
func (l *Logger) With(key string, value any) *Logger {
	child := *l
	child.fields = append(append([]field(nil), l.fields...), field{key, value})
	child.rebuild()
	return &child
}

// Info prints when verbosity ≥ 1.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write(l.zl.Info(), format, args...)
	}
}

// Warn prints when verbosity ≥ 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write(l.zl.Warn(), format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  zerolog has no level between
// info and debug, so verbose entries are info entries tagged "vrb".
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write(l.zl.Info().Bool(verboseField, true), format, args...)
	}
}

// Debug prints when verbosity ≥ 3.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write(l.zl.Debug(), format, args...)
	}
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(l.zl.Error(), format, args...)
}

func (l *Logger) write(ev *zerolog.Event, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Msg(fmt.Sprintf(format, args...))
}

// rebuild recreates the zerolog pipeline after a setting changes.
func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if !l.json {
		cw := zerolog.ConsoleWriter{
			Out:        l.output,
			NoColor:    true,
			TimeFormat: "15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return fmt.Sprintf("[%s]", levelTag(i))
			},
			FormatPrepare: func(evt map[string]interface{}) error {
				if v, ok := evt[verboseField]; ok && v == true {
					evt[zerolog.LevelFieldName] = verboseLevel
					delete(evt, verboseField)
				}
				return nil
			},
		}
		if !l.timestamps {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}

	ctx := zerolog.New(w).Level(zerolog.DebugLevel).With()
	if l.timestamps {
		ctx = ctx.Timestamp()
	}
	for _, f := range l.fields {
		ctx = ctx.Interface(f.key, f.value)
	}
	l.zl = ctx.Logger()
}

// levelTag maps zerolog level names to the three-letter tags the
// console output has always used.
func levelTag(i interface{}) string {
	switch i {
	case zerolog.LevelErrorValue:
		return "ERR"
	case zerolog.LevelWarnValue:
		return "WRN"
	case zerolog.LevelInfoValue:
		return "INF"
	case verboseLevel:
		return "VRB"
	case zerolog.LevelDebugValue:
		return "DBG"
	default:
		return "???"
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
