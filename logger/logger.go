// Package logger is a small leveled logger. A Logger is an explicit handle
// created at startup and passed to the components that log; there is no
// package-level state.
package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name. Unknown names map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

var levelColors = map[Level]*color.Color{
	LevelDebug: color.New(color.FgCyan),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes timestamped, leveled lines.
type Logger struct {
	level   atomic.Int32
	out     *stdlog.Logger
	colored bool
	closer  io.Closer
}

// Config selects the level and destination of a Logger.
type Config struct {
	Level string
	// Output is "stdout", "stderr" or a file path.
	Output string
}

// New builds a Logger from cfg. Terminal outputs get colored level tags.
func New(cfg Config) (*Logger, error) {
	var (
		w       io.Writer
		closer  io.Closer
		colored bool
	)

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = colorable.NewColorableStdout()
		colored = isTerminal(os.Stdout)
	case "stderr":
		w = colorable.NewColorableStderr()
		colored = isTerminal(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.Output, err)
		}
		w, closer = f, f
	}

	l := NewWriter(w, ParseLevel(cfg.Level))
	l.colored = colored
	l.closer = closer
	return l, nil
}

// NewWriter returns an uncolored Logger writing to w.
func NewWriter(w io.Writer, level Level) *Logger {
	l := &Logger{out: stdlog.New(w, "", 0)}
	l.level.Store(int32(level))
	return l
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelError+1)
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool { return level >= Level(l.level.Load()) }

// Colored reports whether the output is a terminal with colors enabled.
func (l *Logger) Colored() bool { return l.colored }

func (l *Logger) log(level Level, format string, v ...any) {
	if !l.Enabled(level) {
		return
	}

	tag := level.String()
	if l.colored {
		tag = levelColors[level].Sprint(tag)
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.out.Printf("[%s] [%s] %s", timestamp, tag, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...any) { l.log(LevelDebug, format, v...) }

func (l *Logger) Info(format string, v ...any) { l.log(LevelInfo, format, v...) }

func (l *Logger) Warn(format string, v ...any) { l.log(LevelWarn, format, v...) }

func (l *Logger) Error(format string, v ...any) { l.log(LevelError, format, v...) }

// Close closes the underlying file when the Logger writes to one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
