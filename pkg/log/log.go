package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It writes JSON to stdout until Init
// replaces it.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a log level name as written in the config file
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel accepts the level names used in config files and flags. An
// empty string means info.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "" {
		return InfoLevel, nil
	}
	if _, ok := zerologLevels[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkItemID creates a child logger with work_item_id field
func WithWorkItemID(workItemID string) zerolog.Logger {
	return Logger.With().Str("work_item_id", workItemID).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithMemberID creates a child logger with member_id field
func WithMemberID(memberID string) zerolog.Logger {
	return Logger.With().Str("member_id", memberID).Logger()
}

// WorkItemContext adds the fields every line about a claimed work item
// carries. Payloads are never logged.
func WorkItemContext(l zerolog.Logger, id, workType string, attempts int) zerolog.Logger {
	return l.With().
		Str("work_item_id", id).
		Str("type", workType).
		Int("attempts", attempts).
		Logger()
}
