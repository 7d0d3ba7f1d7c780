// Package logging provides the control plane's structured logging on
// zerolog. Besides the usual level helpers it exposes domain binders
// (WithSession, WithGoal, WithCascade, WithPath) so session, goal, cascade,
// and lock-path identifiers appear as structured fields on every log line
// that touches them, never interpolated into the message string.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Most callers go through the package
// helpers below; Logger itself is exported for the rare caller that needs
// a custom child logger.
var Logger zerolog.Logger

var logFile *os.File

// Level aliases zerolog's level type.
type Level = zerolog.Level

// Log levels exposed for convenience.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Field names for the control plane's domain identifiers. One set of
// constants so a sess_id grep always hits every line that mentions one.
const (
	FieldSession = "sess_id"
	FieldGoal    = "goal_id"
	FieldCascade = "cascade_id"
	FieldPath    = "path"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables human-readable console output.
	Pretty bool
	// TimeFormat specifies the time format. Defaults to RFC3339.
	TimeFormat string
	// LogToFile additionally appends to a timestamped file under LogDir.
	LogToFile bool
	// LogDir is the directory for log files. Defaults to /tmp.
	LogDir string
}

// Init configures the global logger. Safe to call again to reconfigure; a
// previously opened log file is closed first.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	Logger = zerolog.New(buildWriter(cfg)).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

// buildWriter assembles the console writer, optionally fanned out to a
// timestamped log file. A file that cannot be opened is skipped rather
// than failing initialization.
func buildWriter(cfg Config) io.Writer {
	var console io.Writer = cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	if !cfg.LogToFile {
		return console
	}

	dir := cfg.LogDir
	if dir == "" {
		dir = "/tmp"
	}
	name := fmt.Sprintf("agentctl-%s.log", time.Now().Format("20060102-150405"))

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return console
	}
	logFile = f
	return zerolog.MultiLevelWriter(console, f)
}

// GetLogFilePath returns the current log file path, or "" when not logging
// to a file.
func GetLogFilePath() string {
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// Close closes the log file if one is open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// ParseLevel parses a log level string, case-insensitive. Unrecognized
// values fall back to info.
func ParseLevel(level string) Level {
	s := strings.ToLower(strings.TrimSpace(level))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return InfoLevel
	}
	return lvl
}

// Debug starts a new debug level log message.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info starts a new info level log message.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn starts a new warn level log message.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error starts a new error level log message.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Fatal starts a new fatal level log message. Calling Msg or Send on the
// returned event will call os.Exit(1).
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// With creates a child logger context with arbitrary fields.
func With() zerolog.Context {
	return Logger.With()
}

// WithSession returns a logger whose every event carries the session id.
func WithSession(sessionID string) zerolog.Logger {
	return Logger.With().Str(FieldSession, sessionID).Logger()
}

// WithGoal returns a logger whose every event carries the goal id.
func WithGoal(goalID string) zerolog.Logger {
	return Logger.With().Str(FieldGoal, goalID).Logger()
}

// WithCascade returns a logger whose every event carries the cascade id.
func WithCascade(cascadeID string) zerolog.Logger {
	return Logger.With().Str(FieldCascade, cascadeID).Logger()
}

// WithPath returns a logger whose every event carries a repository or
// config file path.
func WithPath(path string) zerolog.Logger {
	return Logger.With().Str(FieldPath, path).Logger()
}

func init() {
	Init(Config{Level: InfoLevel})
}
