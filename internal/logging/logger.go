// Package logging writes structured JSON logs to disk so interactive output
// stays clean for event streams and the watch viewer.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	missionID string
	level     string
}

// WithMissionID configures the mission_id field used in emitted log records.
func WithMissionID(missionID string) Option {
	return func(opts *newOptions) {
		opts.missionID = strings.TrimSpace(missionID)
	}
}

// WithLevel configures the minimum level ("debug", "info", "warn", "error").
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.ToLower(strings.TrimSpace(level))
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	missionID  string
}

// New initializes logging under ~/.helmsman/logs without writing to stdout.
func New(options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".helmsman", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("helmsman-%s.log", timestamp)
	if resolved.missionID != "" {
		fileName = fmt.Sprintf("helmsman-%s-%s.log", timestamp, resolved.missionID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           parseLevel(resolved.level),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		missionID:  resolved.missionID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	return runtimeLogger, nil
}

// WithMissionID updates the mission_id field for subsequent log records.
func (r *RuntimeLogger) WithMissionID(missionID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.missionID = strings.TrimSpace(missionID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	if r.missionID == "" {
		r.Logger = r.baseLogger
		return
	}
	r.Logger = r.baseLogger.With("mission_id", r.missionID)
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
