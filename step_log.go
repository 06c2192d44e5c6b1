package dealhunter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StepLogEntry records a single step execution for auditing.
type StepLogEntry struct {
	RunID     string    `json:"run_id"`
	StepName  string    `json:"step_name"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error,omitempty"`
	Paused    bool      `json:"paused,omitempty"`
	StartTime time.Time `json:"start_time"`
	Duration  float64   `json:"duration"`
}

// StepLogger defines simple step execution logging.
type StepLogger interface {
	// LogStep logs a finished step execution.
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the step log for a run.
	GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error)
}

// NullStepLogger is a no-op implementation of StepLogger.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	return nil, nil
}

// FileStepLogger is an implementation of StepLogger that logs to a file.
// A file is created per run, formatted as newline-delimited JSON.
type FileStepLogger struct {
	directory string
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (l *FileStepLogger) GetStepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		return nil, err
	}
	var entries []*StepLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
