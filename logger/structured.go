package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// StructuredConfig configures the NDJSON logger.
type StructuredConfig struct {
	Path       string
	Level      Level
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// StructuredLogger writes one JSON object per log line.
type StructuredLogger struct {
	level      Level
	baseFields []Field
	out        *lumberjack.Logger
}

// NewStructured creates a structured JSON logger writing to cfg.Path.
func NewStructured(cfg StructuredConfig) (*StructuredLogger, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return &StructuredLogger{
		level: cfg.Level,
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
		},
	}, nil
}

func (s *StructuredLogger) Debug(msg string, fields ...Field) { s.log(LevelDebug, msg, fields) }
func (s *StructuredLogger) Info(msg string, fields ...Field)  { s.log(LevelInfo, msg, fields) }
func (s *StructuredLogger) Warn(msg string, fields ...Field)  { s.log(LevelWarn, msg, fields) }
func (s *StructuredLogger) Error(msg string, fields ...Field) { s.log(LevelError, msg, fields) }

func (s *StructuredLogger) WithFields(fields ...Field) Logger {
	return &StructuredLogger{
		level:      s.level,
		baseFields: mergeFields(s.baseFields, fields),
		out:        s.out,
	}
}

func (s *StructuredLogger) Close() error {
	return s.out.Close()
}

func (s *StructuredLogger) log(level Level, msg string, fields []Field) {
	if level < s.level {
		return
	}

	all := mergeFields(s.baseFields, fields)
	entry := make(map[string]any, 3+len(all))
	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level.String()
	entry["msg"] = msg
	for _, f := range all {
		entry[f.Key] = f.Value
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.out.Write(append(line, '\n'))
}
