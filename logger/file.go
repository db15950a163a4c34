package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the file logger.
type FileConfig struct {
	Dir        string
	Level      Level
	MaxSizeMB  int // max size per file in MB before rotation, 0 = lumberjack default (100)
	MaxAgeDays int // delete rotated files older than N days, 0 = keep
	MaxBackups int // rotated files to keep, 0 = keep all
}

// FileLogger writes human-readable log lines to a size-rotated file.
// All instances derived via WithFields share one rotator.
type FileLogger struct {
	level      Level
	baseFields []Field
	out        *lumberjack.Logger
}

// NewFile creates a file logger writing to <Dir>/sentinel.log.
func NewFile(cfg FileConfig) (*FileLogger, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileLogger{
		level: cfg.Level,
		out: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "sentinel.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		},
	}, nil
}

func (l *FileLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *FileLogger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *FileLogger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *FileLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *FileLogger) WithFields(fields ...Field) Logger {
	return &FileLogger{
		level:      l.level,
		baseFields: mergeFields(l.baseFields, fields),
		out:        l.out,
	}
}

func (l *FileLogger) Close() error {
	return l.out.Close()
}

// Path returns the active log file path.
func (l *FileLogger) Path() string {
	return l.out.Filename
}

func (l *FileLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s [%-5s] %s%s\n", ts, level.String(), msg, FormatFields(mergeFields(l.baseFields, fields)))
	// lumberjack serializes writes and rotates on size.
	l.out.Write([]byte(line))
}
