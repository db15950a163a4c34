package intake

import (
	"regexp"
	"strings"
	"time"
)

// Submission is one investigation request received over HTTP.
type Submission struct {
	ID         string    `json:"id"`
	Logs       string    `json:"-"`
	Source     string    `json:"source"` // json, text or upload
	Filename   string    `json:"filename,omitempty"`
	Level      string    `json:"level"`
	Priority   int       `json:"priority"`
	ClientAddr string    `json:"client_addr"`
	ReceivedAt time.Time `json:"received_at"`
}

// Log levels recognized when ranking submissions.
const (
	LevelFatal = "fatal"
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
)

// LevelPriority maps a log level to a queue priority.
func LevelPriority(level string) int {
	switch level {
	case LevelFatal:
		return 100
	case LevelError:
		return 50
	case LevelWarn:
		return 20
	default:
		return 10
	}
}

var reLevel = regexp.MustCompile(`(?i)\b(fatal|panic|critical|crit|emerg|alert|error|err|warning|warn)\b`)

// HighestLevel returns the most severe log level mentioned in logs.
// Text without a recognizable level counts as info.
func HighestLevel(logs string) string {
	best := LevelInfo
	for _, m := range reLevel.FindAllString(logs, -1) {
		level := normalizeLevel(m)
		if LevelPriority(level) > LevelPriority(best) {
			best = level
			if best == LevelFatal {
				break
			}
		}
	}
	return best
}

func normalizeLevel(s string) string {
	switch strings.ToLower(s) {
	case "fatal", "panic", "critical", "crit", "emerg", "alert":
		return LevelFatal
	case "error", "err":
		return LevelError
	case "warning", "warn":
		return LevelWarn
	default:
		return LevelInfo
	}
}
