package intake

import "testing"

func TestLevelPriority(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{LevelFatal, 100},
		{LevelError, 50},
		{LevelWarn, 20},
		{LevelInfo, 10},
		{"", 10},
		{"unknown", 10},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := LevelPriority(tt.level); got != tt.want {
				t.Errorf("LevelPriority(%q) = %d, want %d", tt.level, got, tt.want)
			}
		})
	}
}

func TestHighestLevel(t *testing.T) {
	tests := []struct {
		name string
		logs string
		want string
	}{
		{"plain info", "2024-05-20 14:10:02 INFO service=gateway started", LevelInfo},
		{"no level", "something happened", LevelInfo},
		{"error wins over info", "INFO ok\nERROR service=api-auth failed", LevelError},
		{"warning", "level=warning msg=slow", LevelWarn},
		{"lowercase error", "level=error msg=boom", LevelError},
		{"fatal wins", "ERROR a\nFATAL b\nWARN c", LevelFatal},
		{"critical counts as fatal", "[CRITICAL] disk full", LevelFatal},
		{"word inside identifier ignored", "service=errorless-worker ok", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HighestLevel(tt.logs); got != tt.want {
				t.Errorf("HighestLevel(%q) = %q, want %q", tt.logs, got, tt.want)
			}
		})
	}
}
