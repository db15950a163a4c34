package tools

import (
	"context"
	"regexp"
	"strconv"
	"testing"
)

// seqRand returns the queued values in order, then zeros.
type seqRand struct {
	vals []int
}

func (s *seqRand) IntN(n int) int {
	if len(s.vals) == 0 {
		return 0
	}
	v := s.vals[0]
	s.vals = s.vals[1:]
	return v % n
}

var (
	reDBStatus = regexp.MustCompile(`^Status DB: (ONLINE|LATENCY_HIGH|OFFLINE) \(Latence: (\d+)ms\)$`)
	reMetrics  = regexp.MustCompile(`^Métriques : CPU (\d+)%, RAM (\d+)%$`)
)

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("atoi(%q): %v", s, err)
	}
	return n
}

func TestDatabaseHealth_FormatAndRange(t *testing.T) {
	probe := NewDatabaseHealth(nil)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		out, err := probe.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		m := reDBStatus.FindStringSubmatch(out)
		if m == nil {
			t.Fatalf("output %q does not match %s", out, reDBStatus)
		}
		seen[m[1]] = true
		if ms := atoi(t, m[2]); ms < 10 || ms > 500 {
			t.Fatalf("latency %d out of [10,500]", ms)
		}
	}
	for _, s := range DatabaseStatuses {
		if !seen[s] {
			t.Errorf("status %s never drawn in 500 samples", s)
		}
	}
}

func TestDatabaseHealth_Bounds(t *testing.T) {
	tests := []struct {
		name string
		vals []int
		want string
	}{
		{"first status min latency", []int{0, 0}, "Status DB: ONLINE (Latence: 10ms)"},
		{"middle status", []int{1, 90}, "Status DB: LATENCY_HIGH (Latence: 100ms)"},
		{"last status max latency", []int{2, 490}, "Status DB: OFFLINE (Latence: 500ms)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := NewDatabaseHealth(&seqRand{vals: tt.vals}).Execute(context.Background())
			if out != tt.want {
				t.Errorf("Execute() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestServerMetrics_IndependentSamplesInRange(t *testing.T) {
	probe := NewServerMetrics(nil)
	var outputs []string
	for i := 0; i < 200; i++ {
		out, err := probe.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute never fails, got %v", err)
		}
		m := reMetrics.FindStringSubmatch(out)
		if m == nil {
			t.Fatalf("output %q does not match %s", out, reMetrics)
		}
		if cpu := atoi(t, m[1]); cpu < 10 || cpu > 95 {
			t.Fatalf("cpu %d out of [10,95]", cpu)
		}
		if ram := atoi(t, m[2]); ram < 20 || ram > 90 {
			t.Fatalf("ram %d out of [20,90]", ram)
		}
		outputs = append(outputs, out)
	}
	distinct := map[string]bool{}
	for _, o := range outputs {
		distinct[o] = true
	}
	if len(distinct) < 2 {
		t.Errorf("200 samples produced a single value %q; samples are not independent", outputs[0])
	}
}

func TestServerMetrics_Bounds(t *testing.T) {
	lo, _ := NewServerMetrics(&seqRand{vals: []int{0, 0}}).Execute(context.Background())
	if lo != "Métriques : CPU 10%, RAM 20%" {
		t.Errorf("low bound = %q", lo)
	}
	hi, _ := NewServerMetrics(&seqRand{vals: []int{85, 70}}).Execute(context.Background())
	if hi != "Métriques : CPU 95%, RAM 90%" {
		t.Errorf("high bound = %q", hi)
	}
}
