package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// Model-facing tool names.
const (
	DatabaseHealthName = "check_database_health"
	ServerMetricsName  = "get_server_metrics"
)

// DatabaseStatuses are the labels DatabaseHealth can report.
var DatabaseStatuses = []string{"ONLINE", "LATENCY_HIGH", "OFFLINE"}

// Rand is the randomness the probes draw from.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// between returns a uniform value in [lo, hi].
func between(r Rand, lo, hi int) int {
	return lo + r.IntN(hi-lo+1)
}

// DatabaseHealth is a synthetic database probe. It queries nothing.
type DatabaseHealth struct {
	rng Rand
}

// NewDatabaseHealth creates the probe. A nil rng uses math/rand/v2.
func NewDatabaseHealth(rng Rand) *DatabaseHealth {
	if rng == nil {
		rng = globalRand{}
	}
	return &DatabaseHealth{rng: rng}
}

func (d *DatabaseHealth) Name() string { return DatabaseHealthName }

func (d *DatabaseHealth) Description() string {
	return "Checks the current state of the database (status and latency)."
}

func (d *DatabaseHealth) Parameters() json.RawMessage { return NoParameters }

func (d *DatabaseHealth) Execute(context.Context) (string, error) {
	status := DatabaseStatuses[d.rng.IntN(len(DatabaseStatuses))]
	return fmt.Sprintf("Status DB: %s (Latence: %dms)", status, between(d.rng, 10, 500)), nil
}

// ServerMetrics is a synthetic CPU/RAM probe.
type ServerMetrics struct {
	rng Rand
}

// NewServerMetrics creates the probe. A nil rng uses math/rand/v2.
func NewServerMetrics(rng Rand) *ServerMetrics {
	if rng == nil {
		rng = globalRand{}
	}
	return &ServerMetrics{rng: rng}
}

func (s *ServerMetrics) Name() string { return ServerMetricsName }

func (s *ServerMetrics) Description() string {
	return "Returns current CPU and RAM utilization of the server."
}

func (s *ServerMetrics) Parameters() json.RawMessage { return NoParameters }

func (s *ServerMetrics) Execute(context.Context) (string, error) {
	cpu := between(s.rng, 10, 95)
	ram := between(s.rng, 20, 90)
	return fmt.Sprintf("Métriques : CPU %d%%, RAM %d%%", cpu, ram), nil
}

// Builtin returns the registry's default capabilities.
func Builtin(rng Rand) []Tool {
	return []Tool{NewDatabaseHealth(rng), NewServerMetrics(rng)}
}
