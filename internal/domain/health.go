package domain

import "time"

// HealthStatus summarises a dependency probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// HealthCheck is the result of one dependency probe.
type HealthCheck struct {
	Status    HealthStatus  `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HealthReport aggregates dependency probes for readiness.
type HealthReport struct {
	Status      HealthStatus           `json:"status"`
	Checks      map[string]HealthCheck `json:"checks"`
	GeneratedAt time.Time              `json:"generatedAt"`
}
