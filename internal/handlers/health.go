package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/platform/httpx"
	"github.com/evolvecharge/funnel/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service backing /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthClock overrides the clock.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      domain.HealthStatus `json:"status"`
	Version     string              `json:"version,omitempty"`
	CommitSHA   string              `json:"commitSha,omitempty"`
	Environment string              `json:"environment,omitempty"`
	Uptime      string              `json:"uptime"`
	Timestamp   string              `json:"timestamp"`
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

type readyzResponse struct {
	Status      domain.HealthStatus           `json:"status"`
	Version     string                        `json:"version,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Checks      map[string]domain.HealthCheck `json:"checks"`
	Details     []string                      `json:"details,omitempty"`
	GeneratedAt time.Time                     `json:"generatedAt"`
}

// Readyz probes the stores and the notification transport. Any non-ok check answers 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzResponse{Status: domain.HealthStatusOK, Checks: map[string]domain.HealthCheck{}, GeneratedAt: h.clock().UTC()})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	resp := readyzResponse{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Checks:      report.Checks,
		GeneratedAt: report.GeneratedAt,
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		if check.Status == domain.HealthStatusOK {
			continue
		}
		detail := name + ": " + string(check.Status)
		if check.Error != "" {
			detail += " (" + check.Error + ")"
		}
		resp.Details = append(resp.Details, detail)
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
