package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/repositories"
)

// BuildInfo is the deployment metadata echoed by /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if strings.TrimSpace(build.Version) == "" {
		build.Version = "dev"
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{
		health: deps.HealthRepository,
		now:    func() time.Time { return now().UTC() },
		build:  build,
	}, nil
}

// HealthReport runs the dependency checks and stamps the result with build metadata. A report
// without an explicit status takes the worst status among its checks.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return SystemHealthReport{
		HealthReport: report,
		Version:      s.build.Version,
		CommitSHA:    s.build.CommitSHA,
		Environment:  s.build.Environment,
		Uptime:       now.Sub(s.build.StartedAt),
	}, nil
}

func worstStatus(checks map[string]domain.HealthCheck) domain.HealthStatus {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusDegraded:
			worst = domain.HealthStatusDegraded
		}
	}
	return worst
}
