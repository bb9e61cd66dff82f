package health

import (
	"context"
	"fmt"
	"time"

	corehealth "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/health"
)

// Metadata contains immutable metadata about the running service.
type Metadata struct {
	Service     string
	Version     string
	Environment string
}

// Probe is one named dependency check. Check returns nil when the dependency
// is reachable.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Service exposes health-check use cases to adapters.
type Service struct {
	meta      Metadata
	probes    []Probe
	startedAt time.Time
}

func NewService(meta Metadata, probes ...Probe) *Service {
	return &Service{
		meta:      meta,
		probes:    probes,
		startedAt: time.Now().UTC(),
	}
}

// Status returns the current availability snapshot. The service reports
// DEGRADED when any dependency probe fails; it never reports DOWN, since a
// response at all means the process is serving.
func (s *Service) Status(ctx context.Context) corehealth.Status {
	uptime := time.Since(s.startedAt)

	overall := "UP"
	var dependencies []string
	for _, probe := range s.probes {
		if err := probe.Check(ctx); err != nil {
			overall = "DEGRADED"
			dependencies = append(dependencies, fmt.Sprintf("%s: down (%v)", probe.Name, err))
			continue
		}
		dependencies = append(dependencies, probe.Name+": up")
	}

	return corehealth.Status{
		Service:      s.meta.Service,
		Version:      s.meta.Version,
		Environment:  s.meta.Environment,
		Status:       overall,
		StartedAt:    s.startedAt,
		Uptime:       uptime.String(),
		UptimeSecs:   int64(uptime.Seconds()),
		Dependencies: dependencies,
	}
}
