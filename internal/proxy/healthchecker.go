package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nulpointcorp/provider-gateway/internal/metrics"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// DefaultHealthSchedule is the cron spec used when none is configured.
const DefaultHealthSchedule = "@every 30s"

// Overall health values reported by /health/detailed.
const (
	overallHealthy   = "healthy"
	overallDegraded  = "degraded"
	overallUnhealthy = "unhealthy"
	statusUnknown    = "unknown"
)

// Prober is the part of a provider the health checker needs.
type Prober interface {
	ID() providers.ID
	HealthCheck(ctx context.Context) providers.Health
}

// ProviderStatus is the last known probe result for one provider.
type ProviderStatus struct {
	Provider       providers.ID `json:"provider"`
	Status         string       `json:"status"`
	LastCheck      *time.Time   `json:"last_check"`
	ResponseTimeMS *float64     `json:"response_time_ms"`
}

// HealthOptions configures a HealthChecker. Zero values use the defaults.
type HealthOptions struct {
	Schedule string
	Timeout  time.Duration
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// HealthChecker probes every provider on a cron schedule and keeps the
// latest result per provider.
type HealthChecker struct {
	probers []Prober
	timeout time.Duration
	baseCtx context.Context
	metrics *metrics.Registry
	log     *slog.Logger

	mu       sync.RWMutex
	statuses map[providers.ID]ProviderStatus

	cron      *cron.Cron
	startTime time.Time
	closeOnce sync.Once
}

// NewHealthChecker runs a first probe synchronously, then schedules the
// rest. It fails only on an invalid schedule.
func NewHealthChecker(ctx context.Context, probers []Prober, opts HealthOptions) (*HealthChecker, error) {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultHealthSchedule
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = providers.HealthProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	sorted := make([]Prober, len(probers))
	copy(sorted, probers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	hc := &HealthChecker{
		probers:   sorted,
		timeout:   timeout,
		baseCtx:   ctx,
		metrics:   opts.Metrics,
		log:       log,
		statuses:  make(map[providers.ID]ProviderStatus, len(sorted)),
		startTime: time.Now(),
	}
	for _, p := range sorted {
		hc.statuses[p.ID()] = ProviderStatus{Provider: p.ID(), Status: statusUnknown}
	}

	hc.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := hc.cron.AddFunc(schedule, hc.probe); err != nil {
		return nil, fmt.Errorf("healthchecker: invalid schedule %q: %w", schedule, err)
	}

	hc.probe()
	hc.cron.Start()

	return hc, nil
}

// Uptime reports how long the checker has been running.
func (hc *HealthChecker) Uptime() time.Duration { return time.Since(hc.startTime) }

// Statuses returns the latest result per provider.
func (hc *HealthChecker) Statuses() map[providers.ID]ProviderStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[providers.ID]ProviderStatus, len(hc.statuses))
	for id, s := range hc.statuses {
		out[id] = s
	}
	return out
}

// Overall is healthy when every provider is healthy, degraded while at
// least one is usable, and unhealthy otherwise.
func (hc *HealthChecker) Overall() string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if len(hc.statuses) == 0 {
		return overallUnhealthy
	}
	healthy, usable := 0, 0
	for _, s := range hc.statuses {
		switch providers.Health(s.Status) {
		case providers.Healthy:
			healthy++
			usable++
		case providers.Degraded:
			usable++
		}
	}
	switch {
	case healthy == len(hc.statuses):
		return overallHealthy
	case usable > 0:
		return overallDegraded
	}
	return overallUnhealthy
}

// Ready returns the providers whose last probe did not report them down,
// in stable order.
func (hc *HealthChecker) Ready() []providers.ID {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]providers.ID, 0, len(hc.statuses))
	for _, p := range hc.probers {
		if s := hc.statuses[p.ID()]; providers.Health(s.Status) != providers.Down {
			out = append(out, p.ID())
		}
	}
	return out
}

// Close stops the schedule and waits for a running probe to finish.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() {
		<-hc.cron.Stop().Done()
	})
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, hc.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hc.probers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			health := p.HealthCheck(ctx)
			elapsed := float64(time.Since(start).Microseconds()) / 1000
			now := time.Now().UTC()

			hc.mu.Lock()
			prev := hc.statuses[p.ID()].Status
			hc.statuses[p.ID()] = ProviderStatus{
				Provider:       p.ID(),
				Status:         string(health),
				LastCheck:      &now,
				ResponseTimeMS: &elapsed,
			}
			hc.mu.Unlock()

			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(string(p.ID()), string(health))
			}
			if prev != string(health) && prev != statusUnknown {
				hc.log.Warn("provider_health_changed",
					slog.String("provider", string(p.ID())),
					slog.String("from", prev),
					slog.String("to", string(health)),
				)
			}
		}()
	}
	wg.Wait()
}
