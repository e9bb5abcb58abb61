// Package health maintains a periodically refreshed view of the inference
// backend's availability, independent of any conversation.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"CharChat/internal/gateway"

	"golang.org/x/sync/singleflight"
)

// DefaultInterval is the poll period between automatic checks.
const DefaultInterval = 30 * time.Second

// Checker is the health probe the monitor polls.
type Checker interface {
	CheckHealth(ctx context.Context) gateway.Health
}

// Status is the displayed health snapshot.
type Status struct {
	Healthy         bool
	Checking        bool
	Message         string
	OllamaStatus    string
	AvailableModels []string
	Err             string
	CheckedAt       time.Time
}

// Monitor polls a Checker on an interval and on demand. Concurrent refresh
// requests coalesce onto a single in-flight network call; the latest
// completed check wins.
type Monitor struct {
	checker  Checker
	interval time.Duration
	logger   *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	status Status
}

// NewMonitor creates a monitor over checker. A zero interval uses
// DefaultInterval.
func NewMonitor(checker Checker, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		logger:   logger,
		status:   Status{Checking: true, Message: "Checking connection..."},
	}
}

// Start begins periodic polling until ctx is cancelled. The first check runs
// immediately.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.Refresh(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}()
}

// Refresh runs a health check now and returns the resulting status. A
// refresh requested while one is already in flight joins it rather than
// issuing a second network call.
func (m *Monitor) Refresh(ctx context.Context) Status {
	m.mu.Lock()
	m.status.Checking = true
	m.mu.Unlock()

	result, _, _ := m.group.Do("health", func() (any, error) {
		h := m.checker.CheckHealth(ctx)

		status := Status{
			Healthy:         h.State == gateway.StateHealthy,
			Message:         h.Message,
			OllamaStatus:    h.OllamaStatus,
			AvailableModels: h.AvailableModels,
			Err:             h.Err,
			CheckedAt:       time.Now(),
		}

		m.mu.Lock()
		m.status = status
		m.mu.Unlock()

		if !status.Healthy {
			m.logger.Warn("backend health check failed", "message", status.Message, "error", status.Err)
		}
		return status, nil
	})

	return result.(Status)
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
