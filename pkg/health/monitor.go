package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/log"
)

// UnhealthyFunc is invoked once when an SD crosses the failure
// threshold; the router detaches the SD in response.
type UnhealthyFunc func(sdID string)

// Monitor runs periodic health checks over every open SD.
type Monitor struct {
	config      Config
	onUnhealthy UnhealthyFunc
	logger      zerolog.Logger

	mu       sync.Mutex
	targets  map[string]*target
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type target struct {
	sdID    string
	checker Checker
	status  *Status
	stop    chan struct{}
}

// NewMonitor creates a monitor with the given config.
func NewMonitor(config Config, onUnhealthy UnhealthyFunc) *Monitor {
	return &Monitor{
		config:      config,
		onUnhealthy: onUnhealthy,
		targets:     make(map[string]*target),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("health"),
	}
}

// Watch starts checking an SD.
func (m *Monitor) Watch(sdID string, checker Checker) {
	t := &target{
		sdID:    sdID,
		checker: checker,
		status:  NewStatus(),
		stop:    make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.targets[sdID]; ok {
		close(old.stop)
	}
	m.targets[sdID] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(t)
}

// Unwatch stops checking an SD.
func (m *Monitor) Unwatch(sdID string) {
	m.mu.Lock()
	if t, ok := m.targets[sdID]; ok {
		close(t.stop)
		delete(m.targets, sdID)
	}
	m.mu.Unlock()
}

// StatusOf returns a copy of an SD's current status.
func (m *Monitor) StatusOf(sdID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.targets[sdID]; ok {
		return *t.status, true
	}
	return Status{}, false
}

// Stop shuts the monitor down.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	for id, t := range m.targets {
		close(t.stop)
		delete(m.targets, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) run(t *target) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			wasHealthy := t.status.Healthy
			m.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
			result := t.checker.Check(ctx)
			cancel()

			m.mu.Lock()
			t.status.Update(result, m.config)
			nowHealthy := t.status.Healthy
			m.mu.Unlock()

			if !result.Healthy {
				m.logger.Warn().
					Str("sd_id", t.sdID).
					Str("message", result.Message).
					Int("consecutive_failures", t.status.ConsecutiveFailures).
					Msg("SD health check failed")
			}
			if wasHealthy && !nowHealthy && m.onUnhealthy != nil {
				m.onUnhealthy(t.sdID)
			}
		case <-t.stop:
			return
		case <-m.stopCh:
			return
		}
	}
}
