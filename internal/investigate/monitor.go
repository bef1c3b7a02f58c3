package investigate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"synapse/internal/logging"
	"synapse/internal/store"
)

// stopWait bounds how long Stop waits for the in-flight iteration.
const stopWait = 5 * time.Second

// Monitor runs investigation and statistics rollup on their own schedules,
// independent of request handling. Investigation runs are serial: a tick
// that fires while the previous run is still going is skipped.
type Monitor struct {
	investigator   *Investigator
	store          *store.Store
	interval       time.Duration
	rollupInterval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	inRun   atomic.Bool
	started bool
	quit    chan struct{}
	drained sync.WaitGroup
}

// NewMonitor creates a background monitor. Intervals must be positive.
func NewMonitor(inv *Investigator, s *store.Store, interval, rollupInterval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if rollupInterval <= 0 {
		rollupInterval = 60 * time.Second
	}
	return &Monitor{
		investigator:   inv,
		store:          s,
		interval:       interval,
		rollupInterval: rollupInterval,
	}
}

// Start launches the schedules. Idempotent: a second Start is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.interval), m.runInvestigation); err != nil {
		return fmt.Errorf("schedule investigation: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.rollupInterval), m.runRollup); err != nil {
		return fmt.Errorf("schedule rollup: %w", err)
	}
	c.Start()

	m.quit = make(chan struct{})
	m.drained.Add(1)
	go m.drainAlerts()

	m.cron = c
	m.started = true
	logging.Investigate("monitoring started (investigate every %s, rollup every %s)", m.interval, m.rollupInterval)
	return nil
}

// Stop signals the schedules to exit and waits up to five seconds for the
// current iteration to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}

	done := m.cron.Stop().Done()
	select {
	case <-done:
	case <-time.After(stopWait):
		logging.Get(logging.CategoryInvestigate).Warn("monitor stop timed out after %s", stopWait)
	}
	close(m.quit)
	m.drained.Wait()

	m.cron = nil
	m.started = false
	logging.Investigate("monitoring stopped")
}

// drainAlerts consumes the investigator's alert stream so the buffer never
// silently fills. Each alert is logged with its reason and subject.
func (m *Monitor) drainAlerts() {
	defer m.drained.Done()
	for {
		select {
		case a := <-m.investigator.Alerts():
			if a.Issue != nil {
				logging.Investigate("alert: %s (%s, health %.2f)", a.Reason, a.Issue.ToolName, a.Report.HealthScore)
			} else {
				logging.Investigate("alert: %s (health %.2f)", a.Reason, a.Report.HealthScore)
			}
		case <-m.quit:
			return
		}
	}
}

// runInvestigation is one background iteration. It catches everything: a
// failing iteration logs and leaves the loop alive for the next tick.
func (m *Monitor) runInvestigation() {
	if !m.inRun.CompareAndSwap(false, true) {
		logging.Investigate("previous investigation still running, skipping tick")
		return
	}
	defer m.inRun.Store(false)
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryInvestigate).Error("investigation panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	if _, err := m.investigator.DetectAnomalies(ctx); err != nil {
		logging.Get(logging.CategoryInvestigate).Error("anomaly detection failed: %v", err)
	}
	if _, err := m.investigator.DetectDegradation(ctx, 10); err != nil {
		logging.Get(logging.CategoryInvestigate).Error("degradation detection failed: %v", err)
	}
}

func (m *Monitor) runRollup() {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryInvestigate).Error("rollup panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.rollupInterval)
	defer cancel()
	if err := m.store.UpdateStatistics(ctx); err != nil {
		logging.Get(logging.CategoryInvestigate).Error("statistics rollup failed: %v", err)
	}
}
