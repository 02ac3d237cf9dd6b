package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// HealthReader is the slice of the tool ledger the monitor needs.
type HealthReader interface {
	ExecutionHealth(ctx context.Context, since time.Time) (model.ExecutionHealth, error)
}

// RollbackConfig holds the monitor thresholds.
type RollbackConfig struct {
	Interval   time.Duration // evaluation period; defaults to 30s
	Window     time.Duration // sliding window over completed executions
	ErrorRate  float64       // trip when failed/total >= ErrorRate
	Latency    time.Duration // trip when avg duration >= Latency; zero disables
	MinSamples int           // windows with fewer executions never trip
}

// RollbackMonitor evaluates recent ledger health on a cron schedule and holds
// the rollback trigger while the window is unhealthy.
type RollbackMonitor struct {
	ledger HealthReader
	cfg    RollbackConfig
	logger *slog.Logger
	now    func() time.Time

	cron *cronlib.Cron

	mu     sync.RWMutex
	active bool
	reason string
}

// NewRollbackMonitor creates a monitor. Call Start to begin evaluating.
func NewRollbackMonitor(ledger HealthReader, cfg RollbackConfig, logger *slog.Logger) *RollbackMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackMonitor{
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With("component", "rollback_monitor"),
		now:    time.Now,
	}
}

// Start schedules Evaluate every Interval. ctx bounds each evaluation and
// stops the schedule when done.
func (m *RollbackMonitor) Start(ctx context.Context) error {
	c := cronlib.New()
	if _, err := c.AddFunc("@every "+m.cfg.Interval.String(), func() {
		evalCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
		defer cancel()
		if err := m.Evaluate(evalCtx); err != nil {
			m.logger.Warn("rollback evaluation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("routing: schedule rollback monitor: %w", err)
	}
	m.cron = c
	c.Start()
	m.logger.Info("rollback monitor started", "interval", m.cfg.Interval, "window", m.cfg.Window)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running evaluation to finish.
func (m *RollbackMonitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// Evaluate reads ledger health over the window and updates the trigger.
// A failed read leaves the trigger unchanged.
func (m *RollbackMonitor) Evaluate(ctx context.Context) error {
	h, err := m.ledger.ExecutionHealth(ctx, m.now().Add(-m.cfg.Window))
	if err != nil {
		return fmt.Errorf("routing: read execution health: %w", err)
	}

	active, reason := m.judge(h)

	m.mu.Lock()
	changed := active != m.active
	m.active, m.reason = active, reason
	m.mu.Unlock()

	if changed {
		if active {
			m.logger.Warn("rollback trigger activated", "reason", reason,
				"total", h.Total, "failed", h.Failed, "avg_duration_ms", h.AvgDurationMS)
		} else {
			m.logger.Info("rollback trigger cleared", "total", h.Total, "failed", h.Failed)
		}
	}
	return nil
}

func (m *RollbackMonitor) judge(h model.ExecutionHealth) (bool, string) {
	if h.Total < m.cfg.MinSamples || h.Total == 0 {
		return false, ""
	}
	if m.cfg.ErrorRate > 0 && h.ErrorRate() >= m.cfg.ErrorRate {
		return true, fmt.Sprintf("error rate %.2f >= %.2f over %d executions", h.ErrorRate(), m.cfg.ErrorRate, h.Total)
	}
	if m.cfg.Latency > 0 && h.AvgDurationMS >= float64(m.cfg.Latency.Milliseconds()) {
		return true, fmt.Sprintf("avg duration %.0fms >= %dms", h.AvgDurationMS, m.cfg.Latency.Milliseconds())
	}
	return false, ""
}

// Active reports whether the trigger is held and why.
func (m *RollbackMonitor) Active() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.reason
}
