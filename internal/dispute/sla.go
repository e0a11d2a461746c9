package dispute

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/PlayraLive/h-ai-sub005/internal/logging"
)

var overdueAdminCalls = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "escrowcore",
	Subsystem: "dispute",
	Name:      "overdue_admin_calls",
	Help:      "Open admin calls past their SLA deadline at the last check.",
})

func init() {
	prometheus.MustRegister(overdueAdminCalls)
}

// DefaultSLASchedule checks admin-call deadlines every minute.
const DefaultSLASchedule = "@every 1m"

// SLAMonitor periodically re-escalates admin calls that missed their
// deadline.
type SLAMonitor struct {
	manager  *Manager
	logger   *slog.Logger
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	running  atomic.Bool
}

// NewSLAMonitor creates a monitor. An empty schedule uses DefaultSLASchedule.
func NewSLAMonitor(manager *Manager, schedule string, logger *slog.Logger) *SLAMonitor {
	if schedule == "" {
		schedule = DefaultSLASchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SLAMonitor{
		manager:  manager,
		logger:   logger,
		schedule: schedule,
		timeout:  30 * time.Second,
	}
}

// Start schedules the check. It fails on an invalid schedule.
func (s *SLAMonitor) Start() error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, s.check); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("SLA monitor started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for a running check to finish or ctx
// to end.
func (s *SLAMonitor) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one check and returns the number of overdue calls.
func (s *SLAMonitor) RunOnce(ctx context.Context) (int, error) {
	n, err := s.manager.EscalateOverdue(ctx)
	if err != nil {
		return 0, err
	}
	overdueAdminCalls.Set(float64(n))
	return n, nil
}

func (s *SLAMonitor) check() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("SLA check failed", logging.Err(err))
		return
	}
	if n > 0 {
		s.logger.Warn("admin calls past SLA", slog.Int("overdue", n))
	}
}
