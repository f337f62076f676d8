package schedule

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepInterval is how often every active schedule is re-evaluated.
const DefaultSweepInterval = time.Minute

// Sweeper periodically recomputes every active schedule so calendar rules
// transition without new readings and failed recomputes heal.
type Sweeper struct {
	svc         Recomputer
	interval    time.Duration
	concurrency int
	logger      log.FieldLogger
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked int
	Failed  int
}

// NewSweeper creates a Sweeper.
func NewSweeper(svc Recomputer, interval time.Duration, logger log.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sweeper{svc: svc, interval: interval, concurrency: 4, logger: logger}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("schedule sweeper started")
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.WithError(err).Error("schedule sweep failed")
		return
	}
	if res.Failed > 0 {
		s.logger.WithFields(log.Fields{"checked": res.Checked, "failed": res.Failed}).Warn("schedule sweep finished with failures")
	}
}

// SweepOnce recomputes every active schedule. Individual failures are
// recorded on the schedule and counted, not returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := s.svc.ActiveScheduleIDs(ctx, "")
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu     sync.Mutex
		failed int
	)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.svc.Recompute(ctx, id, TriggerSweep)
			if err == nil {
				return nil
			}
			mu.Lock()
			failed++
			mu.Unlock()
			s.logger.WithError(err).WithField("schedule_id", id).Warn("sweep recompute failed")
			if err := s.svc.RecordRecomputeFailure(ctx, id, err); err != nil {
				s.logger.WithError(err).WithField("schedule_id", id).Debug("failed to record recompute failure")
			}
			return nil
		})
	}
	_ = g.Wait()
	return SweepResult{Checked: len(ids), Failed: failed}, nil
}
