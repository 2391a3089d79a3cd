package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

type JobsConfig struct {
	TickInterval  time.Duration
	SweepInterval time.Duration
}

// StartJobs runs the poller tick and the recurring sweep on a gocron
// scheduler until ctx is cancelled. Each job runs in singleton mode so a
// slow tick is never overlapped by the next one.
func StartJobs(ctx context.Context, poller *Poller, sweeper *Sweeper, cfg JobsConfig, logger *slog.Logger) (*gocron.Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	_, err := s.Every(cfg.TickInterval).Tag("reconcile-tick").Do(func() {
		n, err := poller.Tick(ctx)
		if err != nil {
			logger.Error("reconcile tick failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("reconcile tick processed tasks", "tasks", n)
		}
	})
	if err != nil {
		return nil, err
	}

	if sweeper != nil {
		_, err = s.Every(cfg.SweepInterval).Tag("recurring-sweep").Do(func() {
			res, err := sweeper.Sweep(ctx)
			if err != nil {
				logger.Error("recurring sweep failed", "error", err)
				return
			}
			logger.Info("recurring sweep finished", "charged", res.Charged, "scheduled", res.Scheduled, "failed", res.Failed)
		})
		if err != nil {
			return nil, err
		}
	}

	s.StartAsync()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s, nil
}
