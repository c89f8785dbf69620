package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/castlegate/casd/internal/cas/audit"
	"github.com/castlegate/casd/internal/cas/registry"
)

// CleanerService periodically sweeps dead tickets out of the registry.
// Correctness never depends on it: every read re-checks expiry. The sweep
// only reclaims storage from tickets nobody asks about anymore.
type CleanerService struct {
	Registry registry.Registry
	Logger   *slog.Logger
	Audit    *audit.Trail
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCleanerService creates a cleaner with the given sweep interval.
// If interval is 0 or negative, defaults to 5 minutes.
func NewCleanerService(reg registry.Registry, logger *slog.Logger, trail *audit.Trail, interval time.Duration) *CleanerService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &CleanerService{
		Registry: reg,
		Logger:   logger,
		Audit:    trail,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut it
// down gracefully.
func (s *CleanerService) Start() {
	go s.run()
	s.Logger.Info("ticket cleaner started", "interval", s.Interval)
}

// Stop shuts down the background worker, blocking until any in-progress
// sweep finishes.
func (s *CleanerService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("ticket cleaner stopped")
}

func (s *CleanerService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *CleanerService) sweep() {
	ctx := context.Background()

	removed, err := s.Registry.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.Logger.Error("ticket sweep failed", "error", err)
		return
	}

	if removed > 0 {
		s.Audit.SweepCompleted(ctx, removed)
	}
	s.Logger.Debug("ticket sweep completed", "removed", removed)
}
