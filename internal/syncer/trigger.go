package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Notify asks a running RunPeriodic loop to sync soon, e.g. after a local
// mutation commits. It never blocks; repeated nudges collapse into one.
func (s *Service) Notify() {
	select {
	case s.nudges <- struct{}{}:
	default:
	}
}

// RunPeriodic syncs immediately, then on every tick and every Notify, until
// ctx is done. It stops early with the error when the session must end.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.runTriggered(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.nudges:
		}
	}
}

func (s *Service) runTriggered(ctx context.Context) error {
	_, err := s.Sync(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("triggered sync skipped, run already active")
		return nil
	case IsSessionTerminal(err):
		return err
	case ctx.Err() != nil:
		return nil
	default:
		s.logger.Warn("triggered sync failed", zap.Error(err))
		return nil
	}
}
