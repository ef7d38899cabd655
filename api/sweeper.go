package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sweeper periodically re-applies notifications whose payment ref had no
// participation at delivery time. Once the session record lands, the next
// pass settles the event and removes it from the pending table.
type Sweeper struct {
	store    Store
	engine   *Engine
	logger   *log.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper over the pending-events table.
func NewSweeper(store Store, engine *Engine, logger *log.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:    store,
		engine:   engine,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.WithError(err).Error("reconciliation sweep failed")
				}
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// SweepOnce re-applies every queued event. Settled events (transitioned or
// no-op) are removed; events whose ref still does not resolve stay queued for
// the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingEvents(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, ev := range pending {
		outcome, err := s.engine.Apply(ctx, ev)
		if err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"ref": ev.Ref, "notification": ev.NotificationID}).Error("sweep apply failed")
			continue
		}
		if outcome.Kind == OutcomeNotFound {
			// Apply re-queued it; keep the original row until it settles.
			continue
		}
		if err := s.store.DeletePendingEvent(ctx, ev.NotificationID); err != nil {
			s.logger.WithError(err).WithField("notification", ev.NotificationID).Error("failed to remove settled pending event")
			continue
		}
		settled++
		s.logger.WithFields(log.Fields{
			"ref":          ev.Ref,
			"notification": ev.NotificationID,
			"outcome":      outcome.Summary(),
		}).Info("pending event settled")
	}
	return settled, nil
}
