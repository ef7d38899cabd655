package api

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"payment-recon/domain"
)

// ErrConcurrentUpdate is surfaced when the conditioned status write lost to a
// concurrent writer twice in a row. The caller may retry the whole delivery.
var ErrConcurrentUpdate = errors.New("concurrent update")

// OutcomeKind classifies the result of applying one payment event.
type OutcomeKind int

const (
	// OutcomeTransitioned means the participation moved to a new status and
	// its side-effect commands were handed to the dispatcher.
	OutcomeTransitioned OutcomeKind = iota
	// OutcomeNoOp means the event requested no legal transition from the
	// current status. Valid under replay and reordering, not an error.
	OutcomeNoOp
	// OutcomeNotFound means no participation carries the ref yet; the event
	// was queued for the reconciliation sweep.
	OutcomeNotFound
)

// Outcome reports what applying a payment event did.
type Outcome struct {
	Kind OutcomeKind
	Old  domain.PaymentStatus
	New  domain.PaymentStatus
}

// Summary renders the outcome as the ledger's stored result string.
func (o Outcome) Summary() string {
	switch o.Kind {
	case OutcomeTransitioned:
		return "transitioned:" + string(o.Old) + ">" + string(o.New)
	case OutcomeNoOp:
		return "no-op:" + string(o.Old)
	case OutcomeNotFound:
		return "queued:ref-not-found"
	}
	return "unknown"
}

// Engine applies verified payment events to participation state. It is the
// only writer of payment status; every mutation is conditioned on the version
// the participation was read with.
type Engine struct {
	store    Store
	logger   *log.Logger
	dispatch func(sideEffectJob) error
}

// NewEngine creates an engine backed by the given store. Side effects flow
// through the package dispatcher once it has been initialized.
func NewEngine(store Store, logger *log.Logger) *Engine {
	if store == nil {
		panic("engine: store is required")
	}
	if logger == nil {
		panic("engine: logger is required")
	}
	return &Engine{store: store, logger: logger, dispatch: enqueueSideEffects}
}

// Apply reconciles one payment event against the participation that owns its
// ref. Commands are dispatched only after the conditioned write succeeded, so
// a crashed attempt never produces side effects for an uncommitted transition.
func (e *Engine) Apply(ctx context.Context, ev domain.PaymentEvent) (Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		p, err := e.store.GetParticipationByRef(ctx, ev.Ref)
		if err != nil {
			return Outcome{}, err
		}
		if p == nil {
			// The provider can notify before the local session record is
			// committed. Park the event for the sweep and ack the delivery.
			if err := e.store.InsertPendingEvent(ctx, ev); err != nil {
				return Outcome{}, err
			}
			e.logger.WithFields(log.Fields{"ref": ev.Ref, "notification": ev.NotificationID}).Info("ref not resolved, event queued for sweep")
			return Outcome{Kind: OutcomeNotFound}, nil
		}

		next, ok := domain.NextStatus(p.Status, ev.Type)
		if !ok {
			e.logger.WithFields(log.Fields{
				"ref":          ev.Ref,
				"notification": ev.NotificationID,
				"status":       p.Status,
				"event":        ev.Type,
			}).Info("transition not legal from current status, no-op")
			return Outcome{Kind: OutcomeNoOp, Old: p.Status, New: p.Status}, nil
		}

		if err := e.store.UpdateParticipationStatus(ctx, *p, next); err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				if attempt == 0 {
					e.logger.WithField("ref", ev.Ref).Debug("version conflict, re-reading participation")
					continue
				}
				return Outcome{}, ErrConcurrentUpdate
			}
			return Outcome{}, err
		}

		cmds := domain.CommandsFor(*p, p.Status, next)
		for i := range cmds {
			cmds[i].Timestamp = nextTimestamp()
		}
		if err := e.dispatch(sideEffectJob{ref: ev.Ref, cmds: cmds}); err != nil {
			// The transition is already durable; the dispatcher owns retries
			// for whatever it accepted and the failure is an alert, not a
			// rollback.
			e.logger.WithError(err).WithFields(log.Fields{"ref": ev.Ref, "new": next}).Error("side-effect dispatch failed after commit")
		}
		return Outcome{Kind: OutcomeTransitioned, Old: p.Status, New: next}, nil
	}
	return Outcome{}, ErrConcurrentUpdate
}
