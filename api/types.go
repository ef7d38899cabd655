package api

import (
	"context"
	"time"

	"payment-recon/domain"
)

// Store abstracts persistence for the reconciliation core. Participation
// status flows exclusively through UpdateParticipationStatus; no other
// component writes payment state.
type Store interface {
	GetParticipationByRef(ctx context.Context, ref string) (*domain.Participation, error)
	FetchParticipations(ctx context.Context, eventID string) ([]domain.Participation, error)
	InsertParticipation(ctx context.Context, p domain.Participation) error
	UpdateParticipationStatus(ctx context.Context, p domain.Participation, next domain.PaymentStatus) error
	InsertPendingEvent(ctx context.Context, ev domain.PaymentEvent) error
	ListPendingEvents(ctx context.Context) ([]domain.PaymentEvent, error)
	DeletePendingEvent(ctx context.Context, notificationID string) error
	EnqueueCommands(ctx context.Context, ref string, cmds []domain.Command) error
}

// AdmissionState reports how the ledger classified a notification id.
type AdmissionState int

const (
	// Admitted means the caller holds the processing lease for the id.
	Admitted AdmissionState = iota
	// AlreadyProcessing means another delivery holds a live lease.
	AlreadyProcessing
	// AlreadyDone means the id was fully processed; Result carries the
	// stored outcome summary.
	AlreadyDone
)

// Admission is the result of offering a notification id to the ledger.
type Admission struct {
	State  AdmissionState
	Result string
}

// Ledger records processed notification ids so redelivery of the same
// notification never reprocesses it.
type Ledger interface {
	// BeginProcessing claims the id for the given lease duration.
	BeginProcessing(ctx context.Context, notificationID string, lease time.Duration) (Admission, error)
	// Finish marks the id done with a terminal result summary.
	Finish(ctx context.Context, notificationID, result string) error
	// Release drops a held lease after an internal failure so the provider
	// retry can be admitted without waiting for expiry.
	Release(ctx context.Context, notificationID string) error
}

// Authenticator is implemented by types able to extract member IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}
