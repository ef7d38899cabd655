package domain

import "time"

// PaymentStatus is the payment state of a participation. The set is closed;
// transitions are restricted to the table in nextStatus.
type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"
	StatusPaid     PaymentStatus = "paid"
	StatusFailed   PaymentStatus = "failed"
	StatusRefunded PaymentStatus = "refunded"
)

// Participation is one member's registration and payment record for one event.
type Participation struct {
	EventID     string        `json:"eventId"`
	MemberID    string        `json:"memberId"`
	ExternalRef string        `json:"externalRef"`
	Status      PaymentStatus `json:"status"`
	Amount      int64         `json:"amount"`
	Currency    string        `json:"currency"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`

	// ETag is the storage concurrency token for the last read of this record.
	ETag string `json:"-"`
}

// NextStatus returns the status a participation moves to when the given
// notification type is applied, and whether that transition is legal.
// Refund notifications seen before payment confirmation, duplicates, and any
// notification against a terminal status all report an illegal transition;
// callers treat those as no-ops rather than errors.
func NextStatus(cur PaymentStatus, ev EventType) (PaymentStatus, bool) {
	switch cur {
	case StatusPending:
		switch ev {
		case SessionCompleted, PaymentSucceeded:
			return StatusPaid, true
		case PaymentFailed:
			return StatusFailed, true
		}
	case StatusPaid:
		switch ev {
		case RefundCreated, ChargeRefunded:
			return StatusRefunded, true
		}
	}
	return cur, false
}

// CommandsFor returns the side-effect commands owed for a completed transition.
func CommandsFor(p Participation, old, next PaymentStatus) []Command {
	switch {
	case old == StatusPending && next == StatusPaid:
		return []Command{
			newCommand(CommandIssueInvoice, p),
			newCommand(CommandNotifySuccess, p),
		}
	case old == StatusPending && next == StatusFailed:
		return []Command{
			newCommand(CommandNotifyFailure, p),
			newCommand(CommandReleaseCapacity, p),
		}
	case old == StatusPaid && next == StatusRefunded:
		return []Command{
			newCommand(CommandIssueCreditNote, p),
			newCommand(CommandNotifyRefund, p),
			newCommand(CommandReleaseCapacity, p),
		}
	}
	return nil
}
