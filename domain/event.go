package domain

import "time"

// EventType identifies the kind of provider notification after verification.
// Unknown provider types never reach this enum; the verifier rejects them.
type EventType string

const (
	SessionCompleted EventType = "session-completed"
	PaymentSucceeded EventType = "payment-succeeded"
	PaymentFailed    EventType = "payment-failed"
	RefundCreated    EventType = "refund-created"
	ChargeRefunded   EventType = "charge-refunded"
)

// PaymentEvent is an immutable record of one verified inbound notification.
// NotificationID is the provider's own id for the delivery, not a domain id.
type PaymentEvent struct {
	NotificationID string    `json:"notificationId"`
	Type           EventType `json:"type"`
	Ref            string    `json:"ref"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurredAt"`
	PayloadHash    string    `json:"payloadHash"`
}
