package domain

import "github.com/google/uuid"

// CommandType names a side effect owed to an external collaborator.
type CommandType string

const (
	CommandIssueInvoice    CommandType = "issue-invoice"
	CommandIssueCreditNote CommandType = "issue-credit-note"
	CommandNotifySuccess   CommandType = "notify-success"
	CommandNotifyFailure   CommandType = "notify-failure"
	CommandNotifyRefund    CommandType = "notify-refund"
	CommandReleaseCapacity CommandType = "release-capacity"
)

// Command is one side-effect request handed to the dispatcher after a
// participation transition has been durably committed. ID lets collaborators
// deduplicate a command that the dispatcher redelivered after a crash.
type Command struct {
	ID        string      `json:"id"`
	Type      CommandType `json:"type"`
	EventID   string      `json:"eventId"`
	MemberID  string      `json:"memberId"`
	Ref       string      `json:"ref"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// CommandEnvelope wraps a command with the payment ref it belongs to. It is
// the wire format on the side-effect queue.
type CommandEnvelope struct {
	Ref     string  `json:"ref"`
	Command Command `json:"command"`
}

func newCommand(t CommandType, p Participation) Command {
	return Command{
		ID:       uuid.NewString(),
		Type:     t,
		EventID:  p.EventID,
		MemberID: p.MemberID,
		Ref:      p.ExternalRef,
		Amount:   p.Amount,
		Currency: p.Currency,
	}
}
