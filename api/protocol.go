package api

// webhookMaxBodySize bounds inbound notification payloads.
const webhookMaxBodySize = 64 * 1024 // 64 KiB

// signatureHeader carries the provider's hex HMAC over the raw body.
const signatureHeader = "X-Payment-Signature"

type webhookResponse struct {
	Outcome string `json:"outcome"`
	Ref     string `json:"ref,omitempty"`
}

type registerParticipationRequest struct {
	EventID     string `json:"eventId"`
	ExternalRef string `json:"externalRef"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}
