package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"payment-recon/domain"
)

var (
	// ErrBadSignature means the header did not match the keyed hash of the
	// raw body. The only verification failure worth a provider retry refusal.
	ErrBadSignature = errors.New("bad signature")
	// ErrMalformed means the body was not a decodable notification envelope.
	ErrMalformed = errors.New("malformed notification")
	// ErrUnsupportedType means the envelope carried a provider event type
	// outside the reconciliation set. Acknowledged, never retried.
	ErrUnsupportedType = errors.New("unsupported notification type")
)

// providerEventTypes maps the provider's wire type strings onto the closed
// domain enum. Anything absent here is ErrUnsupportedType, not a wildcard.
var providerEventTypes = map[string]domain.EventType{
	"checkout.session.completed":    domain.SessionCompleted,
	"payment_intent.succeeded":      domain.PaymentSucceeded,
	"payment_intent.payment_failed": domain.PaymentFailed,
	"refund.created":                domain.RefundCreated,
	"charge.refunded":               domain.ChargeRefunded,
}

type providerEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Ref      string `json:"ref"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// Verifier authenticates raw provider notifications and decodes them into
// typed payment events.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the shared webhook signing secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks the keyed signature over the exact raw body and decodes the
// envelope. It is pure apart from the constant-time comparison; the body must
// not have passed through any parsing middleware beforehand.
func (v *Verifier) Verify(rawBody []byte, signature string) (domain.PaymentEvent, error) {
	if err := v.checkSignature(rawBody, signature); err != nil {
		return domain.PaymentEvent{}, err
	}

	var env providerEnvelope
	if err := sonic.ConfigStd.Unmarshal(rawBody, &env); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Data.Ref == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing id or ref", ErrMalformed)
	}

	evType, ok := providerEventTypes[env.Type]
	if !ok {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}

	hash := sha256.Sum256(rawBody)
	return domain.PaymentEvent{
		NotificationID: env.ID,
		Type:           evType,
		Ref:            env.Data.Ref,
		Amount:         env.Data.Amount,
		Currency:       env.Data.Currency,
		OccurredAt:     time.Unix(env.Created, 0).UTC(),
		PayloadHash:    hex.EncodeToString(hash[:]),
	}, nil
}

func (v *Verifier) checkSignature(rawBody []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrBadSignature
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the hex signature for a body, producing deliveries the
// verifier accepts.
func (v *Verifier) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
