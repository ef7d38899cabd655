package api

import (
	"errors"
	"testing"
	"time"

	"payment-recon/domain"
)

const testSecret = "whsec_test"

func TestVerifyDecodesNotification(t *testing.T) {
	v := NewVerifier([]byte(testSecret))
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1700000000,"data":{"ref":"pay_42","amount":4500,"currency":"EUR"}}`)

	ev, err := v.Verify(body, v.Sign(body))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.NotificationID != "evt_1" {
		t.Fatalf("unexpected notification id: %s", ev.NotificationID)
	}
	if ev.Type != domain.SessionCompleted {
		t.Fatalf("unexpected type: %s", ev.Type)
	}
	if ev.Ref != "pay_42" || ev.Amount != 4500 || ev.Currency != "EUR" {
		t.Fatalf("unexpected payload fields: %#v", ev)
	}
	if !ev.OccurredAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected occurredAt: %v", ev.OccurredAt)
	}
	if len(ev.PayloadHash) != 64 {
		t.Fatalf("expected sha256 hex payload hash, got %q", ev.PayloadHash)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier([]byte(testSecret))
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"ref":"pay_42"}}`)
	sig := v.Sign(body)

	tampered := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"ref":"pay_43"}}`)
	if _, err := v.Verify(tampered, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestVerifyRejectsMissingOrGarbageSignature(t *testing.T) {
	v := NewVerifier([]byte(testSecret))
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"ref":"pay_42"}}`)

	if _, err := v.Verify(body, ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature for empty header, got %v", err)
	}
	if _, err := v.Verify(body, "not-hex!"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature for non-hex header, got %v", err)
	}
}

func TestVerifyMalformedBody(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	body := []byte(`{"id":`)
	if _, err := v.Verify(body, v.Sign(body)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}

	noRef := []byte(`{"id":"evt_2","type":"payment_intent.succeeded","data":{}}`)
	if _, err := v.Verify(noRef, v.Sign(noRef)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed for missing ref, got %v", err)
	}
}

func TestVerifyUnsupportedType(t *testing.T) {
	v := NewVerifier([]byte(testSecret))
	body := []byte(`{"id":"evt_3","type":"customer.created","data":{"ref":"pay_42"}}`)

	if _, err := v.Verify(body, v.Sign(body)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
}
