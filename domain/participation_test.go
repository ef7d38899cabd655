package domain

import "testing"

func TestNextStatusTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		cur  PaymentStatus
		ev   EventType
		want PaymentStatus
		ok   bool
	}{
		{name: "pending session completed", cur: StatusPending, ev: SessionCompleted, want: StatusPaid, ok: true},
		{name: "pending payment succeeded", cur: StatusPending, ev: PaymentSucceeded, want: StatusPaid, ok: true},
		{name: "pending payment failed", cur: StatusPending, ev: PaymentFailed, want: StatusFailed, ok: true},
		{name: "paid refund created", cur: StatusPaid, ev: RefundCreated, want: StatusRefunded, ok: true},
		{name: "paid charge refunded", cur: StatusPaid, ev: ChargeRefunded, want: StatusRefunded, ok: true},
		{name: "refund before payment", cur: StatusPending, ev: RefundCreated, want: StatusPending, ok: false},
		{name: "charge refunded before payment", cur: StatusPending, ev: ChargeRefunded, want: StatusPending, ok: false},
		{name: "success after paid", cur: StatusPaid, ev: PaymentSucceeded, want: StatusPaid, ok: false},
		{name: "failure after paid", cur: StatusPaid, ev: PaymentFailed, want: StatusPaid, ok: false},
		{name: "refund after failed", cur: StatusFailed, ev: ChargeRefunded, want: StatusFailed, ok: false},
		{name: "success after failed", cur: StatusFailed, ev: PaymentSucceeded, want: StatusFailed, ok: false},
		{name: "success after refunded", cur: StatusRefunded, ev: PaymentSucceeded, want: StatusRefunded, ok: false},
		{name: "refund after refunded", cur: StatusRefunded, ev: RefundCreated, want: StatusRefunded, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStatus(tt.cur, tt.ev)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("NextStatus(%s, %s) = %s/%v, want %s/%v", tt.cur, tt.ev, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCommandsForPaidTransition(t *testing.T) {
	p := Participation{EventID: "ev1", MemberID: "m1", ExternalRef: "pay_1", Amount: 4500, Currency: "EUR"}

	cmds := CommandsFor(p, StatusPending, StatusPaid)
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Type != CommandIssueInvoice || cmds[1].Type != CommandNotifySuccess {
		t.Fatalf("unexpected commands: %#v", cmds)
	}
	if cmds[0].Ref != "pay_1" || cmds[0].Amount != 4500 || cmds[0].Currency != "EUR" {
		t.Fatalf("command did not carry participation fields: %#v", cmds[0])
	}
	if cmds[0].ID == "" || cmds[0].ID == cmds[1].ID {
		t.Fatalf("commands must carry distinct ids: %#v", cmds)
	}
}

func TestCommandsForFailedTransition(t *testing.T) {
	p := Participation{EventID: "ev1", MemberID: "m1", ExternalRef: "pay_2"}

	cmds := CommandsFor(p, StatusPending, StatusFailed)
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Type != CommandNotifyFailure || cmds[1].Type != CommandReleaseCapacity {
		t.Fatalf("unexpected commands: %#v", cmds)
	}
}

func TestCommandsForRefundTransition(t *testing.T) {
	p := Participation{EventID: "ev1", MemberID: "m1", ExternalRef: "pay_3"}

	cmds := CommandsFor(p, StatusPaid, StatusRefunded)
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(cmds))
	}
	want := []CommandType{CommandIssueCreditNote, CommandNotifyRefund, CommandReleaseCapacity}
	for i, w := range want {
		if cmds[i].Type != w {
			t.Fatalf("command %d = %s, want %s", i, cmds[i].Type, w)
		}
	}
}

func TestCommandsForIllegalPairIsEmpty(t *testing.T) {
	p := Participation{EventID: "ev1", MemberID: "m1"}
	if cmds := CommandsFor(p, StatusFailed, StatusRefunded); cmds != nil {
		t.Fatalf("expected no commands, got %#v", cmds)
	}
}
