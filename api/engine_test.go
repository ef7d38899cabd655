package api

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"payment-recon/domain"
)

// fakeStore is an in-memory Store with ETag-conditioned status writes, shared
// by the engine, handler and sweeper tests.
type fakeStore struct {
	mu       sync.Mutex
	parts    map[string]*domain.Participation // keyed by external ref
	pending  map[string]domain.PaymentEvent
	enqueued [][]domain.Command

	// conflictsLeft forces the next n conditioned writes to fail as if a
	// concurrent writer advanced the entity.
	conflictsLeft int
	etagSeq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		parts:   make(map[string]*domain.Participation),
		pending: make(map[string]domain.PaymentEvent),
	}
}

func (f *fakeStore) addParticipation(p domain.Participation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etagSeq++
	p.ETag = "v" + strconv.Itoa(f.etagSeq)
	f.parts[p.ExternalRef] = &p
}

func (f *fakeStore) participation(ref string) domain.Participation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.parts[ref]
}

func (f *fakeStore) GetParticipationByRef(ctx context.Context, ref string) (*domain.Participation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parts[ref]
	if !ok {
		return nil, nil
	}
	cpy := *p
	return &cpy, nil
}

func (f *fakeStore) FetchParticipations(ctx context.Context, eventID string) ([]domain.Participation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Participation{}
	for _, p := range f.parts {
		if p.EventID == eventID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertParticipation(ctx context.Context, p domain.Participation) error {
	f.addParticipation(p)
	return nil
}

func (f *fakeStore) UpdateParticipationStatus(ctx context.Context, p domain.Participation, next domain.PaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.parts[p.ExternalRef]
	if !ok {
		return errors.New("participation not found")
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		f.etagSeq++
		cur.ETag = "v" + strconv.Itoa(f.etagSeq)
		return domain.ErrConcurrencyConflict
	}
	if cur.ETag != p.ETag {
		return domain.ErrConcurrencyConflict
	}
	cur.Status = next
	f.etagSeq++
	cur.ETag = "v" + strconv.Itoa(f.etagSeq)
	return nil
}

func (f *fakeStore) InsertPendingEvent(ctx context.Context, ev domain.PaymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[ev.NotificationID] = ev
	return nil
}

func (f *fakeStore) ListPendingEvents(ctx context.Context) ([]domain.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.PaymentEvent{}
	for _, ev := range f.pending {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeStore) DeletePendingEvent(ctx context.Context, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, notificationID)
	return nil
}

func (f *fakeStore) EnqueueCommands(ctx context.Context, ref string, cmds []domain.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := make([]domain.Command, len(cmds))
	copy(cpy, cmds)
	f.enqueued = append(f.enqueued, cpy)
	return nil
}

// newTestEngine wires an engine whose dispatches are captured in memory.
func newTestEngine(store Store) (*Engine, *dispatchRecorder) {
	rec := &dispatchRecorder{}
	eng := NewEngine(store, log.New())
	eng.dispatch = rec.record
	return eng, rec
}

type dispatchRecorder struct {
	mu   sync.Mutex
	jobs []sideEffectJob
}

func (r *dispatchRecorder) record(job sideEffectJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *dispatchRecorder) all() []sideEffectJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sideEffectJob, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func paymentEvent(id string, t domain.EventType, ref string) domain.PaymentEvent {
	return domain.PaymentEvent{NotificationID: id, Type: t, Ref: ref, Amount: 4500, Currency: "EUR"}
}

func TestApplySessionCompletedTransitionsToPaid(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m1", ExternalRef: "R1", Status: domain.StatusPending, Amount: 4500, Currency: "EUR"})
	eng, rec := newTestEngine(store)

	outcome, err := eng.Apply(context.Background(), paymentEvent("n1", domain.SessionCompleted, "R1"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Kind != OutcomeTransitioned || outcome.Old != domain.StatusPending || outcome.New != domain.StatusPaid {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if got := store.participation("R1").Status; got != domain.StatusPaid {
		t.Fatalf("participation status = %s, want paid", got)
	}

	jobs := rec.all()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(jobs))
	}
	invoices := 0
	for _, cmd := range jobs[0].cmds {
		if cmd.Type == domain.CommandIssueInvoice {
			invoices++
		}
		if cmd.Timestamp == 0 {
			t.Fatalf("command missing timestamp: %#v", cmd)
		}
	}
	if invoices != 1 {
		t.Fatalf("expected exactly one invoice command, got %d", invoices)
	}
}

func TestApplyUnknownRefQueuesForSweep(t *testing.T) {
	store := newFakeStore()
	eng, rec := newTestEngine(store)

	outcome, err := eng.Apply(context.Background(), paymentEvent("n1", domain.PaymentSucceeded, "R2"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Kind != OutcomeNotFound {
		t.Fatalf("expected NotFound, got %#v", outcome)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("expected no dispatch for unresolved ref")
	}
	if _, ok := store.pending["n1"]; !ok {
		t.Fatalf("expected event queued in pending table")
	}
}

func TestApplyRefundAfterFailedIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m3", ExternalRef: "R3", Status: domain.StatusFailed})
	eng, rec := newTestEngine(store)

	outcome, err := eng.Apply(context.Background(), paymentEvent("n1", domain.ChargeRefunded, "R3"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Kind != OutcomeNoOp || outcome.Old != domain.StatusFailed {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if got := store.participation("R3").Status; got != domain.StatusFailed {
		t.Fatalf("status changed on no-op: %s", got)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("no-op must not dispatch commands")
	}
}

func TestApplyRefundBeforePaymentIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m4", ExternalRef: "R4", Status: domain.StatusPending})
	eng, _ := newTestEngine(store)

	outcome, err := eng.Apply(context.Background(), paymentEvent("n1", domain.RefundCreated, "R4"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Kind != OutcomeNoOp {
		t.Fatalf("expected NoOp, got %#v", outcome)
	}
	if got := store.participation("R4").Status; got != domain.StatusPending {
		t.Fatalf("participation must stay pending, got %s", got)
	}
}

func TestApplyRetriesOnceOnVersionConflict(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m5", ExternalRef: "R5", Status: domain.StatusPending})
	store.conflictsLeft = 1
	eng, rec := newTestEngine(store)

	outcome, err := eng.Apply(context.Background(), paymentEvent("n1", domain.PaymentSucceeded, "R5"))
	if err != nil {
		t.Fatalf("apply should recover from one conflict: %v", err)
	}
	if outcome.Kind != OutcomeTransitioned {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if len(rec.all()) != 1 {
		t.Fatalf("expected exactly one dispatch after retry")
	}
}

func TestApplySurfacesRepeatedConflicts(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m6", ExternalRef: "R6", Status: domain.StatusPending})
	store.conflictsLeft = 2
	eng, rec := newTestEngine(store)

	_, err := eng.Apply(context.Background(), paymentEvent("n1", domain.PaymentSucceeded, "R6"))
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("failed apply must not dispatch commands")
	}
}

func TestApplyConcurrentSuccessAndFailureOneWinner(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m7", ExternalRef: "R7", Status: domain.StatusPending})
	eng, rec := newTestEngine(store)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	events := []domain.PaymentEvent{
		paymentEvent("n1", domain.PaymentSucceeded, "R7"),
		paymentEvent("n2", domain.PaymentFailed, "R7"),
	}
	for i := range events {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = eng.Apply(context.Background(), events[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}

	transitions, noops := 0, 0
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeTransitioned:
			transitions++
		case OutcomeNoOp:
			noops++
		}
	}
	if transitions != 1 || noops != 1 {
		t.Fatalf("expected one winner and one no-op, got %#v", outcomes)
	}

	final := store.participation("R7").Status
	if final != domain.StatusPaid && final != domain.StatusFailed {
		t.Fatalf("participation left in invalid state: %s", final)
	}
	if len(rec.all()) != 1 {
		t.Fatalf("expected exactly one dispatched command set, got %d", len(rec.all()))
	}
}

func TestApplyPaidThenRefundConverges(t *testing.T) {
	store := newFakeStore()
	store.addParticipation(domain.Participation{EventID: "ev1", MemberID: "m8", ExternalRef: "R8", Status: domain.StatusPending})
	eng, _ := newTestEngine(store)
	ctx := context.Background()

	if _, err := eng.Apply(ctx, paymentEvent("n1", domain.PaymentSucceeded, "R8")); err != nil {
		t.Fatalf("apply success: %v", err)
	}
	outcome, err := eng.Apply(ctx, paymentEvent("n2", domain.RefundCreated, "R8"))
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if outcome.Kind != OutcomeTransitioned || outcome.New != domain.StatusRefunded {
		t.Fatalf("unexpected refund outcome: %#v", outcome)
	}
	if got := store.participation("R8").Status; got != domain.StatusRefunded {
		t.Fatalf("final status = %s, want refunded", got)
	}
}
