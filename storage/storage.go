package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"payment-recon/domain"
)

// commandQueue is the subset of the queue client used by Storage.
type commandQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to underlying persistence mechanisms: the
// participations and pending-events tables plus the side-effect command queue.
type Storage struct {
	participations   *aztables.Client
	pendingEvents    *aztables.Client
	commandQueue     commandQueue
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr, participationsTable, pendingEventsTable, commandQueueName string, queueConcurrency int) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	pt := svc.NewClient(participationsTable)
	pe := svc.NewClient(pendingEventsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if queueConcurrency <= 0 {
		queueConcurrency = 1
	}
	return &Storage{participations: pt, pendingEvents: pe, commandQueue: cq, queueConcurrency: queueConcurrency}, nil
}

// filterByColumn builds an OData equality filter. Single quotes in the value
// are doubled per the OData quoting rules; values arrive from URL paths and
// provider payloads and must not be able to alter the filter.
func filterByColumn(column, value string) string {
	return column + " eq '" + strings.ReplaceAll(value, "'", "''") + "'"
}

type participationEntity struct {
	aztables.Entity
	ETag        string `json:"odata.etag,omitempty"`
	ExternalRef string `json:"ExternalRef"`
	Status      string `json:"Status"`
	Amount      int64  `json:"Amount"`
	Currency    string `json:"Currency"`
	CreatedAt   int64  `json:"CreatedAt"`
	UpdatedAt   int64  `json:"UpdatedAt"`
}

func decodeParticipationEntity(data []byte) (domain.Participation, error) {
	var ent participationEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Participation{}, err
	}
	return domain.Participation{
		EventID:     ent.PartitionKey,
		MemberID:    ent.RowKey,
		ExternalRef: ent.ExternalRef,
		Status:      domain.PaymentStatus(ent.Status),
		Amount:      ent.Amount,
		Currency:    ent.Currency,
		CreatedAt:   time.Unix(0, ent.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, ent.UpdatedAt).UTC(),
		ETag:        ent.ETag,
	}, nil
}

// GetParticipationByRef resolves the participation holding the given external
// payment ref. It returns nil when no participation carries the ref yet.
func (s *Storage) GetParticipationByRef(ctx context.Context, ref string) (*domain.Participation, error) {
	filter := filterByColumn("ExternalRef", ref)
	pager := s.participations.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			p, err := decodeParticipationEntity(e)
			if err != nil {
				return nil, err
			}
			return &p, nil
		}
	}
	return nil, nil
}

// FetchParticipations retrieves all participations registered for an event.
func (s *Storage) FetchParticipations(ctx context.Context, eventID string) ([]domain.Participation, error) {
	filter := filterByColumn("PartitionKey", eventID)
	pager := s.participations.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Participation{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			p, err := decodeParticipationEntity(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// InsertParticipation persists a freshly registered participation. The
// external ref is written once here and never updated afterwards.
func (s *Storage) InsertParticipation(ctx context.Context, p domain.Participation) error {
	now := time.Now().UTC()
	ent := participationEntity{
		Entity:      aztables.Entity{PartitionKey: p.EventID, RowKey: p.MemberID},
		ExternalRef: p.ExternalRef,
		Status:      string(p.Status),
		Amount:      p.Amount,
		Currency:    p.Currency,
		CreatedAt:   now.UnixNano(),
		UpdatedAt:   now.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.participations.AddEntity(ctx, payload, nil)
	return err
}

type participationStatusUpdate struct {
	aztables.Entity
	Status    string `json:"Status"`
	UpdatedAt int64  `json:"UpdatedAt"`
}

// UpdateParticipationStatus writes the new status conditioned on the ETag the
// participation was read with. A concurrent writer surfaces as
// domain.ErrConcurrencyConflict.
func (s *Storage) UpdateParticipationStatus(ctx context.Context, p domain.Participation, next domain.PaymentStatus) error {
	upd := participationStatusUpdate{
		Entity:    aztables.Entity{PartitionKey: p.EventID, RowKey: p.MemberID},
		Status:    string(next),
		UpdatedAt: time.Now().UTC().UnixNano(),
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETag(p.ETag)
	_, err = s.participations.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && (respErr.StatusCode == 409 || respErr.StatusCode == 412) {
			return domain.ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

const pendingPartition = "pending"

type pendingEventEntity struct {
	aztables.Entity
	Type        string `json:"Type"`
	Ref         string `json:"Ref"`
	Amount      int64  `json:"Amount"`
	Currency    string `json:"Currency"`
	OccurredAt  int64  `json:"OccurredAt"`
	PayloadHash string `json:"PayloadHash"`
}

// InsertPendingEvent stores a verified notification whose ref did not resolve
// yet, so the reconciliation sweep can retry it once the participation exists.
func (s *Storage) InsertPendingEvent(ctx context.Context, ev domain.PaymentEvent) error {
	ent := pendingEventEntity{
		Entity:      aztables.Entity{PartitionKey: pendingPartition, RowKey: ev.NotificationID},
		Type:        string(ev.Type),
		Ref:         ev.Ref,
		Amount:      ev.Amount,
		Currency:    ev.Currency,
		OccurredAt:  ev.OccurredAt.UnixNano(),
		PayloadHash: ev.PayloadHash,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.pendingEvents.UpsertEntity(ctx, payload, nil)
	return err
}

func decodePendingEventEntity(data []byte) (domain.PaymentEvent, error) {
	var ent pendingEventEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.PaymentEvent{}, err
	}
	return domain.PaymentEvent{
		NotificationID: ent.RowKey,
		Type:           domain.EventType(ent.Type),
		Ref:            ent.Ref,
		Amount:         ent.Amount,
		Currency:       ent.Currency,
		OccurredAt:     time.Unix(0, ent.OccurredAt).UTC(),
		PayloadHash:    ent.PayloadHash,
	}, nil
}

// ListPendingEvents returns every queued notification awaiting a sweep.
func (s *Storage) ListPendingEvents(ctx context.Context) ([]domain.PaymentEvent, error) {
	filter := filterByColumn("PartitionKey", pendingPartition)
	pager := s.pendingEvents.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.PaymentEvent{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			ev, err := decodePendingEventEntity(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// DeletePendingEvent removes a queued notification after the sweep settled it.
func (s *Storage) DeletePendingEvent(ctx context.Context, notificationID string) error {
	_, err := s.pendingEvents.DeleteEntity(ctx, pendingPartition, notificationID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
	}
	return err
}

// EnqueueCommands sends the given commands to the side-effect queue, fanning
// out up to queueConcurrency sends at a time.
func (s *Storage) EnqueueCommands(ctx context.Context, ref string, cmds []domain.Command) error {
	if len(cmds) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.queueConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, cmd := range cmds {
		env := domain.CommandEnvelope{Ref: ref, Command: cmd}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(msg string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.commandQueue.EnqueueMessage(ctx, msg, nil); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(string(data))
	}

	wg.Wait()
	return firstErr
}
