package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "notif"

const (
	ledgerStatusProcessing = "processing"
	ledgerStatusDone       = "done"
)

type ledgerRecord struct {
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// RedisLedger stores processed notification ids in Redis so all instances can
// avoid reprocessing the same delivery. A processing claim lives exactly as
// long as its lease TTL; a crashed attempt self-heals when the key expires.
type RedisLedger struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisLedger creates a ledger using the provided Redis client. Finished
// records are kept for the retention window so redeliveries short-circuit.
func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{client: client, retention: retention}
}

func (r *RedisLedger) key(notificationID string) string {
	return ledgerKeyPrefix + ":" + notificationID
}

// BeginProcessing claims the notification id for the lease duration. The
// claim is a SET NX with the lease as TTL, so expiry reclaims abandoned
// leases without any manual release path.
func (r *RedisLedger) BeginProcessing(ctx context.Context, notificationID string, lease time.Duration) (Admission, error) {
	rec := ledgerRecord{Status: ledgerStatusProcessing, FirstSeenAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return Admission{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		added, err := r.client.SetNX(ctx, r.key(notificationID), data, lease).Result()
		if err != nil {
			return Admission{}, err
		}
		if added {
			return Admission{State: Admitted}, nil
		}

		existing, err := r.client.Get(ctx, r.key(notificationID)).Bytes()
		if err == redis.Nil {
			// Lease expired between SETNX and GET; claim again.
			continue
		}
		if err != nil {
			return Admission{}, err
		}
		var cur ledgerRecord
		if err := json.Unmarshal(existing, &cur); err != nil {
			return Admission{}, err
		}
		if cur.Status == ledgerStatusDone {
			return Admission{State: AlreadyDone, Result: cur.Result}, nil
		}
		return Admission{State: AlreadyProcessing}, nil
	}
	return Admission{State: AlreadyProcessing}, nil
}

// Finish marks the notification id done with its terminal result summary.
func (r *RedisLedger) Finish(ctx context.Context, notificationID, result string) error {
	rec := ledgerRecord{Status: ledgerStatusDone, Result: result, FirstSeenAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(notificationID), data, r.retention).Err()
}

// Release drops a held lease. It is used when downstream processing fails so
// the provider's retry may be admitted immediately.
func (r *RedisLedger) Release(ctx context.Context, notificationID string) error {
	return r.client.Del(ctx, r.key(notificationID)).Err()
}
