// Package collab declares the external collaborators the platform runtime
// depends on but does not implement: the SQL store, the Redis driver, and
// the KV-backed sub-stores they expose. Every other package in this module
// is written against these interfaces so a caller can substitute a fake
// (see FakeRedis and FakeDatabase in fake.go) without recompiling the consumer — the teacher's
// composition-root pattern (wisbric/core's Storage/TenantLookup interfaces)
// generalized to the whole platform surface.
package collab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is the durable form of an audit entry, as persisted by the
// Database's audit sub-store.
type AuditRecord struct {
	ID           uuid.UUID
	AppID        uuid.UUID
	UserID       uuid.UUID
	Operation    string
	TargetType   string
	TargetID     string
	Delta        []byte // json: {"old":…, "new":…}, nil when not supplied
	ContextIP    string
	ContextAgent string
	RequestID    uuid.UUID
	Silent       bool
	CreatedAt    time.Time
}

// DeadLetterRecord is a bounded, per-type dead-letter entry.
type DeadLetterRecord struct {
	ID          uuid.UUID
	Type        string
	Payload     []byte
	ErrorReason string
	CreatedAt   time.Time
	ReplayedAt  *time.Time
}

// JobRecord is the minimal shape PollingSupervisor and job-tracking metrics
// need from the jobs sub-store; the queueing semantics themselves belong to
// the out-of-scope job dispatcher.
type JobRecord struct {
	ID        uuid.UUID
	Type      string
	Priority  int
	CreatedAt time.Time
}

// AuditStore persists and replays audit entries and their dead letters.
type AuditStore interface {
	InsertAudit(ctx context.Context, rec AuditRecord) error
	InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error
	// PendingDeadLetters returns up to limit unreplayed dead letters of the
	// given type, oldest first.
	PendingDeadLetters(ctx context.Context, dlqType string, limit int) ([]DeadLetterRecord, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// JobDLQStore is the dead-letter sub-store for background job processing,
// distinct from the audit DLQ (separate bounded queues per §3 "Dead-letter
// entry"; PollingSupervisor probes its depth independently of audit's).
type JobDLQStore interface {
	DLQSize(ctx context.Context, jobType string) (int64, error)
}

// JobStore exposes queue-depth observability for the PollingSupervisor; it
// does not expose enqueue/dequeue, which belong to the out-of-scope job
// dispatcher.
type JobStore interface {
	QueueDepth(ctx context.Context) (int64, error)
	EventOutboxDepth(ctx context.Context) (int64, error)
}

// ObservabilityStore records coarse IO/health statistics the io_stats probe
// reads; a real implementation might read pg_stat_* views.
type ObservabilityStore interface {
	IOStats(ctx context.Context) (float64, error)
}

// AppsStore is the tenant/app registry the TenantLifecycle state machine
// persists against.
type AppsStore interface {
	CreateApp(ctx context.Context, id uuid.UUID, namespace, name string, settings []byte) error
	SetAppState(ctx context.Context, id uuid.UUID, state string) error
	DeleteApp(ctx context.Context, id uuid.UUID) error
	AppState(ctx context.Context, id uuid.UUID) (state string, found bool, err error)
}

// KVStore is a generic durable key-value sub-store, distinct from the
// Redis cache tier: it backs circuit-breaker persistence, poller alert
// state, and anything else that must survive a process restart without
// depending on Redis availability.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Database is the single SQL-store collaborator every other sub-store is
// grouped under, mirroring spec.md §1's
// "apps, audit, jobDlq, jobs, observability, kvStore" surface.
type Database interface {
	Apps() AppsStore
	Audit() AuditStore
	JobDLQ() JobDLQStore
	Jobs() JobStore
	Observability() ObservabilityStore
	KV() KVStore
}

// Redis is a thin command-set interface over the driver, matching spec.md
// §1's "get/set/del/multi/hgetall/hset/hdel/sadd/srem/smembers/expire/
// ping/subscribe/publish" contract. `multi` is modeled as MultiHSetExpire,
// the only atomic pairing this runtime needs (presence set + TTL).
type Redis interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error

	// MultiHSetExpire atomically performs HSet followed by Expire, the one
	// "multi" combination the presence protocol relies on (§4.7 "presence
	// helpers": "issues a multi-command (hset, expire) atomically").
	MultiHSetExpire(ctx context.Context, key string, values map[string]string, ttl time.Duration) error
}

// Subscription is a live pub/sub subscription; Messages is closed when the
// subscription is cancelled via ctx or Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
