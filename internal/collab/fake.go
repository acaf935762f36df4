package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeRedis is an in-memory Redis double for unit tests, following the
// teacher's "composition root accepts interfaces, tests substitute them"
// convention (wisbric/core's TenantLookup/TenantStore doubles). Production
// code should prefer RedisAdapter over go-redis, or miniredis-in-process
// when exercising real wire behavior is valuable.
type FakeRedis struct {
	mu     sync.Mutex
	kv     map[string]fakeEntry
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	subs   map[string][]chan []byte
}

type fakeEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

func NewFakeRedis() *FakeRedis {
	return &FakeRedis{
		kv:     make(map[string]fakeEntry),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[string][]chan []byte),
	}
}

func (f *FakeRedis) expired(e fakeEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (f *FakeRedis) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok || f.expired(e) {
		delete(f.kv, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (f *FakeRedis) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	f.kv[key] = fakeEntry{value: cp, expires: exp}
	return nil
}

func (f *FakeRedis) Del(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	return n, nil
}

func (f *FakeRedis) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (f *FakeRedis) HSet(_ context.Context, key string, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (f *FakeRedis) HDel(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return nil
	}
	for _, fd := range fields {
		delete(h, fd)
	}
	return nil
}

func (f *FakeRedis) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *FakeRedis) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (f *FakeRedis) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out, nil
}

func (f *FakeRedis) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.kv[key]; ok {
		e.expires = time.Now().Add(ttl)
		f.kv[key] = e
	}
	// Hashes and sets never expire in this fake; Expire only affects
	// plain keys.
	return nil
}

func (f *FakeRedis) Ping(_ context.Context) error { return nil }

func (f *FakeRedis) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := append([]chan []byte(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (f *FakeRedis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ch := make(chan []byte, 64)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()

	sub := &fakeSubscription{parent: f, channel: channel, ch: ch}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

func (f *FakeRedis) MultiHSetExpire(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	if err := f.HSet(ctx, key, values); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.kv[key]; !ok {
		f.kv[key] = fakeEntry{expires: time.Now().Add(ttl)}
	} else {
		e := f.kv[key]
		e.expires = time.Now().Add(ttl)
		f.kv[key] = e
	}
	f.mu.Unlock()
	return nil
}

type fakeSubscription struct {
	parent  *FakeRedis
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *fakeSubscription) Messages() <-chan []byte { return s.ch }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		s.parent.mu.Lock()
		defer s.parent.mu.Unlock()
		subs := s.parent.subs[s.channel]
		for i, c := range subs {
			if c == s.ch {
				s.parent.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}

// FakeDatabase is an in-memory Database double.
type FakeDatabase struct {
	mu           sync.Mutex
	apps         map[uuid.UUID]string
	auditLog     []AuditRecord
	dlq          map[string][]DeadLetterRecord
	jobDLQDepth  map[string]int64
	queueDepth   int64
	outboxDepth  int64
	ioStatsValue float64
	kv           map[string][]byte
}

func NewFakeDatabase() *FakeDatabase {
	return &FakeDatabase{
		apps:        make(map[uuid.UUID]string),
		dlq:         make(map[string][]DeadLetterRecord),
		jobDLQDepth: make(map[string]int64),
		kv:          make(map[string][]byte),
	}
}

func (d *FakeDatabase) Apps() AppsStore               { return (*fakeApps)(d) }
func (d *FakeDatabase) Audit() AuditStore             { return (*fakeAudit)(d) }
func (d *FakeDatabase) JobDLQ() JobDLQStore           { return (*fakeJobDLQ)(d) }
func (d *FakeDatabase) Jobs() JobStore                { return (*fakeJobs)(d) }
func (d *FakeDatabase) Observability() ObservabilityStore { return (*fakeObservability)(d) }
func (d *FakeDatabase) KV() KVStore                   { return (*fakeKV)(d) }

// SetIOStats lets tests drive the observability probe's return value.
func (d *FakeDatabase) SetIOStats(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ioStatsValue = v
}

// SetQueueDepths lets tests drive the job/outbox depth probes.
func (d *FakeDatabase) SetQueueDepths(queue, outbox int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queueDepth = queue
	d.outboxDepth = outbox
}

// SetJobDLQSize lets tests drive the dlqSize probe for a job type.
func (d *FakeDatabase) SetJobDLQSize(jobType string, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobDLQDepth[jobType] = size
}

type fakeApps FakeDatabase

func (a *fakeApps) CreateApp(_ context.Context, id uuid.UUID, namespace, name string, _ []byte) error {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apps[id] = "active"
	_ = namespace
	_ = name
	return nil
}

func (a *fakeApps) SetAppState(_ context.Context, id uuid.UUID, state string) error {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apps[id] = state
	return nil
}

func (a *fakeApps) DeleteApp(_ context.Context, id uuid.UUID) error {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.apps, id)
	return nil
}

func (a *fakeApps) AppState(_ context.Context, id uuid.UUID) (string, bool, error) {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.apps[id]
	return s, ok, nil
}

type fakeAudit FakeDatabase

func (a *fakeAudit) InsertAudit(_ context.Context, rec AuditRecord) error {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auditLog = append(d.auditLog, rec)
	return nil
}

func (a *fakeAudit) InsertDeadLetter(_ context.Context, rec DeadLetterRecord) error {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dlq[rec.Type] = append(d.dlq[rec.Type], rec)
	return nil
}

func (a *fakeAudit) PendingDeadLetters(_ context.Context, dlqType string, limit int) ([]DeadLetterRecord, error) {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DeadLetterRecord
	for _, e := range d.dlq[dlqType] {
		if e.ReplayedAt != nil {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *fakeAudit) MarkReplayed(_ context.Context, id uuid.UUID, at time.Time) error {
	d := (*FakeDatabase)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	for typ, entries := range d.dlq {
		for i := range entries {
			if entries[i].ID == id {
				t := at
				d.dlq[typ][i].ReplayedAt = &t
				return nil
			}
		}
	}
	return nil
}

type fakeJobDLQ FakeDatabase

func (j *fakeJobDLQ) DLQSize(_ context.Context, jobType string) (int64, error) {
	d := (*FakeDatabase)(j)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobDLQDepth[jobType], nil
}

type fakeJobs FakeDatabase

func (j *fakeJobs) QueueDepth(_ context.Context) (int64, error) {
	d := (*FakeDatabase)(j)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueDepth, nil
}

func (j *fakeJobs) EventOutboxDepth(_ context.Context) (int64, error) {
	d := (*FakeDatabase)(j)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outboxDepth, nil
}

type fakeObservability FakeDatabase

func (o *fakeObservability) IOStats(_ context.Context) (float64, error) {
	d := (*FakeDatabase)(o)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ioStatsValue, nil
}

type fakeKV FakeDatabase

func (k *fakeKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	d := (*FakeDatabase)(k)
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.kv[key]
	return v, ok, nil
}

func (k *fakeKV) Set(_ context.Context, key string, value []byte) error {
	d := (*FakeDatabase)(k)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kv[key] = value
	return nil
}

func (k *fakeKV) Delete(_ context.Context, key string) error {
	d := (*FakeDatabase)(k)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.kv, key)
	return nil
}
