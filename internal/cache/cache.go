// Package cache implements the Cache entity from spec.md §4.7: kv/sets/
// pubsub capability groups, a per-store key registry with ref-counted
// local invalidation, rate-limit header middleware, a health ping, and
// presence helpers — layered the way omeyang-XKit's pkg/storage/xcache
// layers ristretto (tier 1) under a Redis-backed tier 2, generalized to
// the internal/collab.Redis collaborator interface so production code
// runs against go-redis and tests run against collab.FakeRedis or
// miniredis.
package cache

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/wisbric/platform/internal/collab"
	"github.com/wisbric/platform/internal/reqctx"
)

// Service is the Cache entity: a named local tier backed by ristretto,
// fronting a shared Redis collaborator for cross-process state, plus the
// key registry that drives local invalidation.
type Service struct {
	redis collab.Redis
	local *ristretto.Cache[string, []byte]

	mu       sync.Mutex
	registry map[string]map[string]int // storeName -> key -> refcount

	invalidationChannel string
}

// Options configures a Service.
type Options struct {
	// InvalidationChannel is the well-known pubsub channel every node
	// subscribes to for cross-process invalidation broadcasts. Defaults
	// to "cache:invalidate".
	InvalidationChannel string
}

// New constructs a Service over redis (tier 2) and an owned ristretto
// instance (tier 1), subscribing to the invalidation channel so remote
// invalidations are applied against this node's local registry.
func New(ctx context.Context, redis collab.Redis, opts Options) (*Service, error) {
	local, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     1 << 28,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	channel := opts.InvalidationChannel
	if channel == "" {
		channel = "cache:invalidate"
	}

	s := &Service{
		redis:               redis,
		local:               local,
		registry:            make(map[string]map[string]int),
		invalidationChannel: channel,
	}

	if redis != nil {
		sub, err := redis.Subscribe(ctx, channel)
		if err == nil {
			go s.consumeInvalidations(sub)
		}
	}

	return s, nil
}

type invalidationMsg struct {
	StoreName string `json:"storeName"`
	Matcher   string `json:"matcher"`
}

func (s *Service) consumeInvalidations(sub collab.Subscription) {
	for payload := range sub.Messages() {
		var msg invalidationMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		s.invalidateLocalOnly(msg.StoreName, msg.Matcher)
	}
}

// --- kv capability group ---

// Get decodes the value stored at key into dst, returning found=false on
// any of: missing key, decode failure, or driver error — §4.7's
// deliberate fail-safe: a corrupted entry is never observable as a
// partial value.
func (s *Service) Get(ctx context.Context, storeName, key string, dst any) (found bool) {
	s.touch(storeName, key)

	if raw, ok := s.local.Get(key); ok {
		if json.Unmarshal(raw, dst) == nil {
			return true
		}
		return false
	}

	if s.redis == nil {
		return false
	}
	raw, ok, err := s.redis.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	if json.Unmarshal(raw, dst) != nil {
		return false
	}
	s.local.SetWithTTL(key, raw, int64(len(raw)), time.Minute)
	return true
}

// Set encodes value and writes it to both tiers with the given ttl.
func (s *Service) Set(ctx context.Context, storeName, key string, value any, ttl time.Duration) error {
	s.touch(storeName, key)

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.local.SetWithTTL(key, raw, int64(len(raw)), ttl)
	if s.redis != nil {
		return s.redis.Set(ctx, key, raw, ttl)
	}
	return nil
}

// Del removes key from both tiers.
func (s *Service) Del(ctx context.Context, storeName, key string) error {
	s.untouch(storeName, key)
	s.local.Del(key)
	if s.redis == nil {
		return nil
	}
	_, err := s.redis.Del(ctx, key)
	return err
}

// SetNXResult is the outcome of a SetNX attempt.
type SetNXResult struct {
	Key           string
	AlreadyExists bool
}

// SetNX attempts to atomically create key with value if absent,
// returning AlreadyExists=true when a value was already present (and
// leaving it untouched) — the primitive internal/idempotency builds on.
func (s *Service) SetNX(ctx context.Context, storeName, key string, value any, ttl time.Duration) (SetNXResult, error) {
	s.touch(storeName, key)

	raw, err := json.Marshal(value)
	if err != nil {
		return SetNXResult{}, err
	}

	if s.redis == nil {
		if _, ok := s.local.Get(key); ok {
			return SetNXResult{Key: key, AlreadyExists: true}, nil
		}
		s.local.SetWithTTL(key, raw, int64(len(raw)), ttl)
		return SetNXResult{Key: key}, nil
	}

	if _, ok, err := s.redis.Get(ctx, key); err != nil {
		return SetNXResult{}, err
	} else if ok {
		return SetNXResult{Key: key, AlreadyExists: true}, nil
	}

	if err := s.redis.Set(ctx, key, raw, ttl); err != nil {
		return SetNXResult{}, err
	}
	s.local.SetWithTTL(key, raw, int64(len(raw)), ttl)
	return SetNXResult{Key: key}, nil
}

// --- sets capability group ---

// Add appends members to the set at key; a[] is a no-op per §4.7.
func (s *Service) Add(ctx context.Context, storeName, key string, members ...string) error {
	if len(members) == 0 || s.redis == nil {
		return nil
	}
	s.touch(storeName, key)
	return s.redis.SAdd(ctx, key, members...)
}

// Remove removes members from the set at key; []members is a no-op.
func (s *Service) Remove(ctx context.Context, storeName, key string, members ...string) error {
	if len(members) == 0 || s.redis == nil {
		return nil
	}
	return s.redis.SRem(ctx, key, members...)
}

// Members returns the set's members, or [] if the driver errors.
func (s *Service) Members(ctx context.Context, key string) []string {
	if s.redis == nil {
		return []string{}
	}
	members, err := s.redis.SMembers(ctx, key)
	if err != nil {
		return []string{}
	}
	return members
}

// TouchSet refreshes a set's TTL, computing seconds as max(1, ceil(d/1s))
// per §4.7.
func (s *Service) TouchSet(ctx context.Context, key string, d time.Duration) error {
	if s.redis == nil {
		return nil
	}
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return s.redis.Expire(ctx, key, time.Duration(seconds)*time.Second)
}

// --- pubsub capability group ---

// Subscribe returns the stream of message payloads on channel, as raw
// bytes.
func (s *Service) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if s.redis == nil {
		return nil, nil
	}
	sub, err := s.redis.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	return sub.Messages(), nil
}

// Publish sends message on channel as given; the caller encodes it.
func (s *Service) Publish(ctx context.Context, channel string, message []byte) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Publish(ctx, channel, message)
}

// --- key registry & invalidation ---

func (s *Service) touch(storeName, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.registry[storeName]
	if !ok {
		keys = make(map[string]int)
		s.registry[storeName] = keys
	}
	keys[key]++
}

func (s *Service) untouch(storeName, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := s.registry[storeName]; ok {
		delete(keys, key)
	}
}

// globToRegex turns a glob matcher (only "*" is special) into an anchored
// regex, escaping every other metacharacter.
func globToRegex(matcher string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range matcher {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// invalidateLocalOnly walks the registry for storeName, removing entries
// matching matcher from both the local tier and the registry, without
// broadcasting — used by the pubsub consumer so a remote invalidation
// doesn't re-publish itself.
func (s *Service) invalidateLocalOnly(storeName, matcher string) int {
	s.mu.Lock()
	keys, ok := s.registry[storeName]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	re := globToRegex(matcher)
	var toRemove []string
	for key := range keys {
		if matcher == key || re.MatchString(key) {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		delete(keys, key)
	}
	s.mu.Unlock()

	for _, key := range toRemove {
		s.local.Del(key)
	}
	return len(toRemove)
}

// InvalidateLocal applies invalidation against this node's registry and
// broadcasts it to every other node over the invalidation channel. A
// store not registered locally returns count 0 without error, per §4.7.
func (s *Service) InvalidateLocal(ctx context.Context, storeName, matcher string) (int, error) {
	count := s.invalidateLocalOnly(storeName, matcher)

	if s.redis != nil {
		payload, err := json.Marshal(invalidationMsg{StoreName: storeName, Matcher: matcher})
		if err == nil {
			_ = s.redis.Publish(ctx, s.invalidationChannel, payload)
		}
	}
	return count, nil
}

// --- header middleware ---

// HeaderMiddleware injects rate-limit headers from the ambient
// reqctx.RateLimit when present, clamping remaining to [0, limit].
func HeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl := reqctx.Current(r.Context()).RateLimit; rl != nil {
			remaining := rl.Remaining
			if remaining < 0 {
				remaining = 0
			}
			if remaining > rl.Limit {
				remaining = rl.Limit
			}
			w.Header().Set(reqctx.HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
			w.Header().Set(reqctx.HeaderRateLimitRemain, strconv.Itoa(remaining))
			w.Header().Set(reqctx.HeaderRateLimitReset, strconv.Itoa(int(rl.ResetAfter.Seconds())))
		}
		next.ServeHTTP(w, r)
	})
}

// --- health ---

// Health is the result of pinging the driver.
type Health struct {
	Connected bool
	LatencyMs int64
}

// Ping pings the Redis driver, returning {connected:false, latencyMs:0}
// on any driver error, per §4.7.
func (s *Service) Ping(ctx context.Context) Health {
	if s.redis == nil {
		return Health{}
	}
	start := time.Now()
	if err := s.redis.Ping(ctx); err != nil {
		return Health{}
	}
	return Health{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}

// --- presence helpers ---

// Presence is the stable wire schema for a presence entry.
type Presence struct {
	SocketID string         `json:"socketId"`
	Data     map[string]any `json:"data"`
}

const presenceTTL = 60 * time.Second

func presenceKey(tenant string) string { return "presence:" + tenant }

// SetPresence issues an atomic (hset, expire) for socketID under tenant.
func (s *Service) SetPresence(ctx context.Context, tenant, socketID string, data map[string]any) error {
	if s.redis == nil {
		return nil
	}
	entry := Presence{SocketID: socketID, Data: data}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.redis.MultiHSetExpire(ctx, presenceKey(tenant), map[string]string{socketID: string(raw)}, presenceTTL)
}

// RemovePresence removes socketID's entry under tenant.
func (s *Service) RemovePresence(ctx context.Context, tenant, socketID string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.HDel(ctx, presenceKey(tenant), socketID)
}

// RefreshPresence extends tenant's presence hash TTL without touching
// entries.
func (s *Service) RefreshPresence(ctx context.Context, tenant string) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Expire(ctx, presenceKey(tenant), presenceTTL)
}

// GetAllPresence returns every entry under tenant whose stored JSON
// decodes against Presence; invalid rows are silently dropped.
func (s *Service) GetAllPresence(ctx context.Context, tenant string) []Presence {
	if s.redis == nil {
		return nil
	}
	raw, err := s.redis.HGetAll(ctx, presenceKey(tenant))
	if err != nil {
		return nil
	}
	out := make([]Presence, 0, len(raw))
	for _, v := range raw {
		var p Presence
		if json.Unmarshal([]byte(v), &p) != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
