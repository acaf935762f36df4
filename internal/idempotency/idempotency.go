// Package idempotency implements the exactly-once mutation gate from
// spec.md §4.8, built on internal/cache's kv SetNX the way the spec
// requires ("§4.8 Idempotency: built on internal/cache's kv SetNX"),
// binding a caller-supplied Idempotency-Key to a canonical body hash so a
// replayed request returns the original result instead of re-running the
// handler.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wisbric/platform/internal/cache"
	"github.com/wisbric/platform/internal/cryptox"
	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/reqctx"
)

// storeName is the cache key-registry bucket idempotency records live
// under, distinct from ordinary application cache entries.
const storeName = "idempotency"

// recordTTL is the fixed 24h TTL spec.md §4.8 step 3 mandates.
const recordTTL = 24 * time.Hour

// status values for Record.Status.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Record is the stable, serialized idempotency record shape (spec.md §3).
type Record struct {
	Key          string          `json:"key"`
	TenantID     string          `json:"tenantId"`
	OperationKey string          `json:"operationKey"`
	BodyHash     string          `json:"bodyHash"`
	Status       string          `json:"status"`
	CompletedAt  time.Time       `json:"completedAt,omitzero"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Gate is the Idempotency entity: it guards a mutation identified by
// (tenantId, operationKey, key) against duplicate execution.
type Gate struct {
	cache *cache.Service
}

// New constructs a Gate over a cache.Service.
func New(c *cache.Service) *Gate {
	return &Gate{cache: c}
}

func cacheKey(tenantID, resource, action, key string) string {
	return "idem:" + tenantID + ":" + resource + ":" + action + ":" + key
}

// CanonicalHash computes sha256(canonical(body)) where canonical is
// sorted-key JSON — the body-hash binding spec.md §4.8 step 2 requires.
// body must already be valid JSON; a non-object/array scalar body is
// hashed as-is once round-tripped through json.Marshal/Unmarshal, which
// is sufficient to normalize whitespace and map key order.
func CanonicalHash(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return cryptox.Hash(string(canon)), nil
}

// Run executes the idempotency protocol for one inbound mutation:
// resource/action identify the operation, key is the caller-supplied
// Idempotency-Key, body is the raw request body. If no record exists yet,
// handler runs and its result is cached; otherwise the existing record is
// consulted per the replay/conflict rules in spec.md §4.8 step 5.
func (g *Gate) Run(ctx context.Context, resource, action, key string, body []byte, handler func(context.Context) (any, error)) (any, error) {
	tenantID := reqctx.CurrentTenantID(ctx).String()
	ck := cacheKey(tenantID, resource, action, key)
	operationKey := resource + ":" + action

	bodyHash, err := CanonicalHash(body)
	if err != nil {
		return nil, errs.Validation("body", "not valid JSON")
	}

	pending := Record{
		Key:          key,
		TenantID:     tenantID,
		OperationKey: operationKey,
		BodyHash:     bodyHash,
		Status:       StatusPending,
	}

	setResult, err := g.cache.SetNX(ctx, storeName, ck, pending, recordTTL)
	if err != nil {
		return nil, errs.Internal("idempotency_setnx", err)
	}

	if !setResult.AlreadyExists {
		result, runErr := handler(ctx)
		if runErr != nil {
			_ = g.cache.Del(ctx, storeName, ck)
			return nil, runErr
		}

		resultRaw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			_ = g.cache.Del(ctx, storeName, ck)
			return nil, errs.Internal("idempotency_marshal_result", marshalErr)
		}

		completed := Record{
			Key:          key,
			TenantID:     tenantID,
			OperationKey: operationKey,
			BodyHash:     bodyHash,
			Status:       StatusCompleted,
			CompletedAt:  time.Now(),
			Result:       resultRaw,
		}
		if setErr := g.cache.Set(ctx, storeName, ck, completed, recordTTL); setErr != nil {
			return nil, errs.Internal("idempotency_persist_result", setErr)
		}
		return result, nil
	}

	var existing Record
	if !g.cache.Get(ctx, storeName, ck, &existing) {
		// Record vanished between SetNX and Get (expired/evicted): treat as
		// a fresh attempt rather than fail the caller outright.
		return handler(ctx)
	}

	switch existing.Status {
	case StatusCompleted:
		if existing.BodyHash != bodyHash {
			return nil, errs.Conflict("idempotency", "body_mismatch")
		}
		var result any
		if err := json.Unmarshal(existing.Result, &result); err != nil {
			return nil, errs.Internal("idempotency_decode_result", err)
		}
		return result, nil
	case StatusPending:
		return nil, errs.Conflict("idempotency", "in_flight")
	default:
		return nil, errs.Internal("idempotency_unknown_status", nil)
	}
}
