package cache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/platform/internal/cache"
	"github.com/wisbric/platform/internal/collab"
	"github.com/wisbric/platform/internal/reqctx"
)

type widget struct {
	Name string `json:"name"`
}

func newService(t *testing.T) (*cache.Service, collab.Redis) {
	t.Helper()
	redis := collab.NewFakeRedis()
	svc, err := cache.New(context.Background(), redis, cache.Options{})
	require.NoError(t, err)
	return svc, redis
}

func TestSetGet_RoundTrips(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "widgets", "w1", widget{Name: "sprocket"}, time.Minute))

	var out widget
	found := svc.Get(ctx, "widgets", "w1", &out)
	assert.True(t, found)
	assert.Equal(t, "sprocket", out.Name)
}

func TestGet_MissingKeyReturnsNotFound(t *testing.T) {
	svc, _ := newService(t)
	var out widget
	found := svc.Get(context.Background(), "widgets", "missing", &out)
	assert.False(t, found)
}

func TestGet_DecodeFailureReturnsNotFoundNotPartial(t *testing.T) {
	svc, redis := newService(t)
	ctx := context.Background()

	require.NoError(t, redis.Set(ctx, "corrupt", []byte("not json"), time.Minute))

	var out widget
	found := svc.Get(ctx, "widgets", "corrupt", &out)
	assert.False(t, found)
	assert.Equal(t, widget{}, out, "a decode failure must never yield a partial value")
}

func TestSetNX_SecondCallReportsAlreadyExists(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.SetNX(ctx, "idem", "k1", widget{Name: "a"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, first.AlreadyExists)

	second, err := svc.SetNX(ctx, "idem", "k1", widget{Name: "b"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, second.AlreadyExists)
}

func TestAddRemove_EmptyMembersAreNoOps(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Add(ctx, "sets", "s1"))
	require.NoError(t, svc.Remove(ctx, "sets", "s1"))
	assert.Empty(t, svc.Members(ctx, "s1"))
}

func TestAddMembers_RoundTrips(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Add(ctx, "sets", "s1", "a", "b"))
	assert.ElementsMatch(t, []string{"a", "b"}, svc.Members(ctx, "s1"))
}

func TestInvalidateLocal_MatchesGlobAndReportsCount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "widgets", "widgets:1", widget{Name: "a"}, time.Minute))
	require.NoError(t, svc.Set(ctx, "widgets", "widgets:2", widget{Name: "b"}, time.Minute))
	require.NoError(t, svc.Set(ctx, "other", "other:1", widget{Name: "c"}, time.Minute))

	count, err := svc.InvalidateLocal(ctx, "widgets", "widgets:*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// InvalidateLocal clears tier 1 and the registry only; tier 2 still
	// holds the value, so a later Get refills from it.
	var out widget
	assert.True(t, svc.Get(ctx, "widgets", "widgets:1", &out))
}

func TestInvalidateLocal_UnregisteredStoreReturnsZero(t *testing.T) {
	svc, _ := newService(t)
	count, err := svc.InvalidateLocal(context.Background(), "nonexistent", "*")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHeaderMiddleware_ClampsRemaining(t *testing.T) {
	handler := cache.HeaderMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rc := reqctx.System(uuid.New(), uuid.New())
	rc.RateLimit = &reqctx.RateLimit{Limit: 10, Remaining: -5, ResetAfter: 30 * time.Second}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(reqctx.Install(req.Context(), rc))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, "0", rec.Header().Get(reqctx.HeaderRateLimitRemain))
	assert.Equal(t, "10", rec.Header().Get(reqctx.HeaderRateLimitLimit))
}

func TestPing_ReportsConnected(t *testing.T) {
	svc, _ := newService(t)
	health := svc.Ping(context.Background())
	assert.True(t, health.Connected)
}

func TestPresence_SetRefreshGetAllRemove(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetPresence(ctx, "acme", "sock-1", map[string]any{"page": "home"}))
	require.NoError(t, svc.SetPresence(ctx, "acme", "sock-2", map[string]any{"page": "billing"}))

	all := svc.GetAllPresence(ctx, "acme")
	assert.Len(t, all, 2)

	require.NoError(t, svc.RefreshPresence(ctx, "acme"))
	require.NoError(t, svc.RemovePresence(ctx, "acme", "sock-1"))

	all = svc.GetAllPresence(ctx, "acme")
	assert.Len(t, all, 1)
	assert.Equal(t, "sock-2", all[0].SocketID)
}
