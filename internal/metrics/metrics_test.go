package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/metrics"
)

func TestLabel_DropsEmptyAndTruncates(t *testing.T) {
	long := strings.Repeat("x", 200)
	out := metrics.Label(map[string]string{
		"keep":  "value",
		"empty": "",
		"long":  long,
	})
	assert.Equal(t, "value", out["keep"])
	_, hasEmpty := out["empty"]
	assert.False(t, hasEmpty)
	assert.Len(t, out["long"], 123)
}

func TestLabel_StripsControlCharacters(t *testing.T) {
	out := metrics.Label(map[string]string{"k": "a\x01b\x7fc"})
	assert.Equal(t, "abc", out["k"])
}

func TestLabel_Idempotent(t *testing.T) {
	in := map[string]string{"k": strings.Repeat("y", 300)}
	once := metrics.Label(in)
	twice := metrics.Label(once)
	assert.Equal(t, once, twice)
}

func TestErrorTag_UsesTaggedTag(t *testing.T) {
	assert.Equal(t, "Conflict", metrics.ErrorTag(errs.Conflict("widget", "r")))
}

func TestErrorTag_UnknownForUntaggedError(t *testing.T) {
	assert.Equal(t, "Unknown", metrics.ErrorTag(errors.New("boom")))
}

func TestErrorTag_EmptyForNil(t *testing.T) {
	assert.Equal(t, "", metrics.ErrorTag(nil))
}

func TestNormalizeSegment(t *testing.T) {
	assert.Equal(t, ":id", metrics.NormalizeSegment("550e8400-e29b-41d4-a716-446655440000"))
	assert.Equal(t, ":num", metrics.NormalizeSegment("12345"))
	assert.Equal(t, ":hash", metrics.NormalizeSegment("deadbeefcafef00d1234"))
	assert.Equal(t, ":token", metrics.NormalizeSegment("abcDEF-ghi_JKL456"))
	assert.Equal(t, "widgets", metrics.NormalizeSegment("widgets"))
}

func TestNormalizePath(t *testing.T) {
	got := metrics.NormalizePath("/tenants/550e8400-e29b-41d4-a716-446655440000/widgets/42")
	assert.Equal(t, "/tenants/:id/widgets/:num", got)
}

func TestNormalizePath_RootUnchanged(t *testing.T) {
	assert.Equal(t, "/", metrics.NormalizePath("/"))
	assert.Equal(t, "", metrics.NormalizePath(""))
}

func TestTrackEffect_RecordsSuccessAndFailure(t *testing.T) {
	_, err := metrics.TrackEffect("op.ok", metrics.EffectOptions{}, func() (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	_, err = metrics.TrackEffect("op.fail", metrics.EffectOptions{}, func() (int, error) {
		return 0, errs.Conflict("x", "y")
	})
	require.Error(t, err)
}

func TestTrackJob_RecordsOutcome(t *testing.T) {
	_, err := metrics.TrackJob(metrics.JobTrackOptions{JobType: "email", Operation: metrics.JobProcess}, func() (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
}

func TestTrackStream_ForwardsAllItems(t *testing.T) {
	in := make(chan int, 3)
	in <- 1
	in <- 2
	in <- 3
	close(in)

	out := metrics.TrackStream(in, "test.stream", nil)
	var got []int
	for v := range out {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestRouteMiddleware_RecordsWithoutPanicking(t *testing.T) {
	handler := metrics.RouteMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/tenants/550e8400-e29b-41d4-a716-446655440000", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
