package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/ratelimit/memory"
	"github.com/AlexKimmel/quotagate/internal/violation"
)

var now = time.UnixMilli(1_700_000_000_000)

type brokenStore struct{ *memory.Store }

func (brokenStore) Peek(context.Context, string, time.Time) (ratelimit.Counter, bool, error) {
	return ratelimit.Counter{}, false, errors.New("down")
}

func (brokenStore) Reset(context.Context, string) error { return errors.New("down") }

func newHandler(t *testing.T, store ratelimit.Store, token string) (*Handler, *violation.Log) {
	t.Helper()
	vlog := violation.New(10)
	h := New(vlog, store, token)
	h.now = func() time.Time { return now }
	return h, vlog
}

func serve(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Token(t *testing.T) {
	h, _ := newHandler(t, memory.New(), "secret")

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/violations", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/violations", "wrong").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/violations", "secret").Code)
}

func TestAdmin_Violations(t *testing.T) {
	h, vlog := newHandler(t, memory.New(), "tok")
	for i := 1; i <= 3; i++ {
		vlog.Append(violation.Record{Key: "rl:api:ip:10.0.0.1", Scope: "api", ExceededBy: int64(i), Timestamp: now})
	}

	rec := serve(h, http.MethodGet, "/violations?limit=2", "tok")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Capacity   int                `json:"capacity"`
		Count      int                `json:"count"`
		Violations []violation.Record `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.Capacity)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Violations, 2)
	assert.Equal(t, int64(3), body.Violations[0].ExceededBy, "newest first")

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/violations?limit=-1", "tok").Code)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/violations", "tok").Code)
	assert.Equal(t, 0, vlog.Len())
}

func TestAdmin_Counters(t *testing.T) {
	store := memory.New()
	h, _ := newHandler(t, store, "tok")
	key := "rl:api:user:u1"

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/counters", "tok").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/counters?key="+key, "tok").Code)

	for i := 0; i < 3; i++ {
		_, err := store.Increment(context.Background(), key, time.Minute, now)
		require.NoError(t, err)
	}

	rec := serve(h, http.MethodGet, "/counters?key="+key, "tok")
	require.Equal(t, http.StatusOK, rec.Code)
	var view counterView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, key, view.Key)
	assert.Equal(t, int64(3), view.Count)
	start, end := ratelimit.WindowBounds(now, time.Minute)
	assert.True(t, start.Equal(view.WindowStart))
	assert.True(t, end.Equal(view.ResetAt))

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/counters?key="+key, "tok").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/counters?key="+key, "tok").Code)
}

func TestAdmin_StoreUnavailable(t *testing.T) {
	h, _ := newHandler(t, brokenStore{memory.New()}, "tok")

	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/counters?key=k", "tok").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodDelete, "/counters?key=k", "tok").Code)
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	h, _ := newHandler(t, memory.New(), "")
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodPost, "/violations", "").Code)
}

func TestAdmin_ReadOnlyWithoutToken(t *testing.T) {
	store := memory.New()
	h, vlog := newHandler(t, store, "")
	require.True(t, h.ReadOnly())

	key := "rl:default:ip:1.2.3.4"
	_, err := store.Increment(context.Background(), key, time.Minute, now)
	require.NoError(t, err)
	vlog.Append(violation.Record{Key: key, Scope: "default", Timestamp: now})

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/violations", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/counters?key="+key, "").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodDelete, "/counters?key="+key, "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, http.MethodDelete, "/violations", "").Code)

	_, ok, err := store.Peek(context.Background(), key, now)
	require.NoError(t, err)
	assert.True(t, ok, "counter must survive")
	assert.Equal(t, 1, vlog.Len())
}
