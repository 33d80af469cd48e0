package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type mockStore struct {
	keys  map[string]*APIKey
	err   error
	calls int
}

func (m *mockStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	k, ok := m.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// unreachableCache fails every command quickly so lookups fall through to the store.
func unreachableCache(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func serve(t *testing.T, store Store, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAPIKeyID(r.Context())
		if GetRequestID(r.Context()) == "" {
			t.Error("Expected a request id in context")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mw := NewMiddleware(store, unreachableCache(t), time.Minute, zap.NewNop())
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	mw(next).ServeHTTP(w, req)
	return w, seen
}

func TestMiddleware_MissingHeader(t *testing.T) {
	store := &mockStore{}
	w, _ := serve(t, store, "")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
	if store.calls != 0 {
		t.Errorf("Expected no store lookup, got %d", store.calls)
	}
}

func TestMiddleware_ResolvesKey(t *testing.T) {
	store := &mockStore{keys: map[string]*APIKey{"sk-test": {ID: "key-1"}}}
	w, seen := serve(t, store, "Bearer sk-test")

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	if seen != "key-1" {
		t.Errorf("Expected api key id key-1, got %q", seen)
	}
}

func TestMiddleware_UnknownKey(t *testing.T) {
	w, _ := serve(t, &mockStore{}, "Bearer sk-nope")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_StoreFailure(t *testing.T) {
	w, _ := serve(t, &mockStore{err: errors.New("db down")}, "Bearer sk-test")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestHashKey(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := hashKey("abc"); got != want {
		t.Errorf("hashKey(abc) = %s, want %s", got, want)
	}
}
