package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ngoyal88/flowlog/pkg/cache"
	"github.com/redis/go-redis/v9"
)

func newTestAuthorizer(t *testing.T) (*Authorizer, *cache.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := cache.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rdb.Close() })
	return NewAuthorizer(rdb, "admin-secret", true), rdb
}

func storeKey(t *testing.T, rdb *cache.Client, k AccessKey) {
	t.Helper()
	data, err := json.Marshal(k)
	if err != nil {
		t.Fatal(err)
	}
	if err := rdb.Set(context.Background(), RedisKey(k.Key), data, 0); err != nil {
		t.Fatal(err)
	}
}

func TestAuthorizer(t *testing.T) {
	auth, rdb := newTestAuthorizer(t)
	past := time.Now().Add(-time.Hour)
	storeKey(t, rdb, AccessKey{Key: "flk_reader", Permissions: []string{PermRead}, Active: true})
	storeKey(t, rdb, AccessKey{Key: "flk_writer", Permissions: []string{PermWrite}, Active: true})
	storeKey(t, rdb, AccessKey{Key: "flk_revoked", Permissions: []string{PermAll}, Active: false})
	storeKey(t, rdb, AccessKey{Key: "flk_expired", Permissions: []string{PermAll}, Active: true, ExpiresAt: &past})

	tests := []struct {
		name   string
		perm   string
		header string
		value  string
		want   int
	}{
		{"missing credentials", PermRead, "", "", http.StatusUnauthorized},
		{"admin key header", PermWrite, "X-Admin-Key", "admin-secret", http.StatusOK},
		{"admin key bearer", PermAll, "Authorization", "Bearer admin-secret", http.StatusOK},
		{"wrong admin key", PermRead, "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"unknown access key", PermRead, "X-Admin-Key", "flk_unknown", http.StatusUnauthorized},
		{"reader reads", PermRead, "X-Admin-Key", "flk_reader", http.StatusOK},
		{"reader writes", PermWrite, "X-Admin-Key", "flk_reader", http.StatusForbidden},
		{"writer reads", PermRead, "Authorization", "Bearer flk_writer", http.StatusOK},
		{"writer manages keys", PermAll, "X-Admin-Key", "flk_writer", http.StatusForbidden},
		{"revoked key", PermRead, "X-Admin-Key", "flk_revoked", http.StatusForbidden},
		{"expired key", PermRead, "X-Admin-Key", "flk_expired", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := auth.NeedsPermission(tt.perm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/admin/flowlog/n1/stats", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAuthorizer_KeyInContext(t *testing.T) {
	auth, rdb := newTestAuthorizer(t)
	storeKey(t, rdb, AccessKey{Key: "flk_reader", Name: "ci", Permissions: []string{PermRead}, Active: true})

	var name string
	h := auth.NeedsPermission(PermRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if k, ok := AccessKeyFromContext(r.Context()); ok {
			name = k.Name
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Admin-Key", "flk_reader")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if name != "ci" {
		t.Errorf("key in context = %q", name)
	}
}

func TestAuthorizer_Disabled(t *testing.T) {
	for _, auth := range []*Authorizer{nil, NewAuthorizer(nil, "", false)} {
		rec := httptest.NewRecorder()
		auth.NeedsPermission(PermAll)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want request to pass through", rec.Code)
		}
	}
}

func TestAuthorizer_ErrorBody(t *testing.T) {
	auth, _ := newTestAuthorizer(t)
	rec := httptest.NewRecorder()
	auth.NeedsPermission(PermRead)(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Success || body.Error != "Missing credentials" {
		t.Errorf("body = %+v", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
