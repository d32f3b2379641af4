package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ngoyal88/flowlog/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// Permissions checked by the admin endpoints.
const (
	PermRead  = "flowlog.read"
	PermWrite = "flowlog.write"
	PermAll   = "*"
)

// KeyPrefix marks flowlog access keys.
const KeyPrefix = "flk_"

// AccessKey is a stored credential for the admin endpoints.
type AccessKey struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	UserID      string     `json:"user_id"`
	Permissions []string   `json:"permissions"`
	Used        int64      `json:"used"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Allows reports whether k grants perm. Write implies read.
func (k *AccessKey) Allows(perm string) bool {
	for _, p := range k.Permissions {
		if p == PermAll || p == perm || (p == PermWrite && perm == PermRead) {
			return true
		}
	}
	return false
}

// RedisKey is where an access key is stored.
func RedisKey(key string) string {
	return fmt.Sprintf("accesskey:%s", key)
}

type contextKey string

const accessKeyContextKey contextKey = "access_key"

// Authorizer guards admin endpoints. The configured admin key grants every
// permission; other keys are looked up in Redis.
type Authorizer struct {
	rdb      *cache.Client
	adminKey string
	enabled  bool
}

func NewAuthorizer(rdb *cache.Client, adminKey string, enabled bool) *Authorizer {
	return &Authorizer{rdb: rdb, adminKey: adminKey, enabled: enabled}
}

// NeedsPermission returns middleware rejecting callers without perm.
func (a *Authorizer) NeedsPermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || !a.enabled {
				next.ServeHTTP(w, r)
				return
			}

			token := credential(r)
			if token == "" {
				respondError(w, "Missing credentials", http.StatusUnauthorized)
				return
			}

			if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			if !strings.HasPrefix(token, KeyPrefix) {
				respondError(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			key, err := a.lookup(ctx, token)
			if err != nil {
				respondError(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}
			if !key.Active {
				respondError(w, "Access key is inactive", http.StatusForbidden)
				return
			}
			if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
				respondError(w, "Access key has expired", http.StatusForbidden)
				return
			}
			if !key.Allows(perm) {
				respondError(w, "Permission denied", http.StatusForbidden)
				return
			}

			// Update usage (async to not slow down request)
			go incrementUsage(context.Background(), a.rdb, token)

			ctx = context.WithValue(r.Context(), accessKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// credential accepts "Authorization: Bearer <key>" or an X-Admin-Key header.
func credential(r *http.Request) string {
	if v := r.Header.Get("X-Admin-Key"); v != "" {
		return v
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (a *Authorizer) lookup(ctx context.Context, token string) (*AccessKey, error) {
	if a.rdb == nil {
		return nil, fmt.Errorf("redis not configured")
	}
	data, err := a.rdb.Get(ctx, RedisKey(token))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key not found")
		}
		return nil, err
	}
	var key AccessKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("corrupted key data")
	}
	return &key, nil
}

// incrementUsage updates the usage counter for an access key. The update is
// dropped when the key changed in the meantime, so a concurrent revoke wins.
func incrementUsage(ctx context.Context, rdb *cache.Client, token string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	id := RedisKey(token)
	rdb.Redis().Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, id).Bytes()
		if err != nil {
			return err
		}
		var key AccessKey
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		key.Used++
		now := time.Now()
		key.LastUsedAt = &now

		updated, err := json.Marshal(key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, updated, 0)
			return nil
		})
		return err
	}, id)
}

// AccessKeyFromContext returns the key that authorized the request, if any.
func AccessKeyFromContext(ctx context.Context) (*AccessKey, bool) {
	key, ok := ctx.Value(accessKeyContextKey).(*AccessKey)
	return key, ok
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
