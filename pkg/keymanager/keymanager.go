package keymanager

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ngoyal88/flowlog/pkg/cache"
	"github.com/ngoyal88/flowlog/pkg/middleware"
)

// ErrUnknownPermission rejects a permission outside the read/write/all set.
var ErrUnknownPermission = errors.New("unknown permission")

// Manager handles access key operations
type Manager struct {
	rdb *cache.Client
}

// New creates a new key manager
func New(rdb *cache.Client) *Manager {
	return &Manager{rdb: rdb}
}

// CreateKey generates a new access key carrying perms.
func (m *Manager) CreateKey(ctx context.Context, name, userID, description string, perms []string, expiresIn *time.Duration) (*middleware.AccessKey, error) {
	if len(perms) == 0 {
		perms = []string{middleware.PermRead}
	}
	for _, p := range perms {
		switch p {
		case middleware.PermRead, middleware.PermWrite, middleware.PermAll:
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownPermission, p)
		}
	}

	keyStr, err := generateSecureKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	now := time.Now()
	var expiresAt *time.Time
	if expiresIn != nil {
		exp := now.Add(*expiresIn)
		expiresAt = &exp
	}

	key := &middleware.AccessKey{
		Key:         keyStr,
		Name:        name,
		UserID:      userID,
		Permissions: perms,
		Active:      true,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Description: description,
	}

	if err := m.save(ctx, key); err != nil {
		return nil, err
	}

	// Also store in user index for listing
	if err := m.rdb.Redis().SAdd(ctx, userIndex(userID), keyStr).Err(); err != nil {
		m.rdb.Redis().Del(ctx, middleware.RedisKey(keyStr))
		return nil, fmt.Errorf("indexing key: %w", err)
	}
	return key, nil
}

// GetKey retrieves an access key
func (m *Manager) GetKey(ctx context.Context, key string) (*middleware.AccessKey, error) {
	data, err := m.rdb.Get(ctx, middleware.RedisKey(key))
	if err != nil {
		return nil, err
	}

	var k middleware.AccessKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// RevokeKey deactivates an access key
func (m *Manager) RevokeKey(ctx context.Context, key string) error {
	k, err := m.GetKey(ctx, key)
	if err != nil {
		return err
	}
	k.Active = false
	return m.save(ctx, k)
}

// DeleteKey permanently removes an access key
func (m *Manager) DeleteKey(ctx context.Context, key string) error {
	k, err := m.GetKey(ctx, key)
	if err != nil {
		return err
	}
	m.rdb.Redis().SRem(ctx, userIndex(k.UserID), key)
	return m.rdb.Redis().Del(ctx, middleware.RedisKey(key)).Err()
}

// ListUserKeys returns all keys for a user, oldest first.
func (m *Manager) ListUserKeys(ctx context.Context, userID string) ([]*middleware.AccessKey, error) {
	keys, err := m.rdb.Redis().SMembers(ctx, userIndex(userID)).Result()
	if err != nil {
		return nil, err
	}
	return m.load(ctx, keys), nil
}

// ListActive scans every stored key and returns the active ones, oldest first.
func (m *Manager) ListActive(ctx context.Context) ([]*middleware.AccessKey, error) {
	var names []string
	iter := m.rdb.Redis().Scan(ctx, 0, middleware.RedisKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(middleware.RedisKey("")):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	all := m.load(ctx, names)
	active := all[:0]
	for _, k := range all {
		if k.Active {
			active = append(active, k)
		}
	}
	return active, nil
}

func (m *Manager) load(ctx context.Context, keys []string) []*middleware.AccessKey {
	result := make([]*middleware.AccessKey, 0, len(keys))
	for _, key := range keys {
		k, err := m.GetKey(ctx, key)
		if err == nil {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (m *Manager) save(ctx context.Context, k *middleware.AccessKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, middleware.RedisKey(k.Key), data, 0)
}

func userIndex(userID string) string {
	return fmt.Sprintf("user:%s:keys", userID)
}

// generateSecureKey creates a cryptographically secure random key
func generateSecureKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return middleware.KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
