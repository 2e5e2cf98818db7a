package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PromotionLease guards scheduled-start promotion when several scheduler
// instances sweep the same store. Acquire returns false when another instance
// already claimed the session for this pass.
type PromotionLease interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID string)
}

// localLease is the single-instance default: claims live in process memory
// and expire with the scheduler pass that took them.
type localLease struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewLocalLease returns an in-process promotion lease.
func NewLocalLease() PromotionLease {
	return &localLease{claims: make(map[string]time.Time), now: time.Now}
}

func (l *localLease) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, held := l.claims[sessionID]; held && l.now().Before(expiry) {
		return false, nil
	}
	l.claims[sessionID] = l.now().Add(ttl)
	return true, nil
}

func (l *localLease) Release(ctx context.Context, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, sessionID)
}

// RedisLeaseConfig configures the Redis-backed promotion lease used when
// multiple scheduler instances run against a shared store.
type RedisLeaseConfig struct {
	Addr     string
	Username string
	Password string
	Prefix   string
}

type redisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease builds a promotion lease on Redis SET NX EX semantics.
func NewRedisLease(cfg RedisLeaseConfig) PromotionLease {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "campuscast:promotion"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	return &redisLease{client: client, prefix: prefix}
}

func (l *redisLease) key(sessionID string) string {
	return l.prefix + ":" + sessionID
}

func (l *redisLease) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key(sessionID), "1", ttl).Result()
}

func (l *redisLease) Release(ctx context.Context, sessionID string) {
	_ = l.client.Del(ctx, l.key(sessionID)).Err()
}
