package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultBotLockTTL bounds a stuck pipeline: if a worker dies mid-tick the
// lock expires and the next tick can proceed.
const DefaultBotLockTTL = 300 * time.Second

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend:
// Redis when a client is configured, Postgres advisory locks otherwise.
// Redis is preferred because its TTL survives the holding process; an
// advisory lock lives only as long as the holder's DB session.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// ForBot creates the per-bot pipeline lock. At most one pipeline may run for
// a given bot at any instant; every stage runner acquires this lock first.
// A non-positive ttl selects DefaultBotLockTTL.
func ForBot(redisClient *redis.Client, db *sql.DB, botID int64, ttl time.Duration) DistLock {
	if ttl <= 0 {
		ttl = DefaultBotLockTTL
	}
	return NewLock(redisClient, db, fmt.Sprintf("bot_lock_%d", botID), ttl)
}

// PGAdvisoryLock implements DistLock over pg_try_advisory_lock. The lock is
// session-scoped, so a crashed worker frees its bots as soon as Postgres
// notices the dead connection; no TTL applies.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock hashes the key into the 64-bit advisory lock space.
// Two workers using the same key string always contend on the same id.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire attempts the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release frees the advisory lock for this session.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
