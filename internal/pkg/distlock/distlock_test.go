package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockMutualExclusion(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "bot_lock_1", time.Minute)
	b := NewRedisLock(client, "bot_lock_1", time.Minute)

	acquired, err := a.Acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("first Acquire = (%v, %v), want (true, nil)", acquired, err)
	}
	if acquired, _ := b.Acquire(ctx); acquired {
		t.Fatal("second holder acquired a held lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if acquired, _ := b.Acquire(ctx); !acquired {
		t.Fatal("lock not acquirable after release")
	}
}

func TestRedisLockStaleReleaseKeepsNewOwner(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "bot_lock_2", time.Second)
	if acquired, _ := a.Acquire(ctx); !acquired {
		t.Fatal("acquire failed")
	}
	mr.FastForward(2 * time.Second)

	b := NewRedisLock(client, "bot_lock_2", time.Minute)
	if acquired, _ := b.Acquire(ctx); !acquired {
		t.Fatal("expired lock not acquirable")
	}

	// A's ownership value no longer matches, so its release must leave
	// B's hold in place.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if !mr.Exists("lock:bot_lock_2") {
		t.Fatal("stale release deleted the new owner's lock")
	}
}

func TestRedisLockExtend(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "bot_lock_3", time.Second)
	if acquired, _ := l.Acquire(ctx); !acquired {
		t.Fatal("acquire failed")
	}
	if err := l.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	mr.FastForward(5 * time.Second)
	if !mr.Exists("lock:bot_lock_3") {
		t.Fatal("extended lock expired at its original TTL")
	}
}

func TestForBotDefaults(t *testing.T) {
	mr, client := newTestRedis(t)

	lock := ForBot(client, nil, 7, 0)
	if acquired, err := lock.Acquire(context.Background()); err != nil || !acquired {
		t.Fatalf("Acquire = (%v, %v), want (true, nil)", acquired, err)
	}
	if !mr.Exists("lock:bot_lock_7") {
		t.Fatal("per-bot lock key missing")
	}
	if ttl := mr.TTL("lock:bot_lock_7"); ttl != DefaultBotLockTTL {
		t.Errorf("TTL = %v, want %v", ttl, DefaultBotLockTTL)
	}
}

func TestNewLockBackendSelection(t *testing.T) {
	_, client := newTestRedis(t)
	if _, ok := NewLock(client, nil, "k", time.Minute).(*RedisLock); !ok {
		t.Error("redis client available but lock is not redis-backed")
	}

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	if _, ok := NewLock(nil, db, "k", time.Minute).(*PGAdvisoryLock); !ok {
		t.Error("without redis the lock should fall back to advisory locks")
	}
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	a := NewPGAdvisoryLock(db, "bot_lock_9")
	b := NewPGAdvisoryLock(db, "bot_lock_9")
	if a.lockID != b.lockID {
		t.Fatalf("lock ids %d and %d differ for the same key", a.lockID, b.lockID)
	}

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(a.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("pg_advisory_unlock").
		WithArgs(a.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acquired, err := a.Acquire(context.Background())
	if err != nil || !acquired {
		t.Fatalf("Acquire = (%v, %v), want (true, nil)", acquired, err)
	}
	if err := a.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
