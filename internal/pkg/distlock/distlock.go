// Package distlock provides the cross-process lock guarding per-client job
// creation. The orchestrator's submit path is a check-then-insert on the jobs
// table; the lock serialises that sequence so the single-active-job invariant
// holds even across replicas. Redis is preferred when configured, with
// PostgreSQL advisory locks as the fallback (the jobs table's partial unique
// index remains the last line of defence either way).
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking cross-process mutex. An instance belongs to one
// goroutine; sharing the lock across goroutines needs separate instances.
type DistLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewLock picks the backend: Redis when a client is configured, otherwise a
// PostgreSQL advisory lock on the same database the jobs live in.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock wraps pg_try_advisory_lock / pg_advisory_unlock. Advisory
// locks are session-scoped, so a dropped connection releases them.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives the 64-bit advisory lock ID from the key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
