package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "job:client-1", time.Minute)
	b := NewRedisLock(client, "job:client-1", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v)", ok, err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release = (%v, %v)", ok, err)
	}
}

func TestRedisLockDifferentKeysAreIndependent(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "job:client-1", time.Minute)
	b := NewRedisLock(client, "job:client-2", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire a")
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("locks on different clients should not contend")
	}
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "job:client-1", time.Minute)
	intruder := NewRedisLock(client, "job:client-1", time.Minute)

	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("acquire")
	}

	// The intruder's release is a no-op: it holds a different ownership value.
	if err := intruder.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := intruder.Acquire(ctx); ok {
		t.Fatal("lock was released by a non-owner")
	}
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	a := NewRedisLock(client, "job:client-1", time.Second)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire")
	}

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(client, "job:client-1", time.Second)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("lock did not expire after its TTL")
	}
}

func TestRedisLockExtend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	a := NewRedisLock(client, "job:client-1", time.Second)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire")
	}
	if err := a.Extend(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(client, "job:client-1", time.Second)
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("extended lock expired at the original TTL")
	}
}
