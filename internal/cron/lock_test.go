package cron

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryLockStore struct {
	values map[string]string
}

func newMemoryLockStore() *memoryLockStore {
	return &memoryLockStore{values: map[string]string{}}
}

func (m *memoryLockStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryLockStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryLockStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryLockStore) LockKey(name string) string { return "rl:lock:" + name }

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryLockStore()
	a, err := NewRedisLock(store, SettlementRetryJobName, time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	b, _ := NewRedisLock(store, SettlementRetryJobName, time.Minute)
	ctx := context.Background()

	if a.Key() != "rl:lock:settlement-retry" {
		t.Fatalf("unexpected key %q", a.Key())
	}
	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected first acquire to win: %v %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("second holder must not acquire")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if _, held := store.values[a.Key()]; !held {
		t.Fatal("non-owner release must not delete the key")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("lock should be free after owner release")
	}
}

func TestRedisLockKeepsForeignOwner(t *testing.T) {
	store := newMemoryLockStore()
	lock, _ := NewRedisLock(store, "sweep", time.Minute)
	ctx := context.Background()
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	store.values[lock.Key()] = "someone-else"
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values[lock.Key()] != "someone-else" {
		t.Fatal("lock taken over after expiry must survive release")
	}
}

func TestNewRedisLockValidation(t *testing.T) {
	if _, err := NewRedisLock(nil, "x", 0); err == nil {
		t.Fatal("expected nil client error")
	}
	if _, err := NewRedisLock(newMemoryLockStore(), " ", 0); err == nil {
		t.Fatal("expected empty name error")
	}
}
