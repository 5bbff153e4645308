package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	values map[string]string
	setNX  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}, setNX: map[string]bool{}}
}

func (f *fakeStore) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStore) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var deleted int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			deleted++
		}
	}
	return redis.NewIntResult(deleted, nil)
}

func TestSetNX_OnlyFirstWriterWins(t *testing.T) {
	client := &Client{store: newFakeStore()}
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "k", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, "k", "b", time.Minute)
	if err != nil {
		t.Fatalf("second SetNX: %v", err)
	}
	if ok {
		t.Fatal("second SetNX should not win")
	}
	got, err := client.Get(ctx, "k")
	if err != nil || got != "a" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{store: newFakeStore()}
	if got := client.IdempotencyKey("ipn", "inv-1:finished"); got != "cp:idempotency:ipn:inv-1:finished" {
		t.Fatalf("IdempotencyKey = %q", got)
	}
	if got := client.LockKey("cron-worker:dev"); got != "cp:lock:cron-worker:dev" {
		t.Fatalf("LockKey = %q", got)
	}
}
