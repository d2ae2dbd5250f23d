package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// fakeRedis implements the subset of redis.Cmdable used by CachedStore.
// Calling any other method panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string][]byte
	gets int
	hits int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	f.hits++
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = append([]byte(nil), v...)
	case string:
		f.data[key] = []byte(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestCachedStore_EventReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	e := &model.WreckageEvent{ID: "e1", Asset: "BTC", Amount: d(100), Status: model.StatusPending}
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := s.GetEvent(ctx, "e1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rdb.hits != 1 {
		t.Errorf("expected second read served from cache, hits=%d", rdb.hits)
	}
	if got.Status != model.StatusPending || !got.Amount.Equal(d(100)) {
		t.Errorf("unexpected cached event %+v", got)
	}

	e.Status = model.StatusRouted
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = s.GetEvent(ctx, "e1")
	if got.Status != model.StatusRouted {
		t.Errorf("stale cache after save: %s", got.Status)
	}
}

func TestCachedStore_SettlementCachedOnWrite(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	st := &model.Settlement{EventID: "e1", Asset: "BTC", Status: model.StatusSettled, Amount: d(50), TotalMinted: d(70)}
	if err := s.SaveSettlement(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetSettlement(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rdb.hits != 1 {
		t.Errorf("expected settlement read from cache, hits=%d", rdb.hits)
	}
	if !got.TotalMinted.Equal(d(70)) {
		t.Errorf("total minted: got %s", got.TotalMinted)
	}
}

func TestCachedStore_MissPassesThroughNotFound(t *testing.T) {
	s := NewCachedStore(NewMemoryStore(), newFakeRedis(), time.Minute)
	if _, err := s.GetEvent(context.Background(), "missing"); !errors.Is(err, wreckage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
