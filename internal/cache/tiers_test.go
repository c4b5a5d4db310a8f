package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestTiersStoreOnlyCachesOK(t *testing.T) {
	ctx := context.Background()
	tiers := newTestTiers(t, NewMemoryStorage())

	statuses := []int{http.StatusOK, http.StatusMovedPermanently, http.StatusPartialContent, http.StatusNotFound, http.StatusInternalServerError}
	for _, status := range statuses {
		key := NewKey(http.MethodGet, "/api/status/"+http.StatusText(status))
		err := tiers.Store(ctx, TierDynamic, key, &StoredResponse{Status: status, Body: []byte("x")})
		if status == http.StatusOK && err != nil {
			t.Fatalf("200 应可写入: %v", err)
		}
		if status != http.StatusOK && !errors.Is(err, ErrNotCacheable) {
			t.Fatalf("状态 %d 应返回 ErrNotCacheable, got %v", status, err)
		}
	}

	p, err := tiers.Storage().Open(ctx, "dynamic-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("只有 200 响应应被写入，得到 %v", keys)
	}
	for _, key := range keys {
		resp, err := p.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if resp.Status != http.StatusOK {
			t.Fatalf("分区内出现非 200 条目: %d", resp.Status)
		}
	}
}

func TestTiersStoreStampsTime(t *testing.T) {
	ctx := context.Background()
	tiers := newTestTiers(t, NewMemoryStorage())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tiers.now = func() time.Time { return fixed }

	key := NewKey(http.MethodGet, "/index.html")
	if err := tiers.Store(ctx, TierStatic, key, &StoredResponse{Status: 200}); err != nil {
		t.Fatalf("store error: %v", err)
	}
	got, err := tiers.Match(ctx, TierStatic, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if !got.StoredAt.Equal(fixed) {
		t.Fatalf("StoredAt 应使用注入时钟，得到 %v", got.StoredAt)
	}
	if _, err := tiers.Match(ctx, TierDynamic, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("static 条目不应出现在 dynamic 层级: %v", err)
	}
}

func TestTiersStoreAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	tiers := newTestTiers(t, NewMemoryStorage())

	entries := []Entry{
		{Key: NewKey(http.MethodGet, "/"), Response: &StoredResponse{Status: 200}},
		{Key: NewKey(http.MethodGet, "/broken"), Response: &StoredResponse{Status: 404}},
	}
	if err := tiers.StoreAll(ctx, TierStatic, entries); !errors.Is(err, ErrNotCacheable) {
		t.Fatalf("expected ErrNotCacheable, got %v", err)
	}
	if _, err := tiers.Match(ctx, TierStatic, NewKey(http.MethodGet, "/")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("批量写入失败时不应写入任何条目, got %v", err)
	}
}

// flakyStorage 让分区的第 failAt 次写入失败，failAt 为 0 时不注入错误。
type flakyStorage struct {
	Storage
	failAt int
	puts   int
}

func (s *flakyStorage) Open(ctx context.Context, name string) (Partition, error) {
	p, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyPartition{Partition: p, storage: s}, nil
}

type flakyPartition struct {
	Partition
	storage *flakyStorage
}

func (p *flakyPartition) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	p.storage.puts++
	if p.storage.puts == p.storage.failAt {
		return errors.New("disk full")
	}
	return p.Partition.Put(ctx, key, resp)
}

func TestTiersStoreAllRollsBackPartialWrite(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{Storage: NewMemoryStorage()}
	tiers := newTestTiers(t, storage)

	index := NewKey(http.MethodGet, "/index.html")
	if err := tiers.Store(ctx, TierStatic, index, &StoredResponse{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("store error: %v", err)
	}

	storage.puts = 0
	storage.failAt = 3
	entries := []Entry{
		{Key: index, Response: &StoredResponse{Status: 200, Body: []byte("new")}},
		{Key: NewKey(http.MethodGet, "/app.js"), Response: &StoredResponse{Status: 200, Body: []byte("new")}},
		{Key: NewKey(http.MethodGet, "/manifest.json"), Response: &StoredResponse{Status: 200, Body: []byte("new")}},
	}
	if err := tiers.StoreAll(ctx, TierStatic, entries); err == nil {
		t.Fatalf("第三次写入失败时 StoreAll 应返回错误")
	}

	resp, err := tiers.Match(ctx, TierStatic, index)
	if err != nil || string(resp.Body) != "old" {
		t.Fatalf("已写条目应回滚为旧内容: %v %v", resp, err)
	}
	if _, err := tiers.Match(ctx, TierStatic, NewKey(http.MethodGet, "/app.js")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("此前不存在的条目应被删除, got %v", err)
	}
}

func TestTiersPruneStaleKeepsCurrent(t *testing.T) {
	for name, factory := range storageFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			for _, partition := range []string{"static-v0", "dynamic-v0", "static-v1", "dynamic-v1", "orphan"} {
				if _, err := storage.Open(ctx, partition); err != nil {
					t.Fatalf("open error: %v", err)
				}
			}
			tiers := newTestTiers(t, storage)

			deleted, err := tiers.PruneStale(ctx)
			if err != nil {
				t.Fatalf("prune error: %v", err)
			}
			if len(deleted) != 3 {
				t.Fatalf("expected 3 stale partitions deleted, got %v", deleted)
			}
			names, err := storage.Names(ctx)
			if err != nil {
				t.Fatalf("names error: %v", err)
			}
			if len(names) != 2 || names[0] != "dynamic-v1" || names[1] != "static-v1" {
				t.Fatalf("清理后只应保留当前分区，得到 %v", names)
			}
		})
	}
}

func TestTiersStats(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tiers := newTestTiers(t, storage)
	if err := tiers.Store(ctx, TierStatic, NewKey(http.MethodGet, "/"), &StoredResponse{Status: 200}); err != nil {
		t.Fatalf("store error: %v", err)
	}
	if _, err := storage.Open(ctx, "static-v0"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	stats, err := tiers.Stats(ctx)
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 partitions, got %+v", stats)
	}
	if stats[0].Name != "static-v0" || stats[0].Current {
		t.Fatalf("static-v0 应为非当前分区: %+v", stats[0])
	}
	if stats[1].Name != "static-v1" || !stats[1].Current || stats[1].Entries != 1 {
		t.Fatalf("static-v1 统计错误: %+v", stats[1])
	}
}

func TestNewTiersValidatesNames(t *testing.T) {
	storage := NewMemoryStorage()
	if _, err := NewTiers(storage, "same", "same"); err == nil {
		t.Fatalf("同名分区应报错")
	}
	if _, err := NewTiers(storage, "", "dynamic-v1"); err == nil {
		t.Fatalf("空分区名应报错")
	}
	if _, err := NewTiers(nil, "static-v1", "dynamic-v1"); err == nil {
		t.Fatalf("nil storage 应报错")
	}
}

func newTestTiers(t *testing.T, storage Storage) *Tiers {
	t.Helper()
	tiers, err := NewTiers(storage, "static-v1", "dynamic-v1")
	if err != nil {
		t.Fatalf("tiers error: %v", err)
	}
	return tiers
}
