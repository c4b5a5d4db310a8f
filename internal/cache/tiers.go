package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Tier 标识两个缓存层级之一。
type Tier string

const (
	TierStatic  Tier = "static"
	TierDynamic Tier = "dynamic"
)

// ErrUnknownTier 表示传入了未定义的层级。
var ErrUnknownTier = errors.New("unknown cache tier")

// Tiers 独占管理 static/dynamic 两个当前分区，负责写入约束与旧版本清理。
type Tiers struct {
	storage Storage
	static  string
	dynamic string
	now     func() time.Time

	mu   sync.Mutex
	open map[string]Partition
}

// NewTiers 以两个版本标签构造层级管理器，默认使用 time.Now 作为时钟。
func NewTiers(storage Storage, staticName, dynamicName string) (*Tiers, error) {
	if storage == nil {
		return nil, errors.New("storage required")
	}
	if err := validatePartitionName(staticName); err != nil {
		return nil, fmt.Errorf("static partition %q: %w", staticName, err)
	}
	if err := validatePartitionName(dynamicName); err != nil {
		return nil, fmt.Errorf("dynamic partition %q: %w", dynamicName, err)
	}
	if staticName == dynamicName {
		return nil, fmt.Errorf("static and dynamic partitions share name %q", staticName)
	}
	return &Tiers{
		storage: storage,
		static:  staticName,
		dynamic: dynamicName,
		now:     time.Now,
		open:    make(map[string]Partition),
	}, nil
}

// Name 返回层级对应的当前分区名称。
func (t *Tiers) Name(tier Tier) (string, error) {
	switch tier {
	case TierStatic:
		return t.static, nil
	case TierDynamic:
		return t.dynamic, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
}

// Current 返回当前生效的分区名称。
func (t *Tiers) Current() []string {
	return []string{t.static, t.dynamic}
}

// Storage 返回底层存储，仅用于只读诊断。
func (t *Tiers) Storage() Storage {
	return t.storage
}

// Match 在层级对应的分区中查找条目。
func (t *Tiers) Match(ctx context.Context, tier Tier, key Key) (*StoredResponse, error) {
	p, err := t.partition(ctx, tier)
	if err != nil {
		return nil, err
	}
	return p.Match(ctx, key)
}

// Store 写入单个条目，非 200 响应返回 ErrNotCacheable 且不落盘。
func (t *Tiers) Store(ctx context.Context, tier Tier, key Key, resp *StoredResponse) error {
	if resp == nil || !Cacheable(resp.Status) {
		return ErrNotCacheable
	}
	p, err := t.partition(ctx, tier)
	if err != nil {
		return err
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = t.now().UTC()
	}
	return p.Put(ctx, key, stored)
}

// StoreAll 先校验全部条目再依次写入；任何条目不可缓存时不写入任何内容，
// 中途写入失败时已写条目回滚为写入前的内容。
func (t *Tiers) StoreAll(ctx context.Context, tier Tier, entries []Entry) error {
	for _, entry := range entries {
		if entry.Response == nil || !Cacheable(entry.Response.Status) {
			return fmt.Errorf("%s: %w", entry.Key, ErrNotCacheable)
		}
		if err := validateKey(entry.Key); err != nil {
			return err
		}
	}
	p, err := t.partition(ctx, tier)
	if err != nil {
		return err
	}
	previous := make([]*StoredResponse, len(entries))
	for i, entry := range entries {
		prev, err := p.Match(ctx, entry.Key)
		switch {
		case err == nil:
			previous[i] = prev
		case errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("read %s: %w", entry.Key, err)
		}
	}
	for i, entry := range entries {
		if err := t.Store(ctx, tier, entry.Key, entry.Response); err != nil {
			err = fmt.Errorf("store %s: %w", entry.Key, err)
			return errors.Join(err, restore(ctx, p, entries[:i], previous[:i]))
		}
	}
	return nil
}

// restore 把已写入的条目恢复为写入前的内容，此前不存在的条目直接删除。
func restore(ctx context.Context, p Partition, written []Entry, previous []*StoredResponse) error {
	var errs []error
	for i, entry := range written {
		var err error
		if previous[i] != nil {
			err = p.Put(ctx, entry.Key, previous[i])
		} else {
			_, err = p.Remove(ctx, entry.Key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", entry.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Drop 删除层级对应的整个当前分区。
func (t *Tiers) Drop(ctx context.Context, tier Tier) error {
	name, err := t.Name(tier)
	if err != nil {
		return err
	}
	t.forget(name)
	_, err = t.storage.Delete(ctx, name)
	return err
}

// PruneStale 删除所有不属于当前版本标签的分区，返回被删除的名称。
// 单个分区删除失败不会中断其余分区的清理，错误通过 errors.Join 汇总。
func (t *Tiers) PruneStale(ctx context.Context) ([]string, error) {
	names, err := t.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if name == t.static || name == t.dynamic {
			continue
		}
		t.forget(name)
		if _, err := t.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// PartitionStat 是单个分区的诊断摘要。
type PartitionStat struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Stats 列出所有分区及其条目数量。
func (t *Tiers) Stats(ctx context.Context) ([]PartitionStat, error) {
	names, err := t.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]PartitionStat, 0, len(names))
	for _, name := range names {
		p, err := t.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return nil, err
		}
		stats = append(stats, PartitionStat{
			Name:    name,
			Entries: len(keys),
			Current: name == t.static || name == t.dynamic,
		})
	}
	return stats, nil
}

func (t *Tiers) partition(ctx context.Context, tier Tier) (Partition, error) {
	name, err := t.Name(tier)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	p, ok := t.open[name]
	t.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err = t.storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.open[name] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Tiers) forget(name string) {
	t.mu.Lock()
	delete(t.open, name)
	t.mu.Unlock()
}
