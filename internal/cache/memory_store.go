package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内存储，进程退出即丢失，适合测试与一次性部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{partitions: make(map[string]*memoryPartition)}
}

type memoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{name: name, entries: make(map[Key]*StoredResponse)}
	s.partitions[name] = p
	return p, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[name]
	delete(s.partitions, name)
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

type memoryPartition struct {
	name string

	mu      sync.RWMutex
	entries map[Key]*StoredResponse
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key Key) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	resp, ok := p.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	p.mu.Lock()
	p.entries[key] = resp.Clone()
	p.mu.Unlock()
	return nil
}

func (p *memoryPartition) Remove(ctx context.Context, key Key) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	delete(p.entries, key)
	return ok, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]Key, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}
