package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一条目的写入，每个分区对应 basePath 下的一个目录。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileEntry 是 .entry 文件的 JSON 结构，Key 与响应一起落盘，便于枚举。
type fileEntry struct {
	Key      Key             `json:"key"`
	Response *StoredResponse `json:"response"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.partitionDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || validatePartitionName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := validatePartitionName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidPartition
	}
	return dir, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, key Key) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	entry, err := readEntry(p.entryPath(key))
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// sha1 冲突或文件被外部篡改时按未命中处理
		return nil, ErrNotFound
	}
	return entry.Response, nil
}

func (p *filePartition) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	filePath := p.entryPath(key)
	unlock := p.store.lockEntry(filePath)
	defer unlock()

	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(p.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	err = json.NewEncoder(tempFile).Encode(fileEntry{Key: key, Response: resp})
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (p *filePartition) Remove(ctx context.Context, key Key) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	filePath := p.entryPath(key)
	unlock := p.store.lockEntry(filePath)
	defer unlock()

	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), entrySuffix) {
			continue
		}
		entry, err := readEntry(filepath.Join(p.dir, file.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, entry.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (p *filePartition) entryPath(key Key) string {
	return filepath.Join(p.dir, key.digest()+entrySuffix)
}

func readEntry(filePath string) (*fileEntry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", filepath.Base(filePath), err)
	}
	if entry.Response == nil {
		return nil, ErrNotFound
	}
	return &entry, nil
}
