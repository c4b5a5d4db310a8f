package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// Storage 管理所有命名分区，对应浏览器的 CacheStorage。磁盘布局遵循：
//
//	<StoragePath>/<partition>/<sha1(key)>.entry
//
// 分区在 Open 时按需创建，Delete 整体删除分区。
type Storage interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个分区，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按字典序列出所有分区名称。
	Names(ctx context.Context) ([]string, error)

	io.Closer
}

// Partition 是单个版本化分区的键值视图。同一键的并发写入以最后一次为准。
type Partition interface {
	Name() string

	// Match 返回缓存副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*StoredResponse, error)

	// Put 整体覆盖 key 对应的条目，不做局部更新。
	Put(ctx context.Context, key Key, resp *StoredResponse) error

	// Remove 删除单个条目，返回条目此前是否存在。
	Remove(ctx context.Context, key Key) (bool, error)

	// Keys 列出分区内的全部请求标识。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目：HTTP 方法 + 请求 URL（路径与查询串）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名后构造 Key。
func NewKey(method, url string) Key {
	return Key{Method: strings.ToUpper(method), URL: url}
}

// RequestKey 以请求方法与 RequestURI 构造 Key。
func RequestKey(req *http.Request) Key {
	return NewKey(req.Method, req.URL.RequestURI())
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// digest 返回 Key 的 sha1 摘要，用作磁盘文件名。
func (k Key) digest() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// StoredResponse 是写入分区的响应快照，写入后不可变。
type StoredResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝响应快照，调用方与缓存各持一份，互不影响。
func (r *StoredResponse) Clone() *StoredResponse {
	if r == nil {
		return nil
	}
	return &StoredResponse{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
}

// Entry 组合 Key 与响应快照，用于批量写入。
type Entry struct {
	Key      Key
	Response *StoredResponse
}

// Cacheable 表示该状态码的响应是否允许写入分区，仅 200 可缓存。
func Cacheable(status int) bool {
	return status == http.StatusOK
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotCacheable 表示响应状态码不允许写入缓存。
	ErrNotCacheable = errors.New("response not cacheable")
	// ErrInvalidPartition 表示分区名称非法。
	ErrInvalidPartition = errors.New("invalid partition name")
	// ErrInvalidKey 表示缓存键缺少方法或 URL。
	ErrInvalidKey = errors.New("invalid cache key")
)

func validatePartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return ErrInvalidPartition
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrInvalidPartition
	}
	return nil
}

func validateKey(key Key) error {
	if key.Method == "" || key.URL == "" {
		return ErrInvalidKey
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
