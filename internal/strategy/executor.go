// Package strategy applies one of three caching strategies to a classified
// request against the static or dynamic cache tier.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-cache/internal/cache"
	"github.com/any-hub/offline-cache/internal/router"
	"github.com/any-hub/offline-cache/internal/upstream"
)

// Kind 标识缓存策略。
type Kind string

const (
	CacheFirst           Kind = "cache-first"
	StaleWhileRevalidate Kind = "stale-while-revalidate"
	NetworkOnly          Kind = "network-only"
)

// For 返回分类对应的策略：静态资源走 cache-first，API 与图片走 SWR，其余直连。
func For(class router.Classification) Kind {
	switch class {
	case router.StaticAsset:
		return CacheFirst
	case router.APIPattern, router.Image:
		return StaleWhileRevalidate
	default:
		return NetworkOnly
	}
}

// Source 表示响应来自缓存还是网络。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Outcome 是策略执行结果。Body 必须由调用方关闭。
type Outcome struct {
	Kind   Kind
	Source Source
	Status int
	Header http.Header
	Body   io.ReadCloser
	// Revalidating 为 true 表示已为本次缓存命中安排后台刷新。
	Revalidating bool
}

// Close 关闭响应体。
func (o *Outcome) Close() error {
	if o == nil || o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// Spawner 调度后台任务，返回是否成功启动。
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// Executor 组合缓存层级、源站 Fetcher 与后台调度器执行策略。
type Executor struct {
	tiers   *cache.Tiers
	fetcher upstream.Fetcher
	spawner Spawner
	logger  *logrus.Logger
}

// NewExecutor constructs an Executor. tiers and fetcher are required; a nil
// logger falls back to logrus.New() and a nil spawner disables background
// revalidation.
func NewExecutor(tiers *cache.Tiers, fetcher upstream.Fetcher, spawner Spawner, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		tiers:   tiers,
		fetcher: fetcher,
		spawner: spawner,
		logger:  logger,
	}
}

// Execute 根据分类选择策略并执行。req 必须是发往源站的完整请求。
func (e *Executor) Execute(ctx context.Context, class router.Classification, req *http.Request) (*Outcome, error) {
	switch For(class) {
	case CacheFirst:
		return e.CacheFirst(ctx, req)
	case StaleWhileRevalidate:
		return e.StaleWhileRevalidate(ctx, req)
	default:
		return e.NetworkOnly(ctx, req)
	}
}

// CacheFirst 命中 static 层级时直接返回且不访问网络；未命中时回源，200 响应写入后返回。
func (e *Executor) CacheFirst(ctx context.Context, req *http.Request) (*Outcome, error) {
	key := cache.RequestKey(req)
	if cached, ok := e.lookup(ctx, cache.TierStatic, key); ok {
		return storedOutcome(CacheFirst, SourceCache, cached), nil
	}

	snap, err := e.fetchSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	e.store(ctx, cache.TierStatic, key, snap)
	return storedOutcome(CacheFirst, SourceNetwork, snap), nil
}

// StaleWhileRevalidate 命中 dynamic 层级时立即返回旧副本，并安排一次后台刷新；
// 未命中时阻塞回源。
func (e *Executor) StaleWhileRevalidate(ctx context.Context, req *http.Request) (*Outcome, error) {
	key := cache.RequestKey(req)
	if cached, ok := e.lookup(ctx, cache.TierDynamic, key); ok {
		outcome := storedOutcome(StaleWhileRevalidate, SourceCache, cached)
		outcome.Revalidating = e.revalidate(key, req)
		return outcome, nil
	}

	snap, err := e.fetchSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	e.store(ctx, cache.TierDynamic, key, snap)
	return storedOutcome(StaleWhileRevalidate, SourceNetwork, snap), nil
}

// NetworkOnly 直接转发，响应体以流的形式交给调用方，不读写缓存。
func (e *Executor) NetworkOnly(ctx context.Context, req *http.Request) (*Outcome, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	upstream.CopyHeaders(header, resp.Header)
	return &Outcome{
		Kind:   NetworkOnly,
		Source: SourceNetwork,
		Status: resp.StatusCode,
		Header: header,
		Body:   resp.Body,
	}, nil
}

// revalidate 克隆请求后交给后台任务刷新缓存，调用方不等待结果。
func (e *Executor) revalidate(key cache.Key, req *http.Request) bool {
	if e.spawner == nil {
		return false
	}
	background := req.Clone(context.Background())
	return e.spawner.Go("revalidate "+key.String(), func(ctx context.Context) error {
		snap, err := e.fetchSnapshot(ctx, background.WithContext(ctx))
		if err != nil {
			return err
		}
		if !cache.Cacheable(snap.Status) {
			return nil
		}
		return e.tiers.Store(ctx, cache.TierDynamic, key, snap)
	})
}

func (e *Executor) lookup(ctx context.Context, tier cache.Tier, key cache.Key) (*cache.StoredResponse, bool) {
	cached, err := e.tiers.Match(ctx, tier, key)
	switch {
	case err == nil:
		return cached, true
	case errors.Is(err, cache.ErrNotFound):
		return nil, false
	default:
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_match",
			"tier":   string(tier),
			"key":    key.String(),
		}).Warn("cache_match_failed")
		return nil, false
	}
}

// store 仅写入 200 响应；写入失败只记录日志，不影响返回给调用方的响应。
func (e *Executor) store(ctx context.Context, tier cache.Tier, key cache.Key, snap *cache.StoredResponse) {
	if !cache.Cacheable(snap.Status) {
		return
	}
	if err := e.tiers.Store(ctx, tier, key, snap); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_store",
			"tier":   string(tier),
			"key":    key.String(),
		}).Warn("cache_store_failed")
	}
}

func (e *Executor) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		if !upstream.IsFetchError(err) {
			err = &upstream.FetchError{Method: req.Method, URL: req.URL.String(), Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (e *Executor) fetchSnapshot(ctx context.Context, req *http.Request) (*cache.StoredResponse, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = req
	}
	return upstream.Snapshot(resp)
}

// storedOutcome 复制快照，保证返回给调用方的 Body 与缓存内容互不影响。
func storedOutcome(kind Kind, source Source, snap *cache.StoredResponse) *Outcome {
	copied := snap.Clone()
	header := copied.Header
	if header == nil {
		header = http.Header{}
	}
	return &Outcome{
		Kind:   kind,
		Source: source,
		Status: copied.Status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(copied.Body)),
	}
}
