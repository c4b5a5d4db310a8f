// Package lifecycle drives install, activation and periodic cleanup of the
// versioned cache partitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-cache/internal/cache"
	"github.com/any-hub/offline-cache/internal/logging"
	"github.com/any-hub/offline-cache/internal/upstream"
	"github.com/any-hub/offline-cache/internal/version"
)

// State 是控制器的生命周期状态。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateFailed     State = "failed"
)

// ErrNotInstalled 表示在安装完成前调用了 Activate。
var ErrNotInstalled = errors.New("cache controller not installed")

// InstallError 描述预缓存失败，Asset 为空表示写入阶段失败。
type InstallError struct {
	Asset string
	Err   error
}

func (e *InstallError) Error() string {
	if e.Asset == "" {
		return fmt.Sprintf("install: %v", e.Err)
	}
	return fmt.Sprintf("install %s: %v", e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Options 汇总 Controller 的依赖与参数。
type Options struct {
	Tiers           *cache.Tiers
	Fetcher         upstream.Fetcher
	Origin          *url.URL
	Precache        []string
	Concurrency     int
	CleanupInterval time.Duration
	Logger          *logrus.Logger
}

// Controller 串行执行安装与激活，并对外暴露当前状态。
type Controller struct {
	tiers       *cache.Tiers
	fetcher     upstream.Fetcher
	origin      *url.URL
	precache    []string
	concurrency int
	interval    time.Duration
	logger      *logrus.Logger

	op sync.Mutex

	mu          sync.RWMutex
	state       State
	controlling bool
	lastErr     error
	installedAt time.Time
	activatedAt time.Time
}

// New 校验依赖后创建处于 idle 状态的 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Tiers == nil {
		return nil, errors.New("cache tiers required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Controller{
		tiers:       opts.Tiers,
		fetcher:     opts.Fetcher,
		origin:      opts.Origin,
		precache:    append([]string(nil), opts.Precache...),
		concurrency: concurrency,
		interval:    interval,
		logger:      logger,
		state:       StateIdle,
	}, nil
}

// Install 并发拉取预缓存清单，全部成功后才写入 static 层级。
// 若此前已激活，失败后保持 activated 并继续使用旧内容。
func (c *Controller) Install(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	wasActive := c.state == StateActivated
	c.state = StateInstalling
	c.mu.Unlock()

	started := time.Now()
	err := c.install(ctx, wasActive)

	fields := logging.PartitionFields("install", c.tiers.Current())
	fields["assets"] = len(c.precache)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err != nil {
		if wasActive {
			c.state = StateActivated
		} else {
			c.state = StateFailed
		}
		c.logger.WithFields(fields).WithError(err).Error("install_failed")
		return err
	}
	c.state = StateInstalled
	c.installedAt = time.Now().UTC()
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (c *Controller) install(ctx context.Context, wasActive bool) error {
	entries, err := c.fetchAll(ctx)
	if err != nil {
		return err
	}
	if err := c.tiers.StoreAll(ctx, cache.TierStatic, entries); err != nil {
		if !wasActive {
			if dropErr := c.tiers.Drop(ctx, cache.TierStatic); dropErr != nil {
				err = errors.Join(err, dropErr)
			}
		}
		return &InstallError{Err: err}
	}
	return nil
}

// fetchAll 以 Concurrency 为上限并发拉取，任一资源失败即取消其余请求。
func (c *Controller) fetchAll(ctx context.Context) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(c.precache))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)

	for idx, asset := range c.precache {
		group.Go(func() error {
			entry, err := c.fetchAsset(gctx, asset)
			if err != nil {
				return &InstallError{Asset: asset, Err: err}
			}
			entries[idx] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Controller) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return cache.Entry{}, err
	}
	target := upstream.Resolve(c.origin, ref.Path, ref.RawQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, err
	}
	if resp.Request == nil {
		resp.Request = req
	}
	snap, err := upstream.Snapshot(resp)
	if err != nil {
		return cache.Entry{}, err
	}
	if !cache.Cacheable(snap.Status) {
		return cache.Entry{}, fmt.Errorf("unexpected status %d", snap.Status)
	}
	return cache.Entry{Key: cache.RequestKey(req), Response: snap}, nil
}

// Activate 删除所有非当前版本的分区并开始接管请求，要求已完成安装。
// 清理失败只记录日志，不阻止激活。
func (c *Controller) Activate(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StateInstalled && c.state != StateActivated {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotInstalled, state)
	}
	c.state = StateActivating
	c.mu.Unlock()

	deleted, err := c.tiers.PruneStale(ctx)
	fields := logging.PartitionFields("activate", c.tiers.Current())
	fields["deleted"] = deleted
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("partition_cleanup_failed")
	}

	c.mu.Lock()
	c.state = StateActivated
	c.controlling = true
	c.activatedAt = time.Now().UTC()
	c.mu.Unlock()

	c.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Update 重新执行安装与激活，对应页面触发的注册更新。
func (c *Controller) Update(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}
	return c.Activate(ctx)
}

// Cleanup 执行一次旧分区清理，返回被删除的分区名。
func (c *Controller) Cleanup(ctx context.Context) ([]string, error) {
	deleted, err := c.tiers.PruneStale(ctx)
	fields := logging.PartitionFields("cleanup", c.tiers.Current())
	fields["deleted"] = deleted
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("partition_cleanup_failed")
		return deleted, err
	}
	c.logger.WithFields(fields).Debug("partition_cleanup_complete")
	return deleted, nil
}

// RunCleanup 按 CleanupInterval 周期清理，直到 ctx 取消。
// 首次激活前跳过清理，旧版本分区在安装失败时继续保留。
func (c *Controller) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Controlling() {
				continue
			}
			_, _ = c.Cleanup(ctx)
		}
	}
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Controlling 报告是否已完成首次激活；此前所有请求都应直接透传。
func (c *Controller) Controlling() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controlling
}

// Snapshot 是供诊断接口输出的状态摘要。
type Snapshot struct {
	State       State     `json:"state"`
	Controlling bool      `json:"controlling"`
	Partitions  []string  `json:"partitions"`
	LastError   string    `json:"last_error,omitempty"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

// Status 返回控制器的当前摘要。
func (c *Controller) Status() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		State:       c.state,
		Controlling: c.controlling,
		Partitions:  c.tiers.Current(),
		InstalledAt: c.installedAt,
		ActivatedAt: c.activatedAt,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}
