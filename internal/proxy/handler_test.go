package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-cache/internal/cache"
	"github.com/any-hub/offline-cache/internal/lifecycle"
	"github.com/any-hub/offline-cache/internal/router"
	"github.com/any-hub/offline-cache/internal/server"
	"github.com/any-hub/offline-cache/internal/strategy"
	"github.com/any-hub/offline-cache/internal/tasks"
	"github.com/any-hub/offline-cache/internal/upstream"
)

// originStub 是 httptest 源站，按路径计数并在响应体中带上版本号。
type originStub struct {
	mu      sync.Mutex
	hits    map[string]int
	bodies  map[string]string
	headers map[string]http.Header
	server  *httptest.Server
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{hits: make(map[string]int), bodies: make(map[string]string), headers: make(map[string]http.Header)}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	count := s.hits[r.URL.Path]
	s.headers[r.URL.Path] = r.Header.Clone()
	var posted string
	if r.Method == http.MethodPost {
		raw, _ := io.ReadAll(r.Body)
		posted = string(raw)
	}
	s.bodies[r.URL.Path] = posted
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/missing":
		http.NotFound(w, r)
		return
	case strings.HasSuffix(r.URL.Path, ".png"):
		w.Header().Set("Content-Type", "image/png")
	case strings.HasPrefix(r.URL.Path, "/api/"):
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "text/html")
	}
	if posted != "" {
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, "created:%s", posted)
		return
	}
	_, _ = fmt.Fprintf(w, "%s#%d", r.URL.Path, count)
}

func (s *originStub) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *originStub) lastHeader(path string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[path]
}

type testStack struct {
	app        *fiber.App
	origin     *originStub
	controller *lifecycle.Controller
	spawner    *tasks.Spawner
	tiers      *cache.Tiers
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	origin := newOriginStub(t)
	originURL, err := url.Parse(origin.server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tiers, err := cache.NewTiers(cache.NewMemoryStorage(), "static-v1", "dynamic-v1")
	if err != nil {
		t.Fatalf("tiers error: %v", err)
	}
	fetcher := upstream.NewFetcher(upstream.NewClient(nil))
	spawner := tasks.NewSpawner(logger, 8)
	t.Cleanup(spawner.Close)

	precache := []string{"/", "/index.html", "/manifest.json", "/app.js?v=2"}
	classifier, err := router.NewClassifier(router.Rules{
		StaticAssets:    precache,
		APIPatterns:     []string{"/api/"},
		DevHosts:        []string{"localhost"},
		DevPathPrefixes: []string{"/@vite", "/src/"},
	})
	if err != nil {
		t.Fatalf("classifier error: %v", err)
	}
	executor := strategy.NewExecutor(tiers, fetcher, spawner, logger)
	controller, err := lifecycle.New(lifecycle.Options{
		Tiers:       tiers,
		Fetcher:     fetcher,
		Origin:      originURL,
		Precache:    precache,
		Concurrency: 2,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}

	handler := NewHandler(executor, classifier, originURL, 5000, logger)
	forwarder := NewForwarder(handler, server.ProxyHandlerFunc(handler.Passthrough), controller, logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: forwarder, ListenPort: 5000})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return &testStack{app: app, origin: origin, controller: controller, spawner: spawner, tiers: tiers}
}

func (s *testStack) activate(t *testing.T) {
	t.Helper()
	if err := s.controller.Update(context.Background()); err != nil {
		t.Fatalf("update error: %v", err)
	}
}

func (s *testStack) get(t *testing.T, target string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return s.send(t, req)
}

func (s *testStack) send(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestPassthroughBeforeActivation(t *testing.T) {
	stack := newTestStack(t)

	for i := 1; i <= 2; i++ {
		resp, body := stack.get(t, "http://app.local/api/projects", nil)
		if resp.Header.Get(HeaderCacheStatus) != CacheBypass {
			t.Fatalf("激活前应直接透传，得到 %s", resp.Header.Get(HeaderCacheStatus))
		}
		if body != fmt.Sprintf("/api/projects#%d", i) {
			t.Fatalf("unexpected body: %s", body)
		}
	}
	stats, _ := stack.tiers.Stats(context.Background())
	for _, stat := range stats {
		if stat.Entries != 0 {
			t.Fatalf("激活前不应写缓存: %+v", stat)
		}
	}
}

func TestStaticAssetServedFromPrecache(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)
	installed := stack.origin.count("/index.html")

	resp, body := stack.get(t, "http://app.local/index.html", map[string]string{"Sec-Fetch-Dest": "document"})
	if resp.StatusCode != http.StatusOK || body != "/index.html#1" {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheStatus) != CacheHit || resp.Header.Get(HeaderCacheClass) != string(router.StaticAsset) {
		t.Fatalf("unexpected cache headers: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("content type lost: %s", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if stack.origin.count("/index.html") != installed {
		t.Fatalf("预缓存命中不应访问源站")
	}
}

func TestVersionedStaticAssetServedFromPrecache(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)
	installed := stack.origin.count("/app.js")

	resp, body := stack.get(t, "http://app.local/app.js?v=2", map[string]string{"Sec-Fetch-Dest": "script"})
	if resp.StatusCode != http.StatusOK || body != "/app.js#1" {
		t.Fatalf("unexpected response: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheStatus) != CacheHit || resp.Header.Get(HeaderCacheClass) != string(router.StaticAsset) {
		t.Fatalf("带版本查询串的预缓存资源应命中 static: %v", resp.Header)
	}
	if stack.origin.count("/app.js") != installed {
		t.Fatalf("预缓存命中不应访问源站")
	}
}

func TestAPIStaleWhileRevalidate(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)

	resp, body := stack.get(t, "http://app.local/api/projects", nil)
	if resp.Header.Get(HeaderCacheStatus) != CacheMiss || body != "/api/projects#1" {
		t.Fatalf("首次请求应回源: %s %s", resp.Header.Get(HeaderCacheStatus), body)
	}

	resp, body = stack.get(t, "http://app.local/api/projects", nil)
	if resp.Header.Get(HeaderCacheStatus) != CacheHit || body != "/api/projects#1" {
		t.Fatalf("第二次请求应返回旧副本: %s %s", resp.Header.Get(HeaderCacheStatus), body)
	}
	stack.spawner.Wait()
	if got := stack.origin.count("/api/projects"); got != 2 {
		t.Fatalf("后台刷新应恰好一次，源站共收到 %d 次", got)
	}

	_, body = stack.get(t, "http://app.local/api/projects", nil)
	if body != "/api/projects#2" {
		t.Fatalf("第三次请求应看到刷新后的内容: %s", body)
	}
	stack.spawner.Wait()
}

func TestImageFailureWithoutCache(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)
	stack.origin.server.Close()

	resp, body := stack.get(t, "http://app.local/image.png", map[string]string{"Sec-Fetch-Dest": "image"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload["error"] != "upstream_failed" {
		t.Fatalf("unexpected error body: %s", body)
	}
}

func TestImageServedWhenOffline(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)

	_, body := stack.get(t, "http://app.local/logo.png", map[string]string{"Accept": "image/avif,image/webp,*/*"})
	if body != "/logo.png#1" {
		t.Fatalf("unexpected body: %s", body)
	}
	stack.origin.server.Close()

	resp, body := stack.get(t, "http://app.local/logo.png", map[string]string{"Sec-Fetch-Dest": "image"})
	if resp.StatusCode != http.StatusOK || body != "/logo.png#1" {
		t.Fatalf("离线时应返回缓存图片: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheClass) != string(router.Image) {
		t.Fatalf("unexpected class: %s", resp.Header.Get(HeaderCacheClass))
	}
	stack.spawner.Wait()
}

func TestPostIsNeverCached(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "http://app.local/api/chapters", strings.NewReader(`{"title":"c1"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, body := stack.send(t, req)
		if resp.StatusCode != http.StatusCreated || body != `created:{"title":"c1"}` {
			t.Fatalf("POST 应透传到源站: %d %s", resp.StatusCode, body)
		}
		if resp.Header.Get(HeaderCacheStatus) != CacheBypass || resp.Header.Get(HeaderCacheClass) != string(router.Passthrough) {
			t.Fatalf("unexpected cache headers: %v", resp.Header)
		}
	}
	if got := stack.origin.count("/api/chapters"); got != 2 {
		t.Fatalf("每次 POST 都应到达源站，共 %d 次", got)
	}
}

func TestNon200IsReturnedButNotStored(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)

	for i := 0; i < 2; i++ {
		resp, _ := stack.get(t, "http://app.local/missing", map[string]string{"Sec-Fetch-Dest": "image"})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		if resp.Header.Get(HeaderCacheStatus) != CacheMiss {
			t.Fatalf("404 不应命中缓存")
		}
	}
	if got := stack.origin.count("/missing"); got != 2 {
		t.Fatalf("404 未缓存时每次都应回源，共 %d 次", got)
	}
}

func TestDevServerRequestsBypass(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)

	resp, body := stack.get(t, "http://localhost:5173/src/main.tsx", nil)
	if resp.Header.Get(HeaderCacheStatus) != CacheBypass {
		t.Fatalf("开发服务器资源应旁路: %s", resp.Header.Get(HeaderCacheStatus))
	}
	if body != "/src/main.tsx#1" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestUpstreamRequestHeaders(t *testing.T) {
	stack := newTestStack(t)
	stack.activate(t)

	stack.get(t, "http://app.local/api/me", map[string]string{
		"Authorization": "Bearer token",
		"Connection":    "keep-alive, X-Drop",
	})
	header := stack.origin.lastHeader("/api/me")
	if header.Get("Authorization") != "Bearer token" {
		t.Fatalf("普通请求头应透传: %v", header)
	}
	if header.Get("X-Forwarded-Host") != "app.local" || header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("缺少 X-Forwarded-* 头: %v", header)
	}
}
