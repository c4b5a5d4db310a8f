package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-cache/internal/logging"
	"github.com/any-hub/offline-cache/internal/router"
	"github.com/any-hub/offline-cache/internal/server"
	"github.com/any-hub/offline-cache/internal/strategy"
	"github.com/any-hub/offline-cache/internal/upstream"
)

// 响应头：缓存命中状态与请求分类。
const (
	HeaderCacheStatus = "X-Offline-Cache"
	HeaderCacheClass  = "X-Offline-Cache-Class"
)

// 缓存状态取值。
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// Handler 负责“分类 → 选择策略 → 写回响应”的全流程，
// 对外暴露 Fiber handler，内部复用 Executor 与共享 Fetcher。
type Handler struct {
	executor   *strategy.Executor
	classifier *router.Classifier
	origin     *url.URL
	listenPort int
	logger     *logrus.Logger
}

// NewHandler constructs a proxy handler bound to a single origin.
func NewHandler(executor *strategy.Executor, classifier *router.Classifier, origin *url.URL, listenPort int, logger *logrus.Logger) *Handler {
	return &Handler{
		executor:   executor,
		classifier: classifier,
		origin:     origin,
		listenPort: listenPort,
		logger:     logger,
	}
}

// Handle 拦截请求：开发旁路直接透传，其余按分类执行缓存策略。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	view := h.requestView(c)
	if h.classifier.Bypass(view) {
		return h.passthrough(c, view, started)
	}

	class := h.classifier.Classify(view)
	kind := strategy.For(class)
	req, err := h.buildUpstreamRequest(c)
	if err != nil {
		h.logResult(c, view, class, kind, CacheMiss, 0, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "request_invalid")
	}

	outcome, err := h.executor.Execute(requestContext(c), class, req)
	if err != nil {
		h.logResult(c, view, class, kind, CacheMiss, 0, started, err)
		return h.failure(c, err)
	}
	defer outcome.Close()

	return h.respond(c, view, class, outcome, statusFor(outcome), started)
}

// Passthrough 不经过缓存直接转发，用于控制器尚未激活的阶段。
func (h *Handler) Passthrough(c fiber.Ctx) error {
	return h.passthrough(c, h.requestView(c), time.Now())
}

func (h *Handler) passthrough(c fiber.Ctx, view router.Request, started time.Time) error {
	req, err := h.buildUpstreamRequest(c)
	if err != nil {
		h.logResult(c, view, router.Passthrough, strategy.NetworkOnly, CacheBypass, 0, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "request_invalid")
	}
	outcome, err := h.executor.NetworkOnly(requestContext(c), req)
	if err != nil {
		h.logResult(c, view, router.Passthrough, strategy.NetworkOnly, CacheBypass, 0, started, err)
		return h.failure(c, err)
	}
	defer outcome.Close()
	return h.respond(c, view, router.Passthrough, outcome, CacheBypass, started)
}

func (h *Handler) respond(
	c fiber.Ctx,
	view router.Request,
	class router.Classification,
	outcome *strategy.Outcome,
	cacheStatus string,
	started time.Time,
) error {
	copyResponseHeaders(c, outcome.Header)
	c.Set(HeaderCacheStatus, cacheStatus)
	c.Set(HeaderCacheClass, string(class))
	if requestID := server.RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(outcome.Status)

	if c.Method() == http.MethodHead {
		h.logResult(c, view, class, outcome.Kind, cacheStatus, outcome.Status, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), outcome.Body)
	h.logResult(c, view, class, outcome.Kind, cacheStatus, outcome.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// statusFor 将策略结果映射为 X-Offline-Cache 取值。
func statusFor(outcome *strategy.Outcome) string {
	switch {
	case outcome.Kind == strategy.NetworkOnly:
		return CacheBypass
	case outcome.Source == strategy.SourceCache:
		return CacheHit
	default:
		return CacheMiss
	}
}

// failure 将网络失败映射为 502，其余错误视为内部错误。
func (h *Handler) failure(c fiber.Ctx, err error) error {
	var fetchErr *upstream.FetchError
	if errors.As(err, &fetchErr) {
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.writeError(c, fiber.StatusInternalServerError, "proxy_failed")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	if requestID := server.RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// requestView 提取分类所需的方法、地址与请求目标。
func (h *Handler) requestView(c fiber.Ctx) router.Request {
	return router.Request{
		Method: c.Method(),
		URL: &url.URL{
			Scheme:   c.Protocol(),
			Host:     string(c.Request().Host()),
			Path:     string(c.Request().URI().Path()),
			RawQuery: string(c.Request().URI().QueryString()),
		},
		Destination: router.Destination(c.Get("Sec-Fetch-Dest"), c.Get(fiber.HeaderAccept)),
	}
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx) (*http.Request, error) {
	target := upstream.Resolve(h.origin, string(c.Request().URI().Path()), string(c.Request().URI().QueryString()))

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		// fasthttp 会复用请求缓冲区，必须先复制
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(requestContext(c), c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	upstream.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", h.listenPort))
	return req, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制可转发的响应头，Content-Length 交由 fasthttp 计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func (h *Handler) logResult(
	c fiber.Ctx,
	view router.Request,
	class router.Classification,
	kind strategy.Kind,
	cacheStatus string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(view.Method, view.URL.Path, string(class), string(kind), cacheStatus)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
