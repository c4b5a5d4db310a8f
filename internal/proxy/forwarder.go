package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-cache/internal/server"
)

// Gate 报告缓存控制器是否已接管请求。
type Gate interface {
	Controlling() bool
}

// Forwarder 在控制器激活前把所有请求直接透传，激活后交给拦截 handler。
type Forwarder struct {
	intercept   server.ProxyHandler
	passthrough server.ProxyHandler
	gate        Gate
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder；gate 为 nil 时始终拦截。
func NewForwarder(intercept, passthrough server.ProxyHandler, gate Gate, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		intercept:   intercept,
		passthrough: passthrough,
		gate:        gate,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	handler := f.lookup()
	if handler == nil {
		f.logForwardError(c, "proxy_handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "proxy_handler_missing"})
	}
	return f.invokeHandler(c, handler, requestID)
}

func (f *Forwarder) lookup() server.ProxyHandler {
	if f.gate != nil && !f.gate.Controlling() {
		return f.passthrough
	}
	return f.intercept
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logForwardError(c, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
			setRequestIDHeader(c, requestID)
			err = c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "proxy_handler_panic"})
		}
	}()
	return handler.Handle(c)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logForwardError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"method": c.Method(),
		"path":   c.Path(),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
