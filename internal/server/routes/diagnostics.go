package routes

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-cache/internal/cache"
	"github.com/any-hub/offline-cache/internal/lifecycle"
	"github.com/any-hub/offline-cache/internal/notify"
	"github.com/any-hub/offline-cache/internal/server"
	"github.com/any-hub/offline-cache/internal/version"
)

// Lifecycle 是诊断接口需要的控制器能力。
type Lifecycle interface {
	Status() lifecycle.Snapshot
	Update(ctx context.Context) error
}

// PartitionLister 列出分区统计。
type PartitionLister interface {
	Stats(ctx context.Context) ([]cache.PartitionStat, error)
}

// Diagnostics 汇总 /-/ 路由的依赖，未提供的依赖对应路由不注册。
type Diagnostics struct {
	Lifecycle  Lifecycle
	Partitions PartitionLister
	Notifier   notify.Notifier
	Logger     *logrus.Logger
}

// RegisterDiagnostics 暴露 /-/status、/-/partitions、/-/update 与 /-/notify。
func RegisterDiagnostics(app *fiber.App, deps Diagnostics) {
	if app == nil {
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	if deps.Lifecycle != nil {
		app.Get(server.DiagnosticsPrefix+"status", func(c fiber.Ctx) error {
			return c.JSON(statusPayload{
				Version:  version.Full(),
				Snapshot: deps.Lifecycle.Status(),
			})
		})

		app.Post(server.DiagnosticsPrefix+"update", func(c fiber.Ctx) error {
			if err := deps.Lifecycle.Update(c.Context()); err != nil {
				logger.WithFields(logrus.Fields{
					"action":     "update",
					"request_id": server.RequestID(c),
				}).WithError(err).Warn("update_failed")
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"error":  "install_failed",
					"detail": err.Error(),
					"state":  deps.Lifecycle.Status().State,
				})
			}
			return c.JSON(deps.Lifecycle.Status())
		})
	}

	if deps.Partitions != nil {
		app.Get(server.DiagnosticsPrefix+"partitions", func(c fiber.Ctx) error {
			stats, err := deps.Partitions.Stats(c.Context())
			if err != nil {
				logger.WithFields(logrus.Fields{"action": "partitions"}).WithError(err).Warn("partition_stats_failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
			}
			if stats == nil {
				stats = []cache.PartitionStat{}
			}
			return c.JSON(fiber.Map{"partitions": stats})
		})
	}

	if deps.Notifier != nil {
		app.Post(server.DiagnosticsPrefix+"notify", func(c fiber.Ctx) error {
			var payload notify.Notification
			if err := json.Unmarshal(c.Body(), &payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json"})
			}
			if err := payload.Validate(); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error":  "invalid_notification",
					"detail": err.Error(),
				})
			}
			if err := deps.Notifier.Notify(c.Context(), payload); err != nil {
				logger.WithFields(logrus.Fields{"action": "notify"}).WithError(err).Warn("notify_failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "notify_failed"})
			}
			return c.SendStatus(fiber.StatusAccepted)
		})
	}
}

type statusPayload struct {
	Version string `json:"version"`
	lifecycle.Snapshot
}
