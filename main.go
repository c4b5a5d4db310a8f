package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-cache/internal/cache"
	"github.com/any-hub/offline-cache/internal/config"
	"github.com/any-hub/offline-cache/internal/lifecycle"
	"github.com/any-hub/offline-cache/internal/logging"
	"github.com/any-hub/offline-cache/internal/notify"
	"github.com/any-hub/offline-cache/internal/proxy"
	"github.com/any-hub/offline-cache/internal/router"
	"github.com/any-hub/offline-cache/internal/server"
	"github.com/any-hub/offline-cache/internal/server/routes"
	"github.com/any-hub/offline-cache/internal/strategy"
	"github.com/any-hub/offline-cache/internal/tasks"
	"github.com/any-hub/offline-cache/internal/upstream"
	"github.com/any-hub/offline-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["partitions"] = cfg.CurrentPartitions()
		fields["precache"] = len(cfg.Cache.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer rt.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["partitions"] = cfg.CurrentPartitions()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// runtimeDeps 持有进程级共享组件，所有请求共用同一份存储、分层与后台调度器。
type runtimeDeps struct {
	storage    cache.Storage
	tiers      *cache.Tiers
	spawner    *tasks.Spawner
	controller *lifecycle.Controller
	forwarder  *proxy.Forwarder
	notifier   notify.Notifier
}

// buildRuntime 按“存储 → 分层 → 上游 → 调度器 → 分类器 → 策略 → 生命周期 → 代理”顺序装配。
func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	storage, err := cache.OpenStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	tiers, err := cache.NewTiers(storage, cfg.Cache.StaticName, cfg.Cache.DynamicName)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	fetcher := upstream.NewFetcher(upstream.NewClient(cfg))
	spawner := tasks.NewSpawner(logger, cfg.Cache.MaxBackgroundTasks)

	classifier, err := router.NewClassifier(router.Rules{
		StaticAssets:    cfg.Cache.Precache,
		APIPatterns:     cfg.Routes.APIPatterns,
		DevHosts:        cfg.Routes.DevHosts,
		DevPathPrefixes: cfg.Routes.DevPathPrefixes,
	})
	if err != nil {
		spawner.Close()
		_ = storage.Close()
		return nil, err
	}

	executor := strategy.NewExecutor(tiers, fetcher, spawner, logger)
	controller, err := lifecycle.New(lifecycle.Options{
		Tiers:           tiers,
		Fetcher:         fetcher,
		Origin:          origin,
		Precache:        cfg.Cache.Precache,
		Concurrency:     cfg.Cache.InstallConcurrency,
		CleanupInterval: cfg.Cache.CleanupInterval.DurationValue(),
		Logger:          logger,
	})
	if err != nil {
		spawner.Close()
		_ = storage.Close()
		return nil, err
	}

	handler := proxy.NewHandler(executor, classifier, origin, cfg.Global.ListenPort, logger)
	forwarder := proxy.NewForwarder(handler, server.ProxyHandlerFunc(handler.Passthrough), controller, logger)

	return &runtimeDeps{
		storage:    storage,
		tiers:      tiers,
		spawner:    spawner,
		controller: controller,
		forwarder:  forwarder,
		notifier:   notify.NewLogNotifier(logger),
	}, nil
}

func (rt *runtimeDeps) close() {
	rt.spawner.Close()
	_ = rt.storage.Close()
}

func newHTTPApp(cfg *config.Config, rt *runtimeDeps, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      rt.forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Lifecycle:  rt.controller,
		Partitions: rt.tiers,
		Notifier:   rt.notifier,
		Logger:     logger,
	})
	return app, nil
}

// serve 启动 HTTP 服务，并在后台完成首次安装与激活；ctx 取消时优雅退出。
func serve(ctx context.Context, cfg *config.Config, rt *runtimeDeps, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, rt, logger)
	if err != nil {
		return err
	}

	go func() {
		// 安装失败只记录日志，请求继续透传到源站
		_ = rt.controller.Update(ctx)
	}()
	go rt.controller.RunCleanup(ctx)

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，停止服务")
		if err := app.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
