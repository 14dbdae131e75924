package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flow-music/flow-worker/internal/cache"
	"github.com/flow-music/flow-worker/internal/config"
	"github.com/flow-music/flow-worker/internal/fetch"
	"github.com/flow-music/flow-worker/internal/host"
	"github.com/flow-music/flow-worker/internal/lifecycle"
	"github.com/flow-music/flow-worker/internal/logging"
	"github.com/flow-music/flow-worker/internal/notify"
	"github.com/flow-music/flow-worker/internal/routing"
	"github.com/flow-music/flow-worker/internal/server"
	"github.com/flow-music/flow-worker/internal/server/routes"
	"github.com/flow-music/flow-worker/internal/version"
	"github.com/flow-music/flow-worker/internal/worker"
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

const shutdownTimeout = 10 * time.Second

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
		fields["cache_name"] = cfg.Cache.Name
		fields["manifest"] = len(cfg.Cache.Manifest)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Global.Origin
	fields["cache_name"] = cfg.Cache.Name
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// printVersion 输出版本号与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("flow-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FLOW_WORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("FLOW_WORKER_CONFIG")
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

// service 持有进程内共享的组件实例。
type service struct {
	app           *fiber.App
	worker        *worker.Worker
	storage       cache.Storage
	clients       *host.Clients
	notifications *host.NotificationCenter
	logger        *logrus.Logger
}

// buildService 按“缓存存储 → 回源客户端 → 宿主 → 生命周期/路由/通知 → worker → Fiber”顺序组装组件。
func buildService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	svc, err := assemble(cfg, logger, storage)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return svc, nil
}

func assemble(cfg *config.Config, logger *logrus.Logger, storage cache.Storage) (*service, error) {
	origin := cfg.OriginURL()
	fetcher := fetch.NewHTTPFetcher(fetch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue()), origin)

	manifest := make([]string, 0, len(cfg.Cache.Manifest))
	for _, raw := range cfg.Cache.Manifest {
		abs, err := cfg.ResolveURL(raw)
		if err != nil {
			return nil, fmt.Errorf("解析 manifest 地址失败: %w", err)
		}
		manifest = append(manifest, abs)
	}
	fallback, err := cfg.ResolveURL(cfg.Cache.OfflineFallback)
	if err != nil {
		return nil, fmt.Errorf("解析离线回退地址失败: %w", err)
	}

	clients := host.NewClients(cfg.Notification.ClientTTL.DurationValue())
	notifications := host.NewNotificationCenter(cfg.Notification.TTL.DurationValue())

	manager, err := lifecycle.NewManager(lifecycle.Options{
		CacheName:    cfg.Cache.Name,
		Manifest:     manifest,
		Storage:      storage,
		Fetcher:      fetcher,
		Clients:      clients,
		ClaimClients: cfg.Global.ClaimClients,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	router, err := routing.NewRouter(routing.Options{
		Source:      manager,
		Fetcher:     fetcher,
		Policy:      routing.NewPolicy(cfg.Cache),
		FallbackURL: fallback,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	deliverer, err := notify.NewDeliverer(notify.DefaultsFromConfig(cfg.Notification), notifications, clients, logger)
	if err != nil {
		return nil, err
	}

	w, err := worker.New(worker.Options{
		Lifecycle:   manager,
		Router:      router,
		Deliverer:   deliverer,
		SkipWaiting: cfg.Global.SkipWaiting,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	gateway, err := server.NewGateway(origin, w, fetcher, logger)
	if err != nil {
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Gateway: gateway})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Worker:        w,
		Gateway:       gateway,
		Clients:       clients,
		Notifications: notifications,
		Logger:        logger,
	})

	return &service{
		app:           app,
		worker:        w,
		storage:       storage,
		clients:       clients,
		notifications: notifications,
		logger:        logger,
	}, nil
}

// serve 启动 Fiber；install/activate 在后台执行，完成前网关以纯网络方式工作。
func (svc *service) serve(ctx context.Context, port int) error {
	svc.clients.Start(ctx)
	svc.notifications.Start(ctx)

	go func() {
		if err := svc.worker.Start(ctx); err != nil {
			svc.logger.WithError(err).WithField("action", "startup").Error("worker_start_failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		svc.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- svc.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	svc.logger.WithField("action", "shutdown").Info("收到退出信号，等待请求与缓存写入结束")
	if err := svc.app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	svc.worker.Close()
	return nil
}

func (svc *service) close() {
	svc.worker.Close()
	if err := svc.storage.Close(); err != nil {
		svc.logger.WithError(err).WithField("action", "shutdown").Warn("cache_storage_close_failed")
	}
}
