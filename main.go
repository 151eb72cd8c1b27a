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

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tp-checklist/offline-hub/internal/cache"
	"github.com/tp-checklist/offline-hub/internal/config"
	"github.com/tp-checklist/offline-hub/internal/lifecycle"
	"github.com/tp-checklist/offline-hub/internal/logging"
	"github.com/tp-checklist/offline-hub/internal/proxy"
	"github.com/tp-checklist/offline-hub/internal/server"
	"github.com/tp-checklist/offline-hub/internal/server/routes"
	"github.com/tp-checklist/offline-hub/internal/version"
	"github.com/tp-checklist/offline-hub/internal/worker"
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
		fields["cache_version"] = cfg.Worker.CacheVersion
		fields["assets"] = len(cfg.Worker.Assets)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 存储 → 上游 → Worker install/activate → Fiber server。
	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer svc.close()

	svc.registerInitial(ctx)

	if err := config.Watch(opts.configPath, svc.reload); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("watch_config", opts.configPath)).
			Warn("配置热加载未启用")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["upstream"] = cfg.Global.Upstream
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
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

// service 持有进程生命周期内共享的组件。
type service struct {
	cfg     *config.Config
	logger  *logrus.Logger
	storage cache.Storage
	closeFn func() error
	network worker.Fetcher
	host    *lifecycle.Host
	app     *fiber.App
}

func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	storage, closeFn, err := server.NewStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	origin, err := server.NewOrigin(cfg)
	if err != nil {
		closeFn()
		return nil, err
	}
	network, err := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg), origin)
	if err != nil {
		closeFn()
		return nil, err
	}

	host := lifecycle.NewHost(logger)
	handler, err := proxy.NewHandler(host, network, logger, cfg.Global.ListenPort)
	if err != nil {
		closeFn()
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		closeFn()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, host, storage)

	return &service{
		cfg:     cfg,
		logger:  logger,
		storage: storage,
		closeFn: closeFn,
		network: network,
		host:    host,
		app:     app,
	}, nil
}

func (svc *service) newWorker(wc config.WorkerConfig) (*worker.Worker, error) {
	return worker.New(worker.Options{
		Version:        wc.CacheVersion,
		Manifest:       wc.Assets,
		BypassPatterns: wc.BypassPatterns,
		Storage:        svc.storage,
		Network:        svc.network,
		Logger:         svc.logger,
	})
}

// registerInitial 安装首个 Worker；失败时服务仍然启动，所有请求直通上游。
func (svc *service) registerInitial(ctx context.Context) {
	w, err := svc.newWorker(svc.cfg.Worker)
	if err == nil {
		err = svc.host.Register(ctx, w)
	}
	if err != nil {
		svc.logger.WithError(err).WithFields(logging.LifecycleFields("register", svc.cfg.Worker.CacheVersion)).
			Warn("Worker 注册失败，暂以直通模式运行")
	}
}

func (svc *service) serve(ctx context.Context) error {
	port := svc.cfg.Global.ListenPort
	go func() {
		<-ctx.Done()
		if err := svc.app.Shutdown(); err != nil {
			svc.logger.WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	svc.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := svc.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (svc *service) close() {
	svc.host.Shutdown()
	if err := svc.closeFn(); err != nil {
		svc.logger.WithError(err).Warn("关闭缓存存储失败")
	}
}
