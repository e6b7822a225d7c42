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

	"github.com/erg-pwa/erg-cache/internal/cache"
	"github.com/erg-pwa/erg-cache/internal/config"
	"github.com/erg-pwa/erg-cache/internal/logging"
	"github.com/erg-pwa/erg-cache/internal/manager"
	"github.com/erg-pwa/erg-cache/internal/policy"
	"github.com/erg-pwa/erg-cache/internal/proxy"
	"github.com/erg-pwa/erg-cache/internal/server"
	"github.com/erg-pwa/erg-cache/internal/server/routes"
	"github.com/erg-pwa/erg-cache/internal/version"
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
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
		fields["origin"] = cfg.App.Origin
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["generation"] = version.Generation
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 桶存储 → install → activate → Fiber server”顺序，
	// claim 之前的请求一律透传。
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	mgr, err := newManager(cfg, store, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存管理器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_host"] = cfg.Global.ListenHost
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.App.Origin
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if _, err := mgr.Install(ctx); err != nil {
		fmt.Fprintf(stdErr, "安装缓存代际失败: %v\n", err)
		return 1
	}
	if _, err := mgr.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "激活缓存代际失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(ctx, cfg, mgr, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func newManager(cfg *config.Config, store cache.Store, logger *logrus.Logger) (*manager.Manager, error) {
	origin := cfg.App.OriginURL()
	opts := manager.Options{
		Generation:         version.Generation,
		CachePrefix:        cfg.App.CachePrefix,
		Origin:             origin,
		Scope:              cfg.App.Scope,
		ShellURLs:          cfg.App.ShellURLs,
		DataFiles:          cfg.App.DataFiles,
		InstallConcurrency: cfg.Global.InstallConcurrency,
	}

	rules, err := policy.NewRules(origin, cfg.App.Scope, cfg.App.ShellURLs, cfg.App.DataFiles)
	if err != nil {
		return nil, err
	}
	fetcher, err := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg), cfg.App.UpstreamURL(), rules.SameOrigin)
	if err != nil {
		return nil, err
	}
	return manager.New(store, fetcher, logger, opts)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("erg-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ERG_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ERG_CACHE_CONFIG")
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

func startHTTPServer(ctx context.Context, cfg *config.Config, mgr *manager.Manager, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	forwarder := proxy.NewForwarder(mgr, proxy.NewHandler(mgr, logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      forwarder,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, mgr)

	logger.WithFields(logrus.Fields{
		"action":     "listen",
		"addr":       cfg.Global.ListenAddr(),
		"generation": mgr.Generation(),
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.Global.ListenAddr(), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("停止接收新请求")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_incomplete")
	}
	if err := mgr.Wait(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
