// Command proxy runs the HTTP(S) intercepting proxy: the management
// HTTP/WebSocket server, the traffic-mediation engine core, and the
// three external collaborators (Browser Driver, Replay Executor, Project
// Store), plus the optional SQL query surface and ClickHouse warning
// sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/common/config"
	"github.com/relaywire/proxycore/internal/common/configtypes"
	"github.com/relaywire/proxycore/internal/common/logger"
	"github.com/relaywire/proxycore/internal/common/metricsserver"
	"github.com/relaywire/proxycore/internal/proxy/browserdriver"
	"github.com/relaywire/proxycore/internal/proxy/chsink"
	"github.com/relaywire/proxycore/internal/proxy/coordinator"
	"github.com/relaywire/proxycore/internal/proxy/exclusion"
	"github.com/relaywire/proxycore/internal/proxy/httpapi"
	"github.com/relaywire/proxycore/internal/proxy/identity"
	"github.com/relaywire/proxycore/internal/proxy/metrics"
	"github.com/relaywire/proxycore/internal/proxy/project"
	"github.com/relaywire/proxycore/internal/proxy/query"
	"github.com/relaywire/proxycore/internal/proxy/replay"
	"github.com/relaywire/proxycore/internal/proxy/rewrite"
	"github.com/relaywire/proxycore/internal/proxy/router"
	"github.com/relaywire/proxycore/pkg/types"
)

func main() {
	configPath := flag.String("c", "configs/proxy.yaml", "path to configuration file")
	testMode := flag.Bool("t", false, "test configuration and exit")
	flag.Parse()

	if *testMode {
		os.Exit(runConfigTest(*configPath))
	}

	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	initialLogger.Info("starting proxy", zap.String("config_path", *configPath))

	cfg, err := config.LoadProxyConfig(*configPath)
	if err != nil {
		initialLogger.Fatal("failed to load config", zap.Error(err))
	}

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()
	appLogger := dynamicLogger.Logger

	ids := identity.New()
	filter := exclusion.New()
	rewriteEngine := rewrite.New(appLogger)

	projectStore, err := project.New(project.Config{
		RootDir:          cfg.Project.RootDir,
		AutosaveInterval: cfg.Project.AutosaveInterval.ToDuration(),
	}, appLogger)
	if err != nil {
		appLogger.Fatal("failed to open project store", zap.Error(err))
	}

	metricsCollector := metrics.New(cfg.Metrics.Namespace, appLogger)
	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled, cfg.Metrics.Listen, cfg.Metrics.Path, metricsCollector, appLogger,
	)
	if err != nil {
		appLogger.Fatal("failed to start metrics server", zap.Error(err))
	}

	chSink, err := chsink.New(clickHouseConfig(cfg.ClickHouse), appLogger)
	if err != nil {
		appLogger.Fatal("failed to construct clickhouse sink", zap.Error(err))
	}
	go chSink.Start()
	rewriteEngine.SetWarningSink(warningFanout{chSink, metricsCollector})
	rewriteEngine.SetObserver(metricsCollector)

	browserDriver := browserdriver.New(browserdriver.Config{
		ExecutablePath: cfg.Browser.ExecutablePath,
		Headless:       cfg.Browser.Headless,
		StartTimeout:   cfg.Browser.StartTimeout.ToDuration(),
	}, appLogger)

	// The operator channel and the Interception Coordinator reference
	// each other (the channel auto-forwards saturated prompts through the
	// Coordinator; the Coordinator emits through the channel), so both
	// are tied together via forwarding wrappers constructed before either
	// side exists, then wired once both are built.
	var coord *coordinator.Coordinator
	releaser := &coordinatorReleaser{}
	handler := &operatorHandler{}

	operatorRouter := router.New(
		cfg.Router.OutboundQueueDepth, appLogger, handler, releaser,
		func() {
			if coord != nil {
				coord.OnOperatorReconnected()
			}
		},
		func() {
			if coord != nil {
				coord.OnOperatorDisconnected(context.Background())
			}
		},
	)

	replayExecutor, err := replay.NewExecutor(replay.Config{
		Timeout:        cfg.Replay.Timeout.ToDuration(),
		MaxConcurrency: cfg.Replay.MaxConcurrency,
		CacheAddr:      cfg.Replay.CacheAddr,
	}, operatorRouter, appLogger)
	if err != nil {
		appLogger.Fatal("failed to construct replay executor", zap.Error(err))
	}
	defer replayExecutor.Close()
	replayExecutor.SetObserver(metricsCollector)
	operatorRouter.SetObserver(metricsCollector)

	fanout := httpapi.NewFanoutRouter(operatorRouter, projectStore)
	coord = coordinator.New(coordinator.Config{
		GracePeriod:     cfg.Intercept.GracePeriod.ToDuration(),
		JanitorInterval: cfg.Intercept.JanitorInterval.ToDuration(),
		MaxSuspendedAge: cfg.Intercept.MaxSuspendedAge.ToDuration(),
	}, appLogger, ids, filter, rewriteEngine, fanout, projectStore)
	defer coord.Close()
	coord.SetObserver(metricsCollector)
	releaser.c = coord

	dispatcher := httpapi.NewDispatcher(coord, browserDriver, replayExecutor, projectStore, operatorRouter, appLogger)
	handler.d = dispatcher

	mgmtServer := httpapi.New(httpapi.Config{Listen: cfg.Server.Listen}, appLogger)
	mgmtServer.Handle("/ws", operatorRouter)
	httpapi.NewProjectHandler(projectStore, filter, appLogger).Register(mgmtServer)
	httpapi.NewHealthHandler().Register(mgmtServer)

	querySrv := query.New(queryConfig(cfg.Query), projectStore, appLogger)

	serverErrors := make(chan error, 2)
	go func() {
		if err := mgmtServer.Start(); err != nil {
			serverErrors <- fmt.Errorf("management server failed: %w", err)
		}
	}()
	go func() {
		if err := querySrv.Start(); err != nil {
			serverErrors <- fmt.Errorf("query server failed: %w", err)
		}
	}()

	appLogger.Info("proxy started", zap.String("management_addr", cfg.Server.Listen))
	dynamicLogger.SwitchToConfiguredLevel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Info("shutting down proxy")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Error("server startup failed, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord.StopBrowser(shutdownCtx)

	if err := mgmtServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("management server shutdown error", zap.Error(err))
	}
	if err := querySrv.Shutdown(); err != nil {
		appLogger.Error("query server shutdown error", zap.Error(err))
	}
	if err := chSink.Stop(shutdownCtx); err != nil {
		appLogger.Error("clickhouse sink shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if err := projectStore.Flush(); err != nil {
		appLogger.Error("final project flush failed", zap.Error(err))
	}

	appLogger.Info("proxy stopped")
}

// coordinatorReleaser and operatorHandler break the construction cycle
// between the operator channel (which needs a Releaser/Handler at
// New time) and the Coordinator/Dispatcher (which need the already-built
// operator channel). Both fields are set once, before Start is ever
// called on anything that could invoke them.
type coordinatorReleaser struct {
	c *coordinator.Coordinator
}

func (r *coordinatorReleaser) Forward(ctx context.Context, id string, edit *types.ModifiedExchange, interceptResponse *bool) error {
	return r.c.Forward(ctx, id, edit, interceptResponse)
}

type operatorHandler struct {
	d *httpapi.Dispatcher
}

func (h *operatorHandler) HandleCommand(ctx context.Context, cmd types.InboundCommand) {
	h.d.HandleCommand(ctx, cmd)
}

// warningFanout delivers every rewrite-engine warning to both the
// ClickHouse sink and the process-lifetime warnings counter.
type warningFanout struct {
	sink      rewrite.WarningSink
	collector *metrics.Collector
}

func (w warningFanout) RecordWarning(ruleID, kind, detail string) {
	w.sink.RecordWarning(ruleID, kind, detail)
	w.collector.IncWarnings()
}

func clickHouseConfig(cfg *configtypes.ClickHouseConfig) chsink.Config {
	if cfg == nil {
		return chsink.Config{}
	}
	return chsink.Config{Enabled: cfg.Enabled, DSN: cfg.DSN, Table: cfg.Table}
}

func queryConfig(cfg *configtypes.QueryConfig) query.Config {
	if cfg == nil {
		return query.Config{}
	}
	return query.Config{Enabled: cfg.Enabled, Listen: cfg.Listen}
}

func runConfigTest(configPath string) int {
	cfg, err := config.LoadProxyConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration validation failed: %v\n", err)
		return 1
	}
	fmt.Printf("configuration file %s syntax is ok\n", configPath)
	fmt.Printf("management listen address: %s\n", cfg.Server.Listen)
	return 0
}
