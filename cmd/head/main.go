// Command head runs the head process: the node registry, signed fan-out
// router, and HTTP surface that fronts one or more webai nodes.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/config"
	"github.com/BaSui01/webai/internal/headapi"
	"github.com/BaSui01/webai/internal/keystore"
	"github.com/BaSui01/webai/internal/logging"
	"github.com/BaSui01/webai/internal/metrics"
	"github.com/BaSui01/webai/internal/ratelimit"
	"github.com/BaSui01/webai/internal/server"
	"github.com/BaSui01/webai/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadHeadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.New(cfg.LogFormat, "webai-head")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return 2
	}
	defer logger.Sync()

	keypair, err := keystore.LoadOrGenerate(cfg.HeadKeyDir, logger)
	if err != nil {
		logger.Error("failed to load head signing keypair", zap.Error(err))
		return 2
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "webai-head", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up tracing", zap.Error(err))
		return 2
	}
	defer shutdownTracing(context.Background())

	registry := headapi.NewRegistry(cfg.HeadNodes)
	affinity := headapi.NewAffinity()
	fanoutTimeout := time.Duration(cfg.FanoutTimeoutSeconds) * time.Second
	client := headapi.NewNodeClient(keypair, fanoutTimeout)

	collector := metrics.New("webai_head")
	stop := make(chan struct{})
	defer close(stop)
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, logger, stop)

	srv := &headapi.Server{
		Registry:      registry,
		Affinity:      affinity,
		Client:        client,
		Keypair:       keypair,
		EnrollToken:   keystore.NewEnrollmentToken(cfg.HeadEnrollToken),
		FanoutTimeout: fanoutTimeout,
		Metrics:       collector,
		Logger:        logger,
	}
	handler := headapi.NewRouter(srv, headapi.RouterDeps{
		Metrics:         collector,
		Limiter:         limiter,
		Tracer:          telemetry.Tracer("webai-head"),
		StaticAssetsDir: cfg.StaticAssetsDir,
		Logger:          logger,
	})

	httpCfg := server.DefaultConfig()
	httpCfg.Addr = fmt.Sprintf(":%d", cfg.HeadPort)
	mgr := server.NewManager(handler, httpCfg, logger)
	if err := mgr.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		return 2
	}

	logger.Info("head started", zap.Int("port", cfg.HeadPort), zap.Int("nodes", len(cfg.HeadNodes)))
	mgr.WaitForShutdown()
	return 0
}
