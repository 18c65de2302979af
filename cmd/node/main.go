// Command node runs one webai node: the task store, scheduler, engine, VNC
// broker, and HTTP surface described in the node's operation model.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/agentrunner"
	"github.com/BaSui01/webai/internal/config"
	"github.com/BaSui01/webai/internal/engine"
	"github.com/BaSui01/webai/internal/envelope"
	"github.com/BaSui01/webai/internal/keystore"
	"github.com/BaSui01/webai/internal/logging"
	"github.com/BaSui01/webai/internal/metrics"
	"github.com/BaSui01/webai/internal/nodeapi"
	"github.com/BaSui01/webai/internal/ratelimit"
	"github.com/BaSui01/webai/internal/scheduler"
	"github.com/BaSui01/webai/internal/server"
	"github.com/BaSui01/webai/internal/taskstore"
	"github.com/BaSui01/webai/internal/telemetry"
	"github.com/BaSui01/webai/internal/vncbroker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.LoadNodeConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.New(cfg.LogFormat, "webai-node")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return 2
	}
	defer logger.Sync()

	trust := keystore.NewTrustStore()
	if err := trust.LoadFromSpec(cfg.HeadPublicKeys, logger); err != nil {
		logger.Error("failed to load trusted head keys", zap.Error(err))
		return 2
	}
	if cfg.NodeRequireAuth && trust.Empty() && cfg.NodeEnrollToken == "" {
		logger.Error("node requires auth but has no trusted keys and no enrollment token configured")
		return 3
	}
	enroll := keystore.NewEnrollmentToken(cfg.NodeEnrollToken)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, "webai-node", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up tracing", zap.Error(err))
		return 2
	}
	defer shutdownTracing(context.Background())

	store, err := taskstore.New(cfg.DataRoot, logger)
	if err != nil {
		logger.Error("failed to open task store", zap.Error(err))
		return 2
	}

	var nonces envelope.NonceStore
	if cfg.NonceStore == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		nonces = envelope.NewRedisNonceStore(rdb, "webai:nonce:")
	} else {
		nonces = envelope.NewMemoryNonceStore(100_000)
	}

	broker := vncbroker.New(cfg.VNCBackendAddr, nodeapi.NewBrowserLookup(store), logger)
	runner := agentrunner.New(agentrunner.Config{
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}, logger)

	eng := engine.New(engine.Config{
		NodeID:          cfg.NodeID,
		MaxStepsDefault: cfg.MaxStepsDefault,
		StopDeadline:    cfg.StopDeadline,
	}, store, nil, broker, runner, logger)

	sched := scheduler.New(cfg.ScheduleCheck, eng, logger)
	eng.SetScheduler(sched)

	if err := eng.Recover(); err != nil {
		logger.Error("failed to recover task store on startup", zap.Error(err))
		return 2
	}

	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Run(schedCtx)

	collector := metrics.New("webai_node")
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, logger, schedCtx.Done())

	srv := &nodeapi.Server{
		Engine:          eng,
		Broker:          broker,
		Trust:           trust,
		Enroll:          enroll,
		NodeID:          cfg.NodeID,
		NodeName:        cfg.NodeName,
		Version:         "dev",
		SupportedModels: cfg.SupportedModelList(),
		Logger:          logger,
	}
	handler := nodeapi.NewRouter(srv, nodeapi.RouterDeps{
		Keys:        trust,
		Nonces:      nonces,
		RequireAuth: cfg.NodeRequireAuth,
		TrustEmpty:  trust.Empty,
		Metrics:     collector,
		Limiter:     limiter,
		Tracer:      telemetry.Tracer("webai-node"),
		Logger:      logger,
	})

	httpCfg := server.DefaultConfig()
	httpCfg.Addr = fmt.Sprintf(":%d", cfg.AppPort)
	mgr := server.NewManager(handler, httpCfg, logger)
	if err := mgr.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		return 2
	}

	logger.Info("node started", zap.String("node_id", cfg.NodeID), zap.Int("port", cfg.AppPort))
	mgr.WaitForShutdown()
	return 0
}
