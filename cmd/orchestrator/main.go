// Package main is the entry point for the chatbot backend orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/agents"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/api"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/bus"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/correlation"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/dispatch"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/engine"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/gateway/websocket"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/intent"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/llm"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/prompts"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/session"
	"github.com/albertbenedi-bit/bithealth-chatbot/pkg/agentmsg"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting backend orchestrator...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Metrics registry
	m := metrics.New()

	// 5. Session store: Redis, or in-memory when no address is configured
	var store session.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := session.NewRedisStore(cfg.Redis, cfg.Session.TTLDuration(), cfg.Session.MaxHistory, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		store = redisStore
	} else {
		log.Warn("No Redis address configured, using the in-memory session store")
		store = session.NewMemoryStore(cfg.Session.TTLDuration(), cfg.Session.MaxHistory)
	}
	defer store.Close()

	// 6. Message bus: NATS, or in-memory when no URL is configured
	var msgBus bus.Bus
	if cfg.Bus.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.Bus, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		msgBus = natsBus
	} else {
		log.Warn("No bus URL configured, using the in-memory message bus")
		msgBus = bus.NewMemoryBus(log)
	}
	defer msgBus.Close()

	// 7. LLM provider chain
	providers, err := llm.NewFromConfig(cfg.LLM, m, log)
	if err != nil {
		log.Fatal("Failed to build LLM provider chain", zap.Error(err))
	}
	log.Info("LLM providers configured", zap.Strings("providers", providers.Names()))

	// 8. Prompt templates and the intent classifier
	promptReg, err := prompts.NewRegistry(cfg.Prompts.Dir, log)
	if err != nil {
		log.Fatal("Failed to load prompt templates", zap.Error(err))
	}
	rules, err := intent.LoadRules(cfg.Intents.RulesFile)
	if err != nil {
		log.Fatal("Failed to load intent rules", zap.Error(err))
	}
	classifier, err := intent.NewClassifier(rules, providers, promptReg, log)
	if err != nil {
		log.Fatal("Failed to build intent classifier", zap.Error(err))
	}

	// 9. Agent routing table
	router, err := agents.NewRouter(cfg.Agents)
	if err != nil {
		log.Fatal("Failed to build agent routing table", zap.Error(err))
	}

	// 10. WebSocket hub and correlation registry. The registry's timeout
	// handler closes over the engine assigned in the next step.
	hub := websocket.NewHub(m, log)
	var eng *engine.Engine
	registry := correlation.NewRegistry(func(ctx context.Context, resp *agentmsg.TaskResponse) {
		eng.HandleAgentResponse(ctx, resp)
	}, m, log)

	// 11. Conversation engine
	eng = engine.New(engine.Deps{
		Store:        store,
		Classifier:   classifier,
		Router:       router,
		Dispatcher:   dispatch.NewDispatcher(msgBus, m, log),
		Correlation:  registry,
		Chain:        providers,
		Prompts:      promptReg,
		Hub:          hub,
		Bus:          msgBus,
		Metrics:      m,
		Logger:       log,
		Greetings:    cfg.Session.Greetings,
		MessageLimit: cfg.Limits.MaxMessageChars,
		ForwardTopic: cfg.Bus.ForwardTopic,
	})
	if err := eng.Start(); err != nil {
		log.Fatal("Failed to start conversation engine", zap.Error(err))
	}

	// 12. Agent response consumer
	consumer := dispatch.NewConsumer(msgBus, cfg.Bus, router.ResponseTopics(), eng.HandleAgentResponse, m, log)
	if err := consumer.Start(); err != nil {
		log.Fatal("Failed to start agent response consumer", zap.Error(err))
	}
	log.Info("Listening for agent responses", zap.Strings("topics", router.ResponseTopics()))

	// 13. Background loops: push hub and timeout sweeper
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})

	// 14. Reload prompt templates on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := promptReg.Reload(); err != nil {
				log.Error("Prompt reload failed", zap.Error(err))
				continue
			}
			log.Info("Prompt templates reloaded", zap.Strings("templates", promptReg.Names()))
		}
	}()

	// 15. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(api.RequestLogger(log, "orchestrator"))
	ginRouter.Use(api.CORSMiddleware())

	handler := api.NewHandler(api.Deps{
		Engine:      eng,
		Store:       store,
		Hub:         hub,
		Providers:   providers,
		Correlation: registry,
		Bus:         msgBus,
		Metrics:     m,
		Limits:      cfg.Limits,
		Version:     version,
		Logger:      log,
	})
	api.SetupRoutes(ginRouter, handler, websocket.NewHandler(hub, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 16. Start server under the supervision group
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 17. Wait for a shutdown signal or a supervised goroutine failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-gctx.Done():
		log.Error("Background component failed, shutting down")
	}

	// 18. Graceful shutdown
	cancel() // stops the hub and the timeout sweeper

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	consumer.Stop()
	eng.Stop()

	if err := g.Wait(); err != nil {
		log.Error("Orchestrator exited with error", zap.Error(err))
	}
	log.Info("Backend orchestrator stopped")
}
