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

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/api"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/config"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/documents"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/embedding"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/knowledge"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/metrics"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/notify"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/orchestrator"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/rag"
	pgstore "github.com/AKrns21/oxytec-evaluator-sub002/internal/store"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/toolserver"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/vectorstore"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer func() { logger.Sync() }()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/oxytec.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger = newLogger(cfg.Server.LogLevel, logger)
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Reasoning collaborator backends
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra, Timeout: pc.Timeout.D(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		if pc.RateLimit > 0 {
			router.SetRateLimit(pc.ID, pc.RateLimit)
		}
	}
	bindRoles(router, cfg)
	router.SetRetry(provider.RetryPolicy{
		MaxAttempts:     cfg.Pipeline.Retry.MaxAttempts,
		InitialInterval: cfg.Pipeline.Retry.InitialInterval.D(),
		MaxInterval:     cfg.Pipeline.Retry.MaxInterval.D(),
	})
	router.SetCallTimeout(cfg.Pipeline.CallTimeout.D())
	router.OnRetry(func(providerID string, attempt int, err error) {
		metrics.CollaboratorRetries.WithLabelValues(providerID).Inc()
	})

	// Tools
	tools := agent.NewToolRegistry()
	agent.RegisterBuiltinTools(tools)

	var qdrant *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" && cfg.Embedding.Endpoint != "" {
		qc, qErr := vectorstore.Dial(vectorstore.Config{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without knowledge search", zap.Error(qErr))
		} else {
			embedder := embedding.New(embedding.Config{
				Provider: cfg.Embedding.Provider, Endpoint: cfg.Embedding.Endpoint,
				Model: cfg.Embedding.Model, APIKey: cfg.Embedding.APIKey, Dimension: cfg.Embedding.Dimension,
			})
			kb := rag.NewKnowledgeBase(embedder, qc, logger)
			initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if initErr := kb.Init(initCtx); initErr != nil {
				logger.Warn("knowledge base init failed, running without knowledge search", zap.Error(initErr))
				qc.Close()
			} else {
				agent.RegisterKnowledgeSearch(tools, kb)
				qdrant = qc
			}
			cancel()
		}
	}

	var graph *knowledge.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := knowledge.Open(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			gErr = g.Ping(pingCtx)
			cancel()
			if gErr != nil {
				g.Close(ctx)
			}
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without technology lookup", zap.Error(gErr))
		} else {
			agent.RegisterTechnologyLookup(tools, g)
			graph = g
		}
	}
	var servers []toolserver.Server
	for _, ts := range cfg.ToolServers {
		servers = append(servers, toolserver.Server{Name: ts.Name, URL: ts.URL})
	}
	toolClients := toolserver.Dial(ctx, servers, logger)
	toolserver.Register(tools, toolClients...)
	logger.Info("Tools registered", zap.Strings("tools", tools.Names()))

	// Pipeline
	docs := documents.Chain{documents.InlineProvider{}, documents.NewFileProvider(cfg.DocumentRoot)}
	preview := cfg.Pipeline.PreviewLimit
	executor := orchestrator.NewExecutor(router, tools, orchestrator.ExecutorConfig{
		Concurrency: cfg.Pipeline.Concurrency,
		TaskTimeout: cfg.Pipeline.TaskTimeout.D(),
		Loop: agent.LoopConfig{
			MaxRounds:   cfg.Pipeline.MaxToolRounds,
			ToolTimeout: cfg.Pipeline.ToolTimeout.D(),
		},
	}, logger)
	pipeline := orchestrator.NewPipeline(logger,
		orchestrator.NewExtractionStage(router, docs, preview, logger),
		orchestrator.NewPlanningStage(router, tools, preview, logger),
		orchestrator.NewExecutionStage(executor),
		orchestrator.NewSynthesisStage(router, preview, logger),
		orchestrator.ReportStage{},
	)
	pipeline.SetCheckpointTimeout(cfg.Pipeline.CheckpointTimeout.D())

	// Checkpoints
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without checkpoints", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pipeline.SetCheckpointer(ps)
			pgStore = ps
		}
	}

	// Progress events
	var events *orchestrator.RedisEvents
	if cfg.Database.Redis.URL != "" {
		ev, evErr := orchestrator.DialRedisEvents(ctx, cfg.Database.Redis.URL, logger)
		if evErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(evErr))
		} else {
			pipeline.SetEventSink(ev)
			events = ev
		}
	}

	// Notifications
	var notifiers []notify.Notifier
	if c := cfg.Notify.Slack; c.Enabled && c.BotToken != "" && c.ChannelID != "" {
		notifiers = append(notifiers, notify.NewSlack(c.BotToken, c.ChannelID))
	}
	if c := cfg.Notify.Discord; c.Enabled && c.BotToken != "" && c.ChannelID != "" {
		d, dErr := notify.NewDiscord(c.BotToken, c.ChannelID)
		if dErr != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(dErr))
		} else {
			notifiers = append(notifiers, d)
		}
	}
	if multi := notify.NewMulti(logger, notifiers...); multi.Len() > 0 {
		pipeline.SetNotifier(multi)
	}

	manager := orchestrator.NewManager(pipeline, orchestrator.Params{
		Concurrency: cfg.Pipeline.Concurrency,
		MinTasks:    cfg.Pipeline.MinTasks,
		MaxTasks:    cfg.Pipeline.MaxTasks,
	}, logger)

	// Build HTTP handler
	handler := api.NewHandler(manager, tools, router, logger)
	if pgStore != nil {
		handler.SetCheckpoints(pgStore)
	}
	if events != nil {
		handler.SetEvents(events)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Oxytec evaluator listening", zap.String("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions still running at shutdown", zap.Error(err))
	}
	if events != nil {
		events.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if qdrant != nil {
		qdrant.Close()
	}
	for _, c := range toolClients {
		c.Close()
	}
}

// newLogger switches to a production logger for any level above debug.
func newLogger(level string, dev *zap.Logger) *zap.Logger {
	if level == "" || level == "debug" {
		return dev
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		dev.Warn("unknown log level, keeping development logger", zap.String("level", level))
		return dev
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	l, err := zc.Build()
	if err != nil {
		return dev
	}
	return l
}

// bindRoles applies the role bindings, fallbacks and model overrides.
func bindRoles(router *provider.Router, cfg *config.Config) {
	roles := map[string]string{
		provider.RoleExtraction: cfg.Backends.Extraction,
		provider.RolePlanning:   cfg.Backends.Planning,
		provider.RoleToolTask:   cfg.Backends.ToolTask,
		provider.RoleLightTask:  cfg.Backends.LightTask,
		provider.RoleSynthesis:  cfg.Backends.Synthesis,
	}
	for role, id := range roles {
		if id != "" {
			router.Bind(role, id)
		}
	}
	for role, ids := range cfg.Backends.Fallbacks {
		router.SetFallbacks(role, ids)
	}
	for role, model := range cfg.Backends.Models {
		router.SetModel(role, model)
	}
}
