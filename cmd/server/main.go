// fieldchat - conversational backend for field workers
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/fieldchat/internal/activectx"
	"github.com/ashureev/fieldchat/internal/agent"
	"github.com/ashureev/fieldchat/internal/api"
	"github.com/ashureev/fieldchat/internal/channel"
	"github.com/ashureev/fieldchat/internal/config"
	"github.com/ashureev/fieldchat/internal/convlog"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fastpath"
	"github.com/ashureev/fieldchat/internal/flow"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/hygiene"
	"github.com/ashureev/fieldchat/internal/identity"
	"github.com/ashureev/fieldchat/internal/idempotency"
	"github.com/ashureev/fieldchat/internal/intent"
	"github.com/ashureev/fieldchat/internal/language"
	"github.com/ashureev/fieldchat/internal/metrics"
	"github.com/ashureev/fieldchat/internal/pipeline"
	"github.com/ashureev/fieldchat/internal/session"
	"github.com/ashureev/fieldchat/internal/shared"
	"github.com/ashureev/fieldchat/internal/store"
	"github.com/ashureev/fieldchat/internal/ticketing"
	"github.com/ashureev/fieldchat/internal/webhook"
	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "languages", cfg.Language.Supported)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	journal, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	loc, _ := cfg.Session.Location()
	retry := shared.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay}

	collector := metrics.NewCollector(metrics.HealthPolicy{
		AlertBelow: cfg.Health.ReuseRatioAlert,
		MinSamples: int64(cfg.Health.ReuseRatioMinSamples),
	}, logger)
	sessions := session.NewService(repo, session.Policy{
		Timeout:          cfg.Session.Timeout,
		WorkdayStartHour: cfg.Session.WorkdayStartHour,
		WorkdayEndHour:   cfg.Session.WorkdayEndHour,
		Location:         loc,
	}, collector, logger)
	focus := activectx.New(repo, activectx.Windows{
		domain.ContextProject: cfg.Context.ProjectWindow,
		domain.ContextTask:    cfg.Context.TaskWindow,
	}, logger)
	ledger := idempotency.New(repo, cfg.Pipeline.IdempotencyStale, logger)
	engine := fsm.NewEngine(fsm.DefaultTable(), repo, logger)

	if cfg.Integration.TicketingBaseURL == "" {
		slog.Warn("TICKETING_BASE_URL not set; task and incident operations will fail")
	}
	tickets := ticketing.NewHTTPClient(cfg.Integration.TicketingBaseURL, cfg.Integration.TicketingToken,
		cfg.Integration.RequestTimeout, retry)

	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(context.Background())
		if err != nil {
			slog.Error("Failed to initialize chat model", "error", err)
			os.Exit(1)
		}
		slog.Info("Chat model initialized", "model", cfg.AI.Model)
	} else {
		slog.Info("AI features limited (ARK_MODEL or credentials not set): keyword classification only, no translation")
	}

	// Routing tiers.
	registry := intent.NewRegistry()
	if err := fastpath.Register(registry, fastpath.Deps{
		Tasks:    tickets,
		Focus:    focus,
		Sessions: sessions,
		Engine:   engine,
		Logger:   logger,
	}); err != nil {
		slog.Error("Failed to register fast-path handlers", "error", err)
		os.Exit(1)
	}
	flows := flow.All(flow.Deps{Engine: engine, Tasks: tickets, Focus: focus, Logger: logger})

	proc, err := newProcessor(cfg, chatModel, logger)
	if err != nil {
		slog.Error("Failed to initialize reasoning engine", "error", err)
		os.Exit(1)
	}
	var reasoner intent.Reasoner
	if proc != nil {
		defer proc.Close()
		reasoner = agent.NewReasoner(proc, logger)
	} else {
		slog.Warn("No reasoning engine configured (AGENT_ADDR and ARK_* unset); unmatched messages will fail")
	}
	router := intent.NewRouter(registry, flows, reasoner, cfg.Pipeline.ConfidenceThreshold, logger)

	var fallback intent.Fallback
	var translator language.Translator = language.Passthrough{}
	if chatModel != nil {
		llm, err := intent.NewLLMFallback(context.Background(), chatModel, cfg.Pipeline.HistoryLimit)
		if err != nil {
			slog.Error("Failed to initialize intent fallback", "error", err)
			os.Exit(1)
		}
		fallback = llm
		tr, err := language.NewLLMTranslator(context.Background(), chatModel)
		if err != nil {
			slog.Error("Failed to initialize translator", "error", err)
			os.Exit(1)
		}
		translator = tr
	}
	classifier := intent.NewClassifier(intent.DefaultKeywords, fallback, logger)

	var transcriber language.Transcriber
	if cfg.Integration.TranscribeURL != "" {
		transcriber = language.NewHTTPTranscriber(cfg.Integration.TranscribeURL, cfg.Integration.RequestTimeout, retry)
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Auth:        identity.NewAuthenticator(repo),
		Sessions:    sessions,
		Messages:    repo,
		Ledger:      ledger,
		Detector:    language.NewDetector(cfg.Language.Supported),
		Transcriber: transcriber,
		Translator:  translator,
		Classifier:  classifier,
		Router:      router,
		Metrics:     collector,
		Journal:     journal,
	}, pipeline.Config{
		InternalLanguage: cfg.Language.Internal,
		ResponseTimeout:  cfg.Pipeline.ResponseTimeout,
		StageTimeout:     cfg.Pipeline.StageTimeout,
		HistoryLimit:     cfg.Pipeline.HistoryLimit,
	}, logger)
	if err != nil {
		slog.Error("Failed to build pipeline", "error", err)
		os.Exit(1)
	}
	slog.Info("Pipeline ready", "stages", pipe.Stages())

	// Channels.
	hub := channel.NewHub(logger)
	sender := &channel.Multi{Hub: hub}
	if cfg.Integration.ChannelSendURL != "" {
		sender.HTTP = channel.NewHTTPSender(cfg.Integration.ChannelSendURL, cfg.Integration.ChannelToken,
			cfg.Integration.RequestTimeout, retry)
	}
	consumer := webhook.NewConsumer(pipe, sender, repo, logger,
		webhook.WithIncidentLog(journal),
		webhook.WithFallbackLanguage(cfg.Language.Supported[0]))

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	if cfg.WebhookSecret == "" {
		slog.Warn("WEBHOOK_SECRET not set; webhook signatures are not verified")
	}
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set; /api operator routes are disabled")
	}
	handler := api.NewRouter(api.Deps{
		Consumer:       consumer,
		Hub:            hub,
		Sessions:       sessions,
		Metrics:        collector,
		DB:             repo,
		Limiter:        limiter,
		WebhookSecret:  cfg.WebhookSecret,
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.Origins,
		Logger:         logger,
	})

	// Create server. WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start hygiene worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := hygiene.New(hygiene.Deps{
		Repo:     repo,
		Sessions: sessions,
		Contexts: focus,
		Ledger:   ledger,
		Engine:   engine,
		Health:   collector,
	}, hygiene.Config{
		Interval:             cfg.Hygiene.SweepInterval,
		StaleSessionAfter:    cfg.Hygiene.StaleSessionAfter,
		FlowIdleTimeout:      cfg.Hygiene.FlowIdleTimeout,
		IdempotencyRetention: cfg.Hygiene.IdempotencyRetention,
	}, logger)
	workerDone := worker.Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ResponseTimeout+5*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-workerDone

	slog.Info("Server stopped successfully")
}

// newProcessor picks the reasoning engine: the remote gRPC service when
// AGENT_ADDR is set, otherwise the in-process chat model. It returns nil
// when neither is available.
func newProcessor(cfg *config.Config, cm model.ChatModel, logger *slog.Logger) (agent.Processor, error) {
	if addr := cfg.Integration.AgentAddr; addr != "" {
		slog.Info("Connecting to reasoning engine via gRPC", "address", addr)
		gcfg := agent.DefaultGrpcClientConfig(addr)
		gcfg.RequestTimeout = cfg.Pipeline.ResponseTimeout
		gcfg.Retry = shared.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay}
		return agent.NewGrpcClient(gcfg, logger)
	}
	if cm != nil {
		return agent.NewChatEngine(context.Background(), cm, logger)
	}
	return nil, nil
}
