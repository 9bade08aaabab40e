package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatiq/internal/application"
	"chatiq/internal/config"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/domain/ports/repository"
	aiAdapters "chatiq/internal/infra/adapters/ai"
	"chatiq/internal/infra/adapters/identity"
	pg "chatiq/internal/infra/db/postgres"
	fs "chatiq/internal/infra/firestore"
	"chatiq/internal/infra/logging"
	"chatiq/internal/infra/metrics"
	red "chatiq/internal/infra/redis"
	"chatiq/internal/infra/web"
	"chatiq/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, relaxed checks)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	logging.Global = logger
	if cfg.Runtime.Dev {
		logger.Info().Msg("developer mode enabled")
	}

	metrics.MustRegister()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	pointerRepo := red.NewPointerRepo(redisClient, cfg.Redis.TTL)
	sessionCache := red.NewSessionCache(redisClient, cfg.Redis.TTL)

	// ---- Conversation store ----
	var convo repository.ConversationRepository
	switch cfg.Storage.Driver {
	case "firestore":
		store, err := fs.NewStore(ctx, cfg.Storage.Firestore.ProjectID, logger)
		if err != nil {
			log.Fatalf("firestore: %v", err)
		}
		defer store.Close()
		convo = store
		logger.Info().Str("project_id", cfg.Storage.Firestore.ProjectID).Msg("conversation store: firestore")
	case "postgres":
		pool, err := pg.NewPgxPool(ctx, cfg.Storage.Postgres.URL, 10)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("postgres schema: %v", err)
		}
		convo = pg.NewConversationRepo(pool, sessionCache, cfg.Storage.Postgres.PollInterval, logger)
		logger.Info().Msg("conversation store: postgres")
	default:
		log.Fatalf("unknown storage.driver %q (want firestore or postgres)", cfg.Storage.Driver)
	}

	// ---- AI adapter (Gemini -> OpenAI -> fan-out) ----
	var ai adapter.AIServiceAdapter
	providers := map[string]adapter.AIServiceAdapter{}
	if cfg.AI.GeminiKey != "" {
		gem, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			log.Fatalf("gemini adapter: %v", err)
		}
		providers["gemini"] = gem
	}
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			log.Fatalf("openai adapter: %v", err)
		}
		providers["openai"] = oa
	}
	switch len(providers) {
	case 0:
		log.Fatalf("no AI provider configured: set ai.gemini_key or ai.openai_key in %s", *cfgPath)
	case 1:
		for _, a := range providers {
			ai = a
		}
	default:
		ai = aiAdapters.NewMultiAIAdapter("gemini", providers, nil)
	}
	ai = aiAdapters.NewLimitedAI(ai, cfg.AI.ConcurrentLimit)
	logger.Info().Int("providers", len(providers)).Str("default_model", cfg.AI.DefaultModel).Msg("AI adapter ready")

	// ---- Identity ----
	ident := identity.NewJWTIdentityManager(cfg.Auth.HMACSecret, cfg.Auth.TokenTTL, cfg.Auth.AllowAnonymous, logger)
	defer ident.Close()

	// ---- Use cases and hub ----
	builder := usecase.NewContextBuilder(convo)
	chatUC := usecase.NewChatUseCase(convo, builder, ai, cfg.AI.DefaultModel, logger)
	hub := application.NewClientHub(convo, pointerRepo, chatUC, logger)

	// Drain identity events. Client detach happens in the sign-out handler;
	// this loop only keeps an audit trail of auth transitions.
	go func() {
		for id := range ident.IdentityChanges() {
			if id == nil {
				logger.Debug().Msg("identity event: signed out")
				continue
			}
			logger.Debug().Str("user_id", id.UserID).Bool("anonymous", id.Anonymous).Msg("identity event: signed in")
		}
	}()

	// ---- HTTP server ----
	srv := web.NewServer(hub, ident, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	cancel()
}
