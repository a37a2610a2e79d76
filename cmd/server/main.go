package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ayureze/companion-backend/internal/api"
	"github.com/ayureze/companion-backend/internal/auth"
	"github.com/ayureze/companion-backend/internal/chat"
	"github.com/ayureze/companion-backend/internal/config"
	"github.com/ayureze/companion-backend/internal/conversation"
	"github.com/ayureze/companion-backend/internal/journey"
	"github.com/ayureze/companion-backend/internal/llm"
	"github.com/ayureze/companion-backend/internal/models"
	"github.com/ayureze/companion-backend/internal/notify"
	"github.com/ayureze/companion-backend/internal/rag"
	"github.com/ayureze/companion-backend/internal/store"
	"github.com/ayureze/companion-backend/internal/whatsapp"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: Postgres (Supabase) in production, SQLite otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		logger.Info("using postgres store")
	} else {
		st, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open sqlite store",
				zap.Error(err),
				zap.String("path", cfg.SQLitePath))
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
	}
	defer st.Close()

	var notifier notify.Publisher = notify.Nop{}
	if cfg.RedisURL != "" {
		rp, err := notify.NewRedisPublisher(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		notifier = rp
		logger.Info("turn notifications via redis pub/sub")
	}
	defer notifier.Close()

	generator, err := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, logger)
	if err != nil {
		logger.Fatal("failed to initialize model client", zap.Error(err))
	}

	retriever := conversation.NewRetriever(
		st.Partition(models.ChannelApp),
		st.Partition(models.ChannelWhatsApp),
		logger,
	)
	journeys := journey.NewService(st.Journeys(), logger)
	assembler := rag.NewAssembler(retriever, journeys, cfg.ContextCharBudget, logger)
	finder := rag.NewKeywordFinder(retriever, cfg.SimilarityThreshold, logger)

	chatSvc := chat.NewService(st, assembler, generator, notifier, chat.Options{
		MaxContextMessages: cfg.MaxContextMessages,
		ContextCharBudget:  cfg.ContextCharBudget,
		MaxReplyTokens:     cfg.MaxReplyTokens,
		MaxPromptTokens:    cfg.MaxPromptTokens,
	}, logger)

	var gateway *whatsapp.Client
	var sender auth.CodeSender
	if cfg.WhatsAppGatewayURL != "" {
		gateway = whatsapp.NewClient(cfg.WhatsAppGatewayURL, cfg.WhatsAppGatewayToken, logger)
		sender = gateway
	} else {
		logger.Warn("no whatsapp gateway configured; replies and otp codes stay local")
	}

	authSvc := auth.NewService(st.Sessions(), st.Users(), sender, cfg.OTPTTL, cfg.SessionTTL, logger)

	handler := api.NewHandler(st, chatSvc, retriever, assembler, finder, journeys, authSvc, gateway, cfg.WhatsAppVerifyToken, logger)
	router := api.NewRouter(handler, authSvc, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}
