// Package main contains the entrypoint for the webhook relay service.
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

	"github.com/Zbun/wechat-gpt-relay/internal/ai"
	"github.com/Zbun/wechat-gpt-relay/internal/config"
	"github.com/Zbun/wechat-gpt-relay/internal/database"
	"github.com/Zbun/wechat-gpt-relay/internal/dedup"
	"github.com/Zbun/wechat-gpt-relay/internal/feishu"
	"github.com/Zbun/wechat-gpt-relay/internal/history"
	"github.com/Zbun/wechat-gpt-relay/internal/logger"
	"github.com/Zbun/wechat-gpt-relay/internal/maintenance"
	"github.com/Zbun/wechat-gpt-relay/internal/relay"
	"github.com/Zbun/wechat-gpt-relay/internal/server"
	"github.com/Zbun/wechat-gpt-relay/internal/wechat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, serves until the context is canceled, and
// returns the process exit code.
func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.Format == "json")
	log.Info("Logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// The durable history tier is optional: with no database path the relay
	// runs on the in-process fast tier alone.
	var store database.Store
	if cfg.History.DBPath != "" {
		db, err := database.NewDB(cfg.History.DBPath)
		if err != nil {
			log.Error("Failed to open database", "path", cfg.History.DBPath, "error", err)
			return 1
		}
		defer database.CloseDB(db)
		store = database.NewStore(db, log)
	} else {
		log.Warn("No database path configured, conversation history is in-memory only")
	}

	hist := history.NewStore(store, history.Options{
		FastTTL:        time.Duration(cfg.History.FastTTLMinutes) * time.Minute,
		ContextWindow:  cfg.History.ContextWindow,
		MaxStoredTurns: cfg.History.MaxStoredTurns,
	}, log)
	defer func() {
		if err := hist.Close(); err != nil {
			log.Warn("Error draining history writes", "error", err)
		}
	}()

	completer, err := ai.New(ctx, ai.Config{
		Provider:          cfg.AI.Provider,
		Instruction:       cfg.AI.Instruction,
		MaxRetries:        cfg.AI.MaxRetries,
		RetryDelaySeconds: cfg.AI.RetryDelaySeconds,
		OpenAI: ai.OpenAIConfig{
			APIKey:  cfg.AI.OpenAI.APIKey,
			APIBase: cfg.AI.OpenAI.BaseURL,
			Model:   cfg.AI.OpenAI.Model,
		},
		Gemini: ai.GeminiConfig{
			APIKey:      cfg.AI.Gemini.APIKey,
			Model:       cfg.AI.Gemini.Model,
			Temperature: cfg.AI.Gemini.Temperature,
		},
	}, hist, log)
	if err != nil {
		log.Error("Failed to initialize AI backend", "provider", cfg.AI.Provider, "error", err)
		return 1
	}

	deduper := dedup.New(time.Duration(cfg.History.DedupTTLSecs)*time.Second, log)
	relaySvc := relay.New(completer, deduper, time.Duration(cfg.AI.TimeoutSeconds)*time.Second, log)
	log.Info("Relay pipeline ready", "provider", relaySvc.Provider())

	if cfg.WeChat.Token == "" {
		log.Warn("WeChat token not configured, webhook signature verification is disabled")
	}
	wechatHandler := wechat.NewHandler(relaySvc, cfg.WeChat.Token, cfg.WeChat.Welcome, log)

	var feishuHandler http.Handler = http.NotFoundHandler()
	if cfg.Feishu.Enabled {
		if cfg.Feishu.EncryptSecret == "" {
			log.Warn("Feishu encrypt secret not configured, delivery signature verification is disabled")
		}
		tokens := feishu.NewTokenSource(cfg.Feishu.AppID, cfg.Feishu.AppSecret, cfg.Feishu.APIBase, log)
		sender := feishu.NewSender(tokens, cfg.Feishu.APIBase, log)
		feishuHandler = feishu.NewHandler(relaySvc, sender, cfg.Feishu.EncryptSecret, cfg.Feishu.VerificationToken, log)
		log.Info("Feishu webhook enabled", "app_id", cfg.Feishu.AppID)
	}

	if store != nil {
		sched, err := maintenance.NewScheduler(store, maintenance.Config{
			TrimSchedule:   cfg.Maintenance.TrimSchedule,
			VacuumSchedule: cfg.Maintenance.VacuumSchedule,
			MaxStoredTurns: cfg.History.MaxStoredTurns,
		}, log)
		if err != nil {
			log.Error("Failed to create maintenance scheduler", "error", err)
			return 1
		}
		if err := sched.Start(); err != nil {
			log.Error("Failed to start maintenance scheduler", "error", err)
			return 1
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Warn("Error stopping maintenance scheduler", "error", err)
			}
		}()
	}

	srv := server.New(cfg.Server.Addr, wechatHandler, feishuHandler, log)

	log.Info("Starting relay service", "addr", cfg.Server.Addr)
	runErr := srv.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		return 1
	}

	log.Info("Service stopped gracefully")
	return 0
}
