package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/Vovarama1992/storefront-support/internal/ai"
	"github.com/Vovarama1992/storefront-support/internal/alert"
	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/bot"
	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/config"
	"github.com/Vovarama1992/storefront-support/internal/db"
	"github.com/Vovarama1992/storefront-support/internal/export"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the bot endpoint and /realtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// openStore opens the configured database; postgres gets the migrations
// applied, sqlite creates its schema on open.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.StoreDriver == "sqlite" {
		log.Printf("[db] sqlite %s", cfg.SQLitePath)
		return db.OpenSQLite(cfg.SQLitePath)
	}

	conn, err := db.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- DB ---
	conn, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	// --- Change notifier ---
	hub := realtime.NewHub(cfg.SubscriberBuffer)
	raw := chat.NewRepo(conn)
	var repo chat.Repo

	switch cfg.Notifier {
	case "redis":
		rdb, err := realtime.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()

		bus := realtime.NewRedisBus(rdb, cfg.RedisChannel, hub)
		go func() {
			if err := bus.Run(ctx); err != nil {
				log.Printf("[realtime] redis relay stopped: %v", err)
			}
		}()
		repo = chat.NewPublishingRepo(raw, bus)
	case "postgres":
		// триггеры notify_chat_change публикуют сами
		relay := realtime.NewPGRelay(cfg.DatabaseURL, hub)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Printf("[realtime] postgres relay stopped: %v", err)
			}
		}()
		repo = raw
	default:
		repo = chat.NewPublishingRepo(raw, hub)
	}
	log.Printf("[realtime] notifier: %s", cfg.Notifier)

	// --- Alerts ---
	var alerter chat.Alerter
	if cfg.TelegramToken != "" {
		tg, err := alert.NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return err
		}
		defer tg.Wait()
		alerter = tg
	}

	// --- Export storage ---
	var uploader export.Uploader
	if cfg.S3Enabled() {
		up, err := export.NewS3Uploader(ctx, export.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			URLTTL:    cfg.ExportURLTTL,
		})
		if err != nil {
			return err
		}
		uploader = up
	}

	// --- Services ---
	authn := auth.NewAuthenticator(auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience), raw)
	chatService := chat.NewService(repo, alerter)

	aiClient := ai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.AITimeout)
	botService := bot.NewService(repo, aiClient, bot.Options{
		HistoryLimit: cfg.HistoryPageSize,
		Fallback:     bot.FallbackPolicy(cfg.SessionFallback),
		Escalation:   bot.NewPhrasePolicy(cfg.EscalationPhrases...),
	})

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"},
	}))

	bot.RegisterRoutes(r, bot.NewHandler(botService, authn))
	r.Route("/api", func(api chi.Router) {
		api.Use(authn.Middleware)
		chat.RegisterRoutes(api, chat.NewHandler(chatService))
		export.RegisterRoutes(api, export.NewHandler(chatService, uploader))
	})
	r.Method(http.MethodGet, "/realtime", realtime.NewWSHandler(hub, authn, chatService))

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on :%s", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
