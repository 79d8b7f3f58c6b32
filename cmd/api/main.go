package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conclave/api/internal/app"
	"conclave/api/internal/config"
	"conclave/api/internal/email"
	"conclave/api/internal/events"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/metrics"
	"conclave/api/internal/search"
	"conclave/api/internal/session"
	"conclave/api/internal/store"
	"conclave/api/internal/vault"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := app.Dependencies{Metrics: metrics.New()}

	var service *app.Service

	if err := os.MkdirAll(cfg.RecordsDir, 0o755); err != nil {
		log.Fatalf("failed to create records dir: %v", err)
	}
	deps.Records = gitrepo.New(cfg.RecordsDir)

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		deps.Meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := vault.NewMinioStore(ctx, vault.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("vault storage failed: %v", err)
		}
		deps.Vault = blobs
	} else {
		log.Printf("Vault storage disabled (MINIO_ENDPOINT not set)")
	}

	deps.Mailer = email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var notifier *events.RedisNotifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh sessions and change notifications")
		client, err := session.Dial(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer client.Close()
		deps.Sessions = session.NewRedisStoreWithClient(client)
		notifier = events.NewRedisNotifier(client, cfg.EventChannel)
		deps.Publisher = notifier
	}

	switch cfg.StoreDriver {
	case "memory":
		log.Printf("Using in-memory ledger store; data is lost on exit")
		service = app.New(cfg, store.NewMemoryStore(), deps)
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpen)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		deps.SearchFallback = search.NewPgFTS(db)
		service = app.New(cfg, store.NewPostgresStore(db), deps)
	}
	defer service.Close()

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	if notifier != nil {
		if err := notifier.Listen(ctx, service.RefreshTopic); err != nil {
			log.Fatalf("change notifications failed: %v", err)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Conclave API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
