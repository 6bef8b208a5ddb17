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

	"assina/api/internal/app"
	"assina/api/internal/artifact"
	"assina/api/internal/authpw"
	"assina/api/internal/config"
	"assina/api/internal/ratelimit"
	"assina/api/internal/session"
	"assina/api/internal/stamp"
	"assina/api/internal/store"
	"assina/api/internal/verify"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	limiter := ratelimit.New(sessions.Client(), cfg.MaxLoginAttempts,
		time.Duration(cfg.LockoutSeconds)*time.Second)

	artifacts, err := openArtifactStore(cfg)
	if err != nil {
		log.Fatalf("artifact store failed: %v", err)
	}

	seal, err := os.ReadFile(cfg.SealPath)
	if err != nil {
		log.Fatalf("seal image unreadable at %s: %v", cfg.SealPath, err)
	}

	auth := authpw.NewService(dataStore, cfg.CPFHashSalt)
	stamper := stamp.NewService(artifacts, seal, cfg.PublicBaseURL)
	verifier := verify.NewService(dataStore, artifacts)
	service := app.NewService(dataStore, sessions, auth, limiter, stamper, verifier, artifacts)

	if err := service.Bootstrap(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminName, cfg.BootstrapAdminCPF); err != nil {
		log.Printf("WARNING: admin bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Assinador API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openArtifactStore(cfg config.Config) (artifact.Store, error) {
	if strings.EqualFold(cfg.StorageBackend, "s3") {
		log.Printf("Storing signed documents in s3 bucket %s", cfg.S3Bucket)
		return artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	log.Printf("Storing signed documents under %s", cfg.DataDir)
	return artifact.NewFSStore(cfg.DataDir)
}
