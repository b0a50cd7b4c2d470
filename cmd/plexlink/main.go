package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"plexlink/internal/crypto"
	"plexlink/internal/registry"
	"plexlink/internal/server"
	"plexlink/internal/store"
	"plexlink/internal/version"
	"plexlink/migrations"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	dbPath := envOr("DB_PATH", "./data/plexlink.db")
	listenAddr := envOr("LISTEN_ADDR", ":8090")
	corsOrigin := os.Getenv("CORS_ORIGIN")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatal(err)
	}

	var storeOpts []store.Option
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		enc, err := crypto.NewEncryptor(key)
		if err != nil {
			log.Fatalf("initializing encryption: %v", err)
		}
		storeOpts = append(storeOpts, store.WithEncryptor(enc))
	} else {
		log.Println("ENCRYPTION_KEY not set, credentials stored in plaintext")
	}

	s, err := store.New(dbPath, storeOpts...)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(migrations.FS); err != nil {
		log.Fatalf("running migrations: %v", err)
	}

	reg := registry.New()
	defer reg.Close()

	devices, err := s.ListDevices()
	if err != nil {
		log.Fatalf("loading devices: %v", err)
	}
	for _, cfg := range devices {
		if !cfg.Enabled {
			continue
		}
		if _, err := reg.Add(cfg); err != nil {
			log.Printf("skipping device %s: %v", cfg.Identifier, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	go func() {
		defer cancelStartup()
		reg.ConnectAll(startupCtx)
	}()

	checker := version.NewChecker(Version)
	go checker.Start(ctx)

	var opts []server.Option
	if corsOrigin != "" {
		opts = append(opts, server.WithCORSOrigin(corsOrigin))
	}
	opts = append(opts, server.WithRegistry(reg))
	opts = append(opts, server.WithVersionChecker(checker))
	srv := server.NewServer(s, opts...)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("plexlink %s listening on %s", Version, listenAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
