package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"siren-signal/internal/accounts"
	"siren-signal/internal/auth"
	"siren-signal/internal/blob"
	"siren-signal/internal/chat"
	"siren-signal/internal/config"
	"siren-signal/internal/engine"
	"siren-signal/internal/notifier"
	"siren-signal/internal/registry"
	"siren-signal/internal/reports"
	"siren-signal/internal/store"
)

func main() {
	cfgPath := flag.String("config", "/etc/sirend.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	st := store.NewRedisStore(cfg.RedisAddr)
	defer st.Close()
	reg := registry.NewRedisRegistry(cfg.RedisAddr)

	var recordings blob.Storage
	if cfg.S3.Bucket != "" {
		recordings, err = blob.NewS3Storage(ctx, cfg.S3.Region, cfg.S3.Bucket)
		if err != nil {
			log.Fatalf("s3 storage: %v", err)
		}
	} else {
		log.Println("No S3 bucket configured, keeping recordings in memory")
		recordings = blob.NewMemoryStorage(cfg.PublicURL)
	}

	cc := engine.NewCallControl(st, recordings, engine.Options{
		RingTimeout:    cfg.Calls.RingTimeout(),
		SessionTimeout: cfg.Calls.SessionTimeout(),
		SweepInterval:  cfg.Calls.SweepInterval(),
	})
	nt := notifier.New(st, cc)
	rp := reports.NewService(st)
	ch := chat.NewService(st)
	ac := accounts.NewService(st)
	am := auth.NewManager(cfg.JWTSecret)

	admin := engine.NewAdminAPI(cc, nt, rp, ch, ac, reg, recordings, am, cfg.AdminKey)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	go cc.RunSweeper(ctx)
	go func() {
		if err := nt.Run(ctx); err != nil {
			log.Printf("Notifier failed: %v", err)
			cancel()
		}
	}()

	log.Printf("Siren signaling service listening on %s", cfg.ListenAddr)
	if err := admin.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
