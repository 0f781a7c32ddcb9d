package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LittleDevMars/sva/internal/adapter/bridge"
	"github.com/LittleDevMars/sva/internal/adapter/sqlite"
	ytdlpAdapter "github.com/LittleDevMars/sva/internal/adapter/ytdlp"
	"github.com/LittleDevMars/sva/internal/config"
	"github.com/LittleDevMars/sva/internal/scheduler"
)

func main() {
	cfg := config.Load()

	log.Printf("starting sva bridge on port %d", cfg.Port)
	log.Printf("history database: %s", cfg.DBPath)
	log.Printf("settings file: %s", cfg.SettingsPath)

	// Initialize history ledger
	history, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer history.Close()

	if cfg.ClearHistory {
		if err := history.Clear(context.Background()); err != nil {
			log.Fatalf("failed to clear history: %v", err)
		}
		log.Println("download history cleared")
		return
	}

	// Initialize persistent settings
	settings, err := config.NewStore(cfg.SettingsPath)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Initialize yt-dlp adapters and the scheduler
	sched := scheduler.New(ytdlpAdapter.NewExtractor(), ytdlpAdapter.NewTransfer(), history, settings)

	// Initialize bridge server
	srv := bridge.NewServer(sched, settings, history, cfg.Port)
	if err := srv.Listen(); err != nil {
		log.Fatalf("failed to bind bridge port: %v", err)
	}

	// Graceful shutdown setup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start scheduler
	go sched.Run(ctx)

	// Start bridge server
	go func() {
		if err := srv.Serve(); err != nil {
			log.Printf("bridge server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	// Cancel scheduler context; in-flight downloads are aborted
	cancel()

	// Shutdown bridge server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("bridge shutdown error: %v", err)
	}

	log.Println("shutdown complete")
}
