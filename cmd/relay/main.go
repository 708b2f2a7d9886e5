package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/edit-relay/backend/internal/config"
	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/relay"
	"github.com/edit-relay/backend/internal/store"
)

const (
	evictInterval = 30 * time.Second
	evictIdle     = 5 * time.Minute
)

func main() {
	// Load .env file if exists
	godotenv.Load()

	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to Redis: %v", err)
	}
	defer st.Close()

	registry := relay.NewRegistry(st)
	persister := relay.NewPersister(st, 0)
	server := relay.NewServer(cfg.ServerID, registry, persister, st)

	broker := relay.NewBroker(cfg.ServerID, registry, persister, st)
	if err := broker.Run(ctx); err != nil {
		logger.Fatal("failed to start ops subscriber: %v", err)
	}

	go registry.RunEvictor(ctx, evictInterval, evictIdle)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(server.Stats())
	})

	mux.HandleFunc("/ws", server.HandleWebSocket)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     corsMiddleware(mux),
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("relay server %s starting on port %s", cfg.ServerID, cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed: %v", err)
	}

	registry.CloseAll()
	cancel()

	// Best-effort flush of the latest state per doc before draining.
	for docID, rec := range registry.FinalSnapshots() {
		persister.Enqueue(docID, rec)
	}
	persister.Close()

	logger.Info("server stopped")
}

// corsMiddleware adds CORS headers for browser clients that reach a replica
// directly instead of through the proxy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
