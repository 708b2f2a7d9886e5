package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/edit-relay/backend/internal/config"
	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/store"
)

// The snapshot read API bypasses the live relay entirely: it serves the
// persisted snapshot JSON straight from the store, for cold reads and
// debugging.
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

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/api/:docId", func(c *gin.Context) {
		docID := c.Param("docId")

		data, err := st.RawSnapshot(c.Request.Context(), docID)
		if err != nil {
			logger.Error("failed to read snapshot for doc %s: %v", docID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store error"})
			return
		}
		if data == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		c.Data(http.StatusOK, "application/json", data)
	})

	logger.Info("snapshot API starting on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Fatal("failed to start server: %v", err)
	}
}
