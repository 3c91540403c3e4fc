package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/teamspace/backend/internal/api"
	"github.com/teamspace/backend/internal/auth"
	"github.com/teamspace/backend/internal/collab"
	"github.com/teamspace/backend/internal/db"
	"github.com/teamspace/backend/internal/events"
	"github.com/teamspace/backend/internal/ratelimit"
	"github.com/teamspace/backend/internal/redis"
)

func main() {
	// Load .env file if exists
	godotenv.Load()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	database, err := db.New(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Redis is optional: without it, invalidations and user events
	// stay instance-local
	var pubsub *redis.PubSub
	if os.Getenv("REDIS_URL") != "" {
		pubsub, err = redis.New(ctx, uuid.New().String())
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer pubsub.Close()
	}

	sessions := auth.NewSessionGate(database)
	connLimiter := ratelimit.NewConnLimiter()
	defer connLimiter.Stop()

	registry := collab.NewRegistry(database, pubsub)
	collabServer := collab.NewServer(registry, sessions, database, connLimiter)
	eventServer := events.NewServer(sessions, connLimiter, pubsub)

	// Create Gin router
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is *
		MaxAge:           12 * time.Hour,
	}))

	handler := api.NewHandler(registry, collabServer, eventServer)
	handler.RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Timeouts harden against slow-read attacks; WebSocket
	// connections are hijacked and clear their deadlines on upgrade
	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 65 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}

	// Final persistence of every dirty room
	registry.Shutdown()

	cancel()
	log.Println("Server stopped")
}
