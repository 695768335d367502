// Command agentwire runs the agent-event streaming server: a WebSocket
// gateway multiplexing stream sessions, with a scripted engine behind it.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentwire/agentwire/internal/checkpoint"
	"github.com/agentwire/agentwire/internal/config"
	"github.com/agentwire/agentwire/internal/engine"
	"github.com/agentwire/agentwire/internal/gateway"
	"github.com/agentwire/agentwire/internal/hub"
	"github.com/agentwire/agentwire/internal/policy"
	"github.com/agentwire/agentwire/internal/session"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	log.Printf("Starting agentwire...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("Health Port: %d", cfg.HealthPort)
	log.Printf("Checkpoints: %s", cfg.CheckpointDSN)

	// Initialize checkpoint store
	checkpoints, err := checkpoint.NewSQLiteStore(cfg.CheckpointDSN)
	if err != nil {
		log.Fatalf("Failed to initialize checkpoint store: %v", err)
	}
	defer checkpoints.Close()

	// Initialize policy engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize stream session controller
	sessions := session.New(session.Config{
		AllowedEvents:     cfg.AllowedEvents,
		RunTimeout:        cfg.RunTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		FinalizeGrace:     cfg.FinalizeGrace,
		Checkpoints:       checkpoints,
	})

	// Initialize hub
	connectionHub := hub.New()
	go connectionHub.Run()

	// Initialize gateway
	gw := gateway.NewServer(cfg, connectionHub, engine.NewScriptedRunner(), policyEngine, sessions)

	// WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", gw.HandleWebSocket)

	// Health Echo server
	healthEcho := echo.New()
	healthEcho.HideBanner = true
	healthEcho.HidePort = true
	healthEcho.Use(middleware.Recover())
	healthEcho.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"ok":          true,
			"connections": connectionHub.ConnectionCount(),
		})
	})

	// Periodic checkpoint cleanup
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := checkpoints.CleanupOlderThan(ctx, cfg.CheckpointMaxAge)
				if err != nil {
					log.Printf("WARN: checkpoint cleanup failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("Cleaned up %d expired checkpoints", n)
				}
			}
		}
	}()

	// Start WebSocket server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}()

	// Start health server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		if err := healthEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start health server: %v", err)
		}
	}()

	log.Printf("WebSocket server started on port %d", cfg.WSPort)
	log.Printf("Health server started on port %d", cfg.HealthPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agentwire...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
	}
	if err := healthEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown health server gracefully: %v", err)
	}

	log.Println("Agentwire stopped")
}
