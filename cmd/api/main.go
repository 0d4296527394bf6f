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

	"github.com/wenwu/saas-platform/provisioning-service/internal/cache"
	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
	"github.com/wenwu/saas-platform/provisioning-service/internal/db"
	apihttp "github.com/wenwu/saas-platform/provisioning-service/internal/http"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/service"
)

func main() {
	log.Println("Starting Provisioning Service...")

	// Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	pool, err := db.NewPool(cfg.Database.DSN(), cfg.Database.Schema)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Initialize redis cache
	customerCache := cache.New(cfg.Redis)
	defer customerCache.Close()

	// Initialize repositories
	orderRepo := repository.NewOrderRepository(pool)
	planRepo := repository.NewPlanRepository(pool)
	serverRepo := repository.NewServerRepository(pool)
	inboundRepo := repository.NewInboundRepository(pool)
	clientRepo := repository.NewClientRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// Initialize clients
	panelClient := client.NewPanelClient()
	platformClient := client.NewPlatformClient(
		cfg.Services.StorefrontServiceURL,
		cfg.InternalSecret,
	)

	// Initialize services
	inboundService := service.NewInboundService(cfg, inboundRepo, panelClient)
	provisionService := service.NewProvisionService(
		cfg,
		orderRepo,
		planRepo,
		serverRepo,
		inboundRepo,
		clientRepo,
		auditRepo,
		inboundService,
		panelClient,
		customerCache,
		platformClient,
	)

	// Initialize HTTP server
	server := apihttp.NewServer(cfg, provisionService)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: server.Engine(),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}

	log.Println("Server exited")
}
