package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ahrdadan/callrepro/internal/api"
	"github.com/ahrdadan/callrepro/internal/browser"
	"github.com/ahrdadan/callrepro/internal/config"
	"github.com/ahrdadan/callrepro/internal/metrics"
	"github.com/ahrdadan/callrepro/internal/nats"
	"github.com/ahrdadan/callrepro/internal/queue"
)

func main() {
	cfg := config.ParseFlags()
	config.HandleFlags(cfg)

	log.Printf("Starting %s v%s (repro server)", config.AppName, config.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Browser setup
	opts := cfg.BrowserOptions()
	if cfg.InstallChrome {
		bin, err := browser.Install(ctx, opts, cfg.ChromeRevision)
		if err != nil {
			log.Fatalf("Failed to install browser: %v", err)
		}
		if bin != "" {
			opts.ChromeBin = bin
		}
	}

	launcher, err := browser.NewLauncher(opts)
	if err != nil {
		log.Fatalf("Failed to create browser launcher: %v", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	// NATS + JetStream setup
	log.Printf("Setting up NATS JetStream...")
	natsServer, err := nats.NewServer(nats.ServerConfig{
		BinPath:  cfg.NatsBin,
		StoreDir: cfg.NatsStore,
		URL:      cfg.NatsURL,
	})
	if err != nil {
		log.Fatalf("Failed to create NATS server: %v", err)
	}

	// The spawned nats-server must outlive the signal context so the
	// worker can finish its run during shutdown.
	if err := natsServer.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start NATS server: %v", err)
	}
	defer func() { _ = natsServer.Stop() }()

	queueManager, err := queue.NewManager(natsServer.GetJetStream())
	if err != nil {
		log.Fatalf("Failed to create queue manager: %v", err)
	}

	m := metrics.New()
	processor := queue.NewReproProcessor(launcher, cfg.Scenario(), nats.NewPublisher(natsServer.GetConnection()), m)
	if err := queueManager.Start(processor); err != nil {
		log.Fatalf("Failed to start queue processor: %v", err)
	}
	defer queueManager.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      config.AppName,
		ErrorHandler: api.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	health := api.NewHealthHandler(string(opts.Engine), func() bool {
		nc := natsServer.GetConnection()
		return nc != nil && nc.IsConnected()
	})

	rateLimiter := api.SetupRoutes(app, queueManager, health, m.Handler(), api.RouteConfig{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		ResultTTL:         cfg.ResultTTL,
		LogDir:            cfg.LogDir,
		BaseURL:           cfg.BaseURL,
	})
	defer rateLimiter.Stop()

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("Starting server on %s", addr)
	log.Printf("Browser engine: %s, target: %s", opts.Engine, cfg.TargetURL)
	log.Printf("NATS JetStream enabled at %s", cfg.NatsURL)

	if err := app.Listen(addr); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}
