package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archiver_server/config"
	"archiver_server/internal/bootstrap"
	"archiver_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Init(logger.Config{Level: logger.LevelInfo, Service: "invoice-archiver"})
		logger.Fatal("Failed to load config: %v", err)
	}

	logLevel := logger.ParseLevel(cfg.LogLevel)
	if cfg.IsDevelopment() && os.Getenv("LOG_LEVEL") == "" {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "invoice-archiver-" + *mode,
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	switch *mode {
	case "api":
		runAPI(cfg)
	case "worker":
		runWorker(cfg)
	case "all":
		runAll(cfg)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runAPI(cfg *config.Config) {
	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize API: %v", err)
	}
	defer cleanup()

	go listen(app, cfg)

	waitForSignal()
	shutdownAPI(app)
}

func runWorker(cfg *config.Config) {
	worker, cleanup, err := bootstrap.NewWorker(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize worker: %v", err)
	}
	defer cleanup()

	go startWorker(worker)

	waitForSignal()
	stopWorker(worker)
}

// runAll shares one set of dependencies so the API can queue onto the
// in-process pool when Redis is absent.
func runAll(cfg *config.Config) {
	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	worker := bootstrap.NewWorkerWithDeps(deps)
	app := bootstrap.NewAPIWithDeps(deps, worker)

	go startWorker(worker)
	go listen(app, cfg)

	waitForSignal()
	shutdownAPI(app)
	stopWorker(worker)
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

func startWorker(worker *bootstrap.Worker) {
	logger.Info("Starting worker...")
	if err := worker.Start(); err != nil {
		logger.Fatal("Failed to start worker: %v", err)
	}
}

func listen(app *fiber.App, cfg *config.Config) {
	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func shutdownAPI(app *fiber.App) {
	logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("Error shutting down: %v", err)
		return
	}
	logger.Info("API server shut down gracefully")
}

func stopWorker(worker *bootstrap.Worker) {
	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

	// Worker.Stop() already has internal timeout, but we add outer timeout as safety
	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Worker shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
