package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/maphilipps/dealhunter"
	"github.com/maphilipps/dealhunter/postgres"
	"github.com/maphilipps/dealhunter/server"
	"github.com/maphilipps/dealhunter/steps"
	"github.com/maphilipps/dealhunter/stream"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		listen     = flag.String("listen", "", "listen address (overrides config)")
		pipeline   = flag.String("pipeline", "", "pipeline preset: intake, qualification, deep_scan (overrides config)")
		dataDir    = flag.String("data-dir", "", "directory for file-based checkpoints and step logs (overrides config)")
	)
	flag.Parse()

	config, err := dealhunter.LoadConfig(*configPath)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if *listen != "" {
		config.Listen = *listen
	}
	if *pipeline != "" {
		config.Pipeline = *pipeline
	}
	if *dataDir != "" {
		config.DataDir = *dataDir
	}

	logger := dealhunter.NewLogger(dealhunter.ParseLogLevel(config.LogLevel))
	if config.LogFormat == "json" {
		logger = dealhunter.NewJSONLogger(dealhunter.ParseLogLevel(config.LogLevel))
	}

	registry, ok := steps.Preset(config.Pipeline)
	if !ok {
		color.Red("Error: unknown pipeline %q", config.Pipeline)
		os.Exit(1)
	}
	color.Cyan("Pipeline: %s (%d steps)", config.Pipeline, registry.Len())

	ctx := context.Background()

	// Durable state: PostgreSQL when configured, otherwise in-memory
	// records with file-based checkpoints.
	var runs dealhunter.RunStore
	var checkpointer dealhunter.Checkpointer
	if config.DatabaseURL != "" {
		store, err := postgres.Open(ctx, config.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		runs = store
		checkpointer = store
		color.Blue("Storage: postgres")
	} else {
		runs = dealhunter.NewMemoryRunStore()
		fileCheckpointer, err := dealhunter.NewFileCheckpointer(config.DataDir)
		if err != nil {
			log.Fatalf("Failed to create checkpointer: %v", err)
		}
		checkpointer = fileCheckpointer
		color.Blue("Storage: in-memory records, file checkpoints")
	}

	var stepLogger dealhunter.StepLogger = dealhunter.NewNullStepLogger()
	if config.DataDir != "" {
		stepLogger = dealhunter.NewFileStepLogger(config.DataDir + "/steplogs")
		color.Blue("Step logs: %s/steplogs", config.DataDir)
	}

	broker := stream.NewBroker(
		stream.WithBufferSize(config.Stream.BufferSize),
		stream.WithLogger(logger),
	)

	engine, err := dealhunter.NewEngine(dealhunter.EngineOptions{
		Registry:           registry,
		Pipeline:           config.Pipeline,
		Runs:               runs,
		Checkpointer:       checkpointer,
		StepLogger:         stepLogger,
		Events:             broker,
		Logger:             logger,
		MaxConcurrentSteps: config.Engine.MaxConcurrentSteps,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	service, err := dealhunter.NewService(dealhunter.ServiceOptions{
		Engine:           engine,
		Runs:             runs,
		Checkpointer:     checkpointer,
		QueueConcurrency: config.Queue.Concurrency,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}
	defer service.Stop()

	srv, err := server.New(server.Options{
		Service:       service,
		Broker:        broker,
		StreamTimeout: config.Stream.Timeout.Std(),
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	httpServer := &http.Server{Addr: config.Listen, Handler: srv}
	go func() {
		color.Green("Listening on %s", config.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	fmt.Println()
	color.Yellow("Shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
