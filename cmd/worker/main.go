package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pablobfonseca/go-media-vector/config"
	"github.com/pablobfonseca/go-media-vector/queue"
	"github.com/pablobfonseca/go-media-vector/services"
	"github.com/pablobfonseca/go-media-vector/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	cfg, err := config.Load(viper.New(), ".env")
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	if !cfg.Redis.Enabled() {
		cfg.Redis.Addr = "localhost:6379"
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	pipeline, err := services.NewPipeline(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start pipeline")
	}
	defer pipeline.Close()

	// Setup context with cancellation for clean shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.New(ctx, cfg.Redis)
	defer q.Close()
	pipeline.Orchestrator.WithStatusSink(q)

	w := worker.NewWorker(q, pipeline.Orchestrator)
	w.Start(ctx)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	w.Stop()
}
