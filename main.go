package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pablobfonseca/go-media-vector/api"
	"github.com/pablobfonseca/go-media-vector/config"
	"github.com/pablobfonseca/go-media-vector/queue"
	"github.com/pablobfonseca/go-media-vector/search"
	"github.com/pablobfonseca/go-media-vector/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	cfg, err := config.Load(viper.New(), ".env")
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	pipeline, err := services.NewPipeline(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start pipeline")
	}
	defer pipeline.Close()

	var dispatch api.Dispatcher = api.NewLocalDispatcher(pipeline.Orchestrator)
	if cfg.IndexDispatch == "queue" {
		q := queue.New(context.Background(), cfg.Redis)
		defer q.Close()
		dispatch = api.NewQueueDispatcher(q)
	} else if cfg.Redis.Enabled() {
		q := queue.New(context.Background(), cfg.Redis)
		defer q.Close()
		pipeline.Orchestrator.WithStatusSink(q)
	}

	server := api.NewServer(pipeline.Search, pipeline.Store, pipeline.Thumbnails, dispatch, search.Query{
		TopK:     cfg.TopK,
		MinScore: cfg.MinScore,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}

	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("Shutting down...")
	pipeline.Orchestrator.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server shutdown failed")
	}
	pipeline.Orchestrator.Wait()
}
