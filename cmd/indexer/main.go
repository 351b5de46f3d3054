// Command indexer indexes a folder from the command line, or runs a search
// against an existing index.
//
//	indexer [flags] <folder>
//	indexer --search "red car" [--top-k 5] [--min-score 0.3]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pablobfonseca/go-media-vector/config"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/search"
	"github.com/pablobfonseca/go-media-vector/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	fs := pflag.NewFlagSet("indexer", pflag.ExitOnError)
	envFile := fs.String("env", ".env", "env file to read settings from")
	full := fs.Bool("full", false, "re-embed every file instead of only changed ones")
	query := fs.String("search", "", "search the index instead of indexing")
	kind := fs.String("kind", "", "restrict search results to image or video")
	fs.String("quantization", "float16", "embedding precision: float32, float16 or int8")
	fs.Int("batch-size", 32, "frames per model call")
	fs.Int("max-frames", 30, "frame cap per video")
	fs.Int("workers", 2, "files processed concurrently")
	fs.Int("top-k", 20, "maximum search results")
	fs.Float64("min-score", 0.2, "minimum similarity, fraction or percentage")
	fs.String("db", "./media_vectors.db", "sqlite database path")
	fs.Parse(os.Args[1:])

	v := viper.New()
	for key, flag := range map[string]string{
		"QUANTIZATION": "quantization",
		"BATCH_SIZE":   "batch-size",
		"MAX_FRAMES":   "max-frames",
		"WORKER_COUNT": "workers",
		"TOP_K":        "top-k",
		"MIN_SCORE":    "min-score",
		"DB_PATH":      "db",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			logrus.WithError(err).Fatal("Failed to bind flag")
		}
	}
	cfg, err := config.Load(v, *envFile)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	pipeline, err := services.NewPipeline(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start pipeline")
	}
	defer pipeline.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *query != "" {
		k, err := models.ParseMediaKind(*kind)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid --kind")
		}
		runSearch(ctx, pipeline, *query, search.Query{TopK: cfg.TopK, MinScore: cfg.MinScore, Kind: k})
		return
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: indexer [flags] <folder>")
		fs.PrintDefaults()
		os.Exit(2)
	}
	incremental := cfg.Incremental && !*full
	if err := runIndex(ctx, pipeline, models.IndexRequest{Root: fs.Arg(0), Incremental: incremental}); err != nil {
		pipeline.Close()
		logrus.WithError(err).Fatal("Indexing failed")
	}
}

// runIndex starts the job and polls its state once a second until it
// leaves the running status.
func runIndex(ctx context.Context, p *services.Pipeline, req models.IndexRequest) error {
	orch := p.Orchestrator
	if _, err := orch.Start(req); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping after the current files...")
			orch.Cancel()
			orch.Wait()
		case <-ticker.C:
		}
		state := orch.State()
		fmt.Printf("\r[%5.1f%%] %d/%d %-60.60s", state.Progress(), state.ProcessedCount, state.TotalCount, state.Message)
		if state.Running() {
			continue
		}
		fmt.Println()
		if state.Status == models.JobStatusError {
			return fmt.Errorf("%s", state.Message)
		}
		stats, err := p.Store.Stats(context.Background())
		if err == nil {
			fmt.Printf("Total embeddings in database: %d (dim %d)\n", stats.Count, stats.EmbeddingDim)
		}
		return nil
	}
}

func runSearch(ctx context.Context, p *services.Pipeline, text string, q search.Query) {
	if _, err := p.Embedder.Load(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to load model")
	}
	results, err := p.Search.Search(ctx, text, q)
	if err != nil {
		logrus.WithError(err).Fatal("Search failed")
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, r := range results {
		fmt.Printf("%2d. %3d%%  %-6s %s\n", i+1, r.Score, r.Kind, r.Path)
	}
}
