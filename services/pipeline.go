package services

import (
	"fmt"

	"github.com/pablobfonseca/go-media-vector/config"
	"github.com/pablobfonseca/go-media-vector/database"
	"github.com/pablobfonseca/go-media-vector/embedder"
	"github.com/pablobfonseca/go-media-vector/fingerprint"
	"github.com/pablobfonseca/go-media-vector/indexer"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"github.com/pablobfonseca/go-media-vector/search"
	"github.com/pablobfonseca/go-media-vector/thumbnail"
	"github.com/pablobfonseca/go-media-vector/vectorstore"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Pipeline is every long-lived component a binary needs, built from one
// Config.
type Pipeline struct {
	DB           *gorm.DB
	Store        vectorstore.Store
	Fingerprints *fingerprint.Store
	Embedder     *embedder.Adapter
	Orchestrator *indexer.Orchestrator
	Search       *search.Engine
	Thumbnails   *thumbnail.Provider
}

func NewPipeline(cfg *config.Config) (*Pipeline, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.Open(db)
	if err != nil {
		return nil, err
	}
	fps, err := fingerprint.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate fingerprints: %w", err)
	}

	// a nil *FFmpeg must not end up inside the interfaces
	var (
		decoder  sampler.VideoDecoder
		detector sampler.SceneDetector
	)
	if ff, err := sampler.NewFFmpeg(cfg.FFmpegBin, cfg.FFprobeBin); err != nil {
		logrus.WithError(err).Warn("Video decoding disabled, videos will fail to index")
	} else {
		ff.SceneThreshold = cfg.SceneThreshold
		ff.MinSceneSeconds = cfg.MinSceneSeconds
		decoder = ff
		if cfg.SceneDetection {
			detector = ff
		}
	}
	smp := sampler.New(decoder, detector, sampler.Options{
		MaxFrames:     cfg.MaxFrames,
		DecodeTimeout: cfg.DecodeTimeout,
	})

	client := NewEmbeddingClient(cfg.EmbeddingHost, cfg.EmbeddingModel, cfg.Device, cfg.EmbeddingDim)
	adapter := embedder.New(client, embedder.Options{
		BatchSize:    cfg.BatchSize,
		Quantization: cfg.Quantization,
		Timeout:      cfg.ModelTimeout,
		Rate:         cfg.ModelRate,
	})

	orch := indexer.New(smp, adapter, store, fps, indexer.Options{
		WorkerCount:       cfg.WorkerCount,
		StoreFrameVectors: cfg.StoreFrameVectors,
	})

	logrus.WithFields(logrus.Fields{
		"db":           cfg.DB.Driver,
		"model":        cfg.EmbeddingModel,
		"quantization": cfg.Quantization,
		"scenes":       detector != nil,
	}).Info("Pipeline ready")

	return &Pipeline{
		DB:           db,
		Store:        store,
		Fingerprints: fps,
		Embedder:     adapter,
		Orchestrator: orch,
		Search:       search.NewEngine(adapter, store),
		Thumbnails:   thumbnail.NewProvider(store, decoder),
	}, nil
}

func (p *Pipeline) Close() error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
