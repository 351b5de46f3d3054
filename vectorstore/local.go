package vectorstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/pablobfonseca/go-media-vector/embedder"
	"github.com/pablobfonseca/go-media-vector/models"
	"gorm.io/gorm"
)

const localScanBatch = 500

// LocalStore keeps vectors in an embedded sqlite file and ranks them by
// brute-force cosine similarity. It suits single-machine libraries of up to
// a few hundred thousand files.
type LocalStore struct {
	records
}

func NewLocalStore(db *gorm.DB) (*LocalStore, error) {
	if err := db.AutoMigrate(&models.MediaRecord{}, &models.FrameVector{}); err != nil {
		return nil, fmt.Errorf("failed to migrate vector tables: %w", err)
	}
	return &LocalStore{records{db: db}}, nil
}

func (s *LocalStore) Prepare(ctx context.Context, dim int) error {
	current, err := s.dimension(ctx)
	if err != nil {
		return err
	}
	if current > 0 && current != dim {
		return fmt.Errorf("%w: store has %d, model has %d", ErrDimensionMismatch, current, dim)
	}
	return nil
}

func (s *LocalStore) Upsert(ctx context.Context, rec models.MediaRecord) error {
	return s.upsert(ctx, rec)
}

func (s *LocalStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}

func (s *LocalStore) Get(ctx context.Context, id string) (models.MediaRecord, error) {
	return s.get(ctx, id)
}

func (s *LocalStore) Query(ctx context.Context, vec []float32, opts QueryOptions) ([]models.SearchResult, error) {
	if opts.TopK <= 0 {
		return []models.SearchResult{}, nil
	}

	var (
		results []models.SearchResult
		batch   []models.MediaRecord
	)
	q := s.db.WithContext(ctx).Model(&models.MediaRecord{}).Select("id", "path", "filename", "kind", "embedding")
	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}
	err := q.FindInBatches(&batch, localScanBatch, func(tx *gorm.DB, _ int) error {
		for _, rec := range batch {
			stored := rec.Embedding.Slice()
			if len(stored) != len(vec) {
				return fmt.Errorf("%w: store has %d, query has %d", ErrDimensionMismatch, len(stored), len(vec))
			}
			sim := embedder.Cosine(vec, stored)
			if !passes(sim, opts.MinScore) {
				continue
			}
			results = append(results, models.SearchResult{
				ID:         rec.ID,
				Similarity: sim,
				Score:      Score(sim),
				Filename:   rec.Filename,
				Path:       rec.Path,
				Kind:       rec.Kind,
			})
		}
		return nil
	}).Error
	if err != nil {
		return nil, err
	}

	SortResults(results)
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return results, nil
}

func (s *LocalStore) Stats(ctx context.Context) (Stats, error) {
	n, err := s.count(ctx)
	if err != nil {
		return Stats{}, err
	}
	dim, err := s.dimension(ctx)
	return Stats{Count: n, EmbeddingDim: dim}, err
}

// SortResults orders by descending similarity, then ascending id.
func SortResults(results []models.SearchResult) {
	slices.SortStableFunc(results, func(a, b models.SearchResult) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
