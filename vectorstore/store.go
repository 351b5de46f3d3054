// Package vectorstore persists one aggregated embedding per media file and
// answers nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"errors"
	"math"

	"github.com/pablobfonseca/go-media-vector/database"
	"github.com/pablobfonseca/go-media-vector/models"
	"gorm.io/gorm"
)

var (
	ErrDimensionMismatch = models.ErrDimensionMismatch
	ErrNotFound          = errors.New("media record not found")
)

// scoreEpsilon absorbs float noise so an identical vector still clears a
// min score of 1.0.
const scoreEpsilon = 1e-6

type QueryOptions struct {
	TopK     int
	MinScore float64          // fraction in [0,1]
	Kind     models.MediaKind // empty = any
}

type Stats struct {
	Count        int64 `json:"count"`
	EmbeddingDim int   `json:"embedding_dim"`
}

// Store is the vector database contract. Upsert replaces any record with
// the same id; Query returns matches ordered by descending similarity, ties
// broken by ascending id.
type Store interface {
	// Prepare checks the store can hold vectors of dim, creating or typing
	// the schema if needed. It fails with ErrDimensionMismatch when the
	// stored vectors disagree.
	Prepare(ctx context.Context, dim int) error
	Upsert(ctx context.Context, rec models.MediaRecord) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (models.MediaRecord, error)
	Query(ctx context.Context, vec []float32, opts QueryOptions) ([]models.SearchResult, error)
	Stats(ctx context.Context) (Stats, error)
}

// Score maps a cosine similarity onto the 0-100 scale shown to users.
func Score(similarity float64) int {
	return int(math.Round(max(0, similarity) * 100))
}

// NormalizeMinScore accepts either a fraction or a percentage and returns a
// fraction clamped to [0,1].
func NormalizeMinScore(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	return min(max(v, 0), 1)
}

// passes compares on the clamped scale, so a min score of 0 keeps
// anti-correlated records.
func passes(similarity, minScore float64) bool {
	return max(0, similarity)+scoreEpsilon >= minScore
}

// Open picks the store matching db's dialect.
func Open(db *gorm.DB) (Store, error) {
	if database.IsPostgres(db) {
		return NewPgStore(db)
	}
	return NewLocalStore(db)
}
