package vectorstore

import (
	"context"
	"fmt"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PgStore keeps vectors in postgres with the pgvector extension and lets
// an HNSW cosine index do the ranking.
type PgStore struct {
	records
}

// NewPgStore migrates the tables. The embedding columns stay untyped until
// Prepare learns the model dimension.
func NewPgStore(db *gorm.DB) (*PgStore, error) {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if err := db.AutoMigrate(&models.MediaRecord{}, &models.FrameVector{}); err != nil {
		return nil, fmt.Errorf("failed to migrate vector tables: %w", err)
	}
	return &PgStore{records{db: db}}, nil
}

func (s *PgStore) Prepare(ctx context.Context, dim int) error {
	current, err := s.columnDim(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		// the column may be untyped but already hold vectors
		if current, err = s.dimension(ctx); err != nil {
			return err
		}
	}
	if current > 0 && current != dim {
		return fmt.Errorf("%w: store has %d, model has %d", ErrDimensionMismatch, current, dim)
	}

	db := s.db.WithContext(ctx)
	for _, table := range []string{models.MediaRecord{}.TableName(), models.FrameVector{}.TableName()} {
		stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN embedding TYPE vector(%d)", table, dim)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to type %s.embedding: %w", table, err)
		}
	}
	return db.Exec("CREATE INDEX IF NOT EXISTS media_records_embedding_idx ON media_records USING hnsw (embedding vector_cosine_ops)").Error
}

// columnDim returns the declared vector(n) size, 0 for an untyped column.
func (s *PgStore) columnDim(ctx context.Context) (int, error) {
	var typmod int
	err := s.db.WithContext(ctx).Raw(
		"SELECT atttypmod FROM pg_attribute WHERE attrelid = 'media_records'::regclass AND attname = 'embedding'",
	).Scan(&typmod).Error
	if err != nil {
		return 0, err
	}
	return max(typmod, 0), nil
}

func (s *PgStore) Upsert(ctx context.Context, rec models.MediaRecord) error {
	return s.upsert(ctx, rec)
}

func (s *PgStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}

func (s *PgStore) Get(ctx context.Context, id string) (models.MediaRecord, error) {
	return s.get(ctx, id)
}

func (s *PgStore) Query(ctx context.Context, vec []float32, opts QueryOptions) ([]models.SearchResult, error) {
	if opts.TopK <= 0 {
		return []models.SearchResult{}, nil
	}
	v := pgvector.NewVector(vec)

	q := s.db.WithContext(ctx).Model(&models.MediaRecord{}).
		Select("id, path, filename, kind, 1 - (embedding <=> ?) AS similarity", v)
	if opts.MinScore > 0 {
		q = q.Where("1 - (embedding <=> ?) >= ?", v, opts.MinScore-scoreEpsilon)
	}
	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}
	q = q.Clauses(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?, id", Vars: []any{v}}}).
		Limit(opts.TopK)

	var results []models.SearchResult
	if err := q.Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to search database: %w", err)
	}
	for i := range results {
		results[i].Score = Score(results[i].Similarity)
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return results, nil
}

func (s *PgStore) Stats(ctx context.Context) (Stats, error) {
	n, err := s.count(ctx)
	if err != nil {
		return Stats{}, err
	}
	dim, err := s.columnDim(ctx)
	if err != nil {
		return Stats{}, err
	}
	if dim == 0 {
		dim, err = s.dimension(ctx)
	}
	return Stats{Count: n, EmbeddingDim: dim}, err
}
