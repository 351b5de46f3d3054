package vectorstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pablobfonseca/go-media-vector/database"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	s, err := NewLocalStore(db)
	require.NoError(t, err)
	return s
}

func record(id string, kind models.MediaKind, vec ...float32) models.MediaRecord {
	return models.MediaRecord{
		ID:        id,
		Path:      "/media/" + id,
		Filename:  id,
		Kind:      kind,
		Embedding: pgvector.NewVector(vec),
		IndexedAt: time.Unix(1700000000, 0),
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("a", models.MediaKindImage, 1, 0)
	require.NoError(t, s.Upsert(ctx, rec))
	require.NoError(t, s.Upsert(ctx, rec))

	rec.Embedding = pgvector.NewVector([]float32{0, 1})
	rec.FrameCount = 3
	require.NoError(t, s.Upsert(ctx, rec))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Count: 1, EmbeddingDim: 2}, stats)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, got.Embedding.Slice())
	assert.Equal(t, 3, got.FrameCount)
}

func TestUpsertReplacesFrames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("v", models.MediaKindVideo, 1, 0)
	rec.Frames = []models.FrameVector{
		{Index: 0, Timestamp: 1, Embedding: pgvector.NewVector([]float32{1, 0})},
		{Index: 1, Timestamp: 3, Embedding: pgvector.NewVector([]float32{0, 1})},
	}
	require.NoError(t, s.Upsert(ctx, rec))

	rec.Frames = rec.Frames[:1]
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, "v")
	require.NoError(t, err)
	require.Len(t, got.Frames, 1)
	assert.Equal(t, "v", got.Frames[0].RecordID)
	assert.Equal(t, 1.0, got.Frames[0].Timestamp)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, record("a", models.MediaKindImage, 1, 0)))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "missing"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Prepare(ctx, 2))
	require.NoError(t, s.Upsert(ctx, record("a", models.MediaKindImage, 1, 0)))

	assert.ErrorIs(t, s.Upsert(ctx, record("b", models.MediaKindImage, 1, 0, 0)), ErrDimensionMismatch)
	assert.ErrorIs(t, s.Prepare(ctx, 3), ErrDimensionMismatch)
	assert.NoError(t, s.Prepare(ctx, 2))
}

func seed(t *testing.T, s *LocalStore) {
	t.Helper()
	ctx := context.Background()
	// similarities against (1,0): c=1.0, b=a=0.6, d=0, e=-0.6
	for _, rec := range []models.MediaRecord{
		record("b", models.MediaKindImage, 0.6, 0.8),
		record("a", models.MediaKindVideo, 0.6, -0.8),
		record("c", models.MediaKindImage, 1, 0),
		record("d", models.MediaKindVideo, 0, 1),
		record("e", models.MediaKindImage, -0.6, 0.8),
	} {
		require.NoError(t, s.Upsert(ctx, rec))
	}
}

func ids(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestQueryOrderingAndTies(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	results, err := s.Query(context.Background(), []float32{1, 0}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "d", "e"}, ids(results))
	assert.Equal(t, 100, results[0].Score)
	assert.Equal(t, 60, results[1].Score)
	assert.Equal(t, 0, results[4].Score)
	assert.Equal(t, "/media/c", results[0].Path)
}

func TestQueryMinScoreIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	prev := -1
	for _, minScore := range []float64{0, 0.3, 0.6, 0.9, 1} {
		results, err := s.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 10, MinScore: minScore})
		require.NoError(t, err)
		if prev >= 0 {
			assert.LessOrEqual(t, len(results), prev)
		}
		prev = len(results)
	}

	exact, err := s.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 10, MinScore: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(exact))

	none, err := s.Query(ctx, []float32{0.8, 0.6}, QueryOptions{TopK: 10, MinScore: 1})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryTopKAndKind(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	empty, err := s.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 0})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	top2, err := s.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(top2))

	videos, err := s.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 10, Kind: models.MediaKindVideo})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, ids(videos))
}

func TestScoreHelpers(t *testing.T) {
	assert.Equal(t, 42, Score(0.42))
	assert.Equal(t, 0, Score(-0.3))
	assert.Equal(t, 100, Score(1))

	assert.Equal(t, 0.3, NormalizeMinScore(0.3))
	assert.Equal(t, 1.0, NormalizeMinScore(100))
	assert.Equal(t, 0.25, NormalizeMinScore(25))
	assert.Equal(t, 0.0, NormalizeMinScore(-1))
}
