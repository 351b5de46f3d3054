// Package search answers text and example-image queries against the index.
package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/pablobfonseca/go-media-vector/embedder"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"github.com/pablobfonseca/go-media-vector/vectorstore"
	"github.com/sirupsen/logrus"
)

var ErrEmptyQuery = errors.New("search query is empty")

// Embedder is the query side of embedder.Adapter. Its quantization must
// match the one the index was built with.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
}

type Query struct {
	TopK     int
	MinScore float64 // fraction, or a percentage when above 1
	Kind     models.MediaKind
}

type Engine struct {
	embedder Embedder
	store    vectorstore.Store
}

func NewEngine(e Embedder, store vectorstore.Store) *Engine {
	return &Engine{embedder: e, store: store}
}

// Search embeds text and returns the closest records, best first.
func (e *Engine) Search(ctx context.Context, text string, q Query) ([]models.SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if q.TopK <= 0 {
		return []models.SearchResult{}, nil
	}
	vec, err := e.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	results, err := e.query(ctx, vec, q)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"query": text, "results": len(results)}).Debug("Search finished")
	return results, nil
}

// SearchImage finds media similar to the image at path.
func (e *Engine) SearchImage(ctx context.Context, path string, q Query) ([]models.SearchResult, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyQuery
	}
	if q.TopK <= 0 {
		return []models.SearchResult{}, nil
	}
	img, err := sampler.DecodeImageFile(path)
	if err != nil {
		return nil, err
	}
	vec, err := e.embedder.EmbedImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to embed reference image: %w", err)
	}
	return e.query(ctx, vec, q)
}

// SearchMultimodal blends a text and an example-image query. textWeight in
// [0,1] is the share given to the text; either input may be empty, in which
// case the other is used alone.
func (e *Engine) SearchMultimodal(ctx context.Context, text, path string, textWeight float64, q Query) ([]models.SearchResult, error) {
	text = strings.TrimSpace(text)
	path = strings.TrimSpace(path)
	switch {
	case text == "" && path == "":
		return nil, ErrEmptyQuery
	case path == "":
		return e.Search(ctx, text, q)
	case text == "":
		return e.SearchImage(ctx, path, q)
	}
	if q.TopK <= 0 {
		return []models.SearchResult{}, nil
	}

	textVec, err := e.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	img, err := sampler.DecodeImageFile(path)
	if err != nil {
		return nil, err
	}
	imageVec, err := e.embedder.EmbedImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to embed reference image: %w", err)
	}
	vec, err := Blend(textVec, imageVec, textWeight)
	if err != nil {
		return nil, err
	}
	return e.query(ctx, vec, q)
}

// Blend mixes two unit vectors as w*a + (1-w)*b and renormalises. w is
// clamped to [0,1].
func Blend(a, b []float32, w float64) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d vs %d", models.ErrDimensionMismatch, len(a), len(b))
	}
	w = min(1, max(0, w))
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32(w*float64(a[i]) + (1-w)*float64(b[i]))
	}
	return embedder.Normalize(out), nil
}

// Similar returns the records closest to an already indexed one, itself
// excluded.
func (e *Engine) Similar(ctx context.Context, id string, q Query) ([]models.SearchResult, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return []models.SearchResult{}, nil
	}
	wider := q
	wider.TopK = q.TopK + 1
	results, err := e.query(ctx, rec.Embedding.Slice(), wider)
	if err != nil {
		return nil, err
	}
	out := make([]models.SearchResult, 0, q.TopK)
	for _, r := range results {
		if r.ID == id {
			continue
		}
		if len(out) == q.TopK {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) query(ctx context.Context, vec []float32, q Query) ([]models.SearchResult, error) {
	results, err := e.store.Query(ctx, vec, vectorstore.QueryOptions{
		TopK:     q.TopK,
		MinScore: vectorstore.NormalizeMinScore(q.MinScore),
		Kind:     q.Kind,
	})
	if err != nil {
		return nil, err
	}
	// stable, so a store that already broke ties by id is left as is
	vectorstore.SortResults(results)
	return results, nil
}
