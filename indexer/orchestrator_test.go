package indexer

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pablobfonseca/go-media-vector/database"
	"github.com/pablobfonseca/go-media-vector/embedder"
	"github.com/pablobfonseca/go-media-vector/fingerprint"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"github.com/pablobfonseca/go-media-vector/scanner"
	"github.com/pablobfonseca/go-media-vector/vectorstore"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel embeds an image as the colour of its top-left pixel.
type fakeModel struct {
	dim      int
	loadErr  error
	embedded atomic.Int64

	// when set, EmbedImages signals entered then waits for gate
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once

	// when set, Load signals loadEntered then waits for loadGate
	loadEntered chan struct{}
	loadGate    chan struct{}

	// hangWhite makes batches holding a white image block until ctx ends
	hangWhite bool
}

func (m *fakeModel) Load(ctx context.Context) (int, error) {
	if m.loadGate != nil {
		close(m.loadEntered)
		<-m.loadGate
	}
	return m.dim, m.loadErr
}

func isWhite(img image.Image) bool {
	r, g, b, _ := img.At(0, 0).RGBA()
	return r == 0xffff && g == 0xffff && b == 0xffff
}

func (m *fakeModel) EmbedImages(ctx context.Context, imgs []image.Image, q models.Quantization) ([][]float32, error) {
	if m.hangWhite && slices.ContainsFunc(imgs, isWhite) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.gate != nil {
		m.once.Do(func() { close(m.entered) })
		<-m.gate
	}
	m.embedded.Add(int64(len(imgs)))
	out := make([][]float32, len(imgs))
	for i, img := range imgs {
		r, g, b, _ := img.At(0, 0).RGBA()
		v := make([]float32, m.dim)
		v[0] = float32(r)/0xffff + 0.1
		v[1] = float32(g)/0xffff + 0.1
		v[2] = float32(b)/0xffff + 0.1
		out[i] = v
	}
	return out, nil
}

func (m *fakeModel) EmbedText(ctx context.Context, text string, q models.Quantization) ([]float32, error) {
	return make([]float32, m.dim), nil
}

// fakeDecoder serves 10-second videos, except files named broken.mp4, which
// cannot be probed, and stuck.mp4, whose frames never finish decoding.
type fakeDecoder struct{}

func (fakeDecoder) Probe(ctx context.Context, path string) (sampler.VideoInfo, error) {
	if filepath.Base(path) == "broken.mp4" {
		return sampler.VideoInfo{}, errors.New("moov atom not found")
	}
	return sampler.VideoInfo{Duration: 10, Width: 4, Height: 4}, nil
}

func (fakeDecoder) FrameAt(ctx context.Context, path string, ts float64) (image.Image, error) {
	if filepath.Base(path) == "stuck.mp4" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return solid(color.RGBA{uint8(ts * 20), 10, 10, 255}), nil
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, solid(c)))
}

type fixture struct {
	dir   string
	model *fakeModel
	store *vectorstore.LocalStore
	fps   *fingerprint.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T, model *fakeModel) *fixture {
	t.Helper()
	return newFixtureWith(t, model,
		embedder.Options{BatchSize: 2, Quantization: models.QuantFloat32},
		sampler.Options{MaxFrames: 5})
}

func newFixtureWith(t *testing.T, model *fakeModel, embOpts embedder.Options, smpOpts sampler.Options) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	store, err := vectorstore.NewLocalStore(db)
	require.NoError(t, err)
	fps, err := fingerprint.NewStore(db)
	require.NoError(t, err)

	adapter := embedder.New(model, embOpts)
	smp := sampler.New(fakeDecoder{}, nil, smpOpts)
	orch := New(smp, adapter, store, fps, Options{WorkerCount: 1, StoreFrameVectors: true})
	return &fixture{dir: t.TempDir(), model: model, store: store, fps: fps, orch: orch}
}

// library writes three images and one video.
func (f *fixture) library(t *testing.T) {
	t.Helper()
	writePNG(t, filepath.Join(f.dir, "red.png"), color.RGBA{255, 0, 0, 255})
	writePNG(t, filepath.Join(f.dir, "green.png"), color.RGBA{0, 255, 0, 255})
	writePNG(t, filepath.Join(f.dir, "blue.png"), color.RGBA{0, 0, 255, 255})
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "clip.mp4"), []byte("video"), 0o644))
}

func (f *fixture) run(t *testing.T, incremental bool) models.IndexJobState {
	t.Helper()
	state, err := f.orch.Run(context.Background(), models.IndexRequest{Root: f.dir, Incremental: incremental})
	require.NoError(t, err)
	return state
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	return stats.Count
}

func TestFullIndexOfImagesAndVideo(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)

	state := f.run(t, false)
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, models.PhaseIdle, state.Phase)
	assert.Equal(t, 4, state.TotalCount)
	assert.Equal(t, 4, state.ProcessedCount)
	assert.Equal(t, 0, state.FailedCount)
	assert.Equal(t, 100.0, state.Progress())
	assert.Equal(t, "Indexed 4/4 files.", state.Message)
	assert.NotEmpty(t, state.JobID)

	assert.Equal(t, int64(4), f.count(t))
	clip, err := f.store.Get(context.Background(), models.MediaID(filepath.Join(f.dir, "clip.mp4")))
	require.NoError(t, err)
	assert.Equal(t, models.MediaKindVideo, clip.Kind)
	assert.LessOrEqual(t, clip.FrameCount, 5)
	assert.Len(t, clip.Frames, clip.FrameCount)
	assert.Equal(t, 1.0, clip.ThumbnailAt)
	assert.InDelta(t, 1.0, embedder.Cosine(clip.Embedding.Slice(), clip.Embedding.Slice()), 1e-6)

	paths, err := f.fps.PathsUnder(context.Background(), f.dir)
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}

func TestFullIndexTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)
	ctx := context.Background()

	f.run(t, false)
	red := models.MediaID(filepath.Join(f.dir, "red.png"))
	first, err := f.store.Get(ctx, red)
	require.NoError(t, err)

	f.run(t, false)
	second, err := f.store.Get(ctx, red)
	require.NoError(t, err)

	assert.Equal(t, int64(4), f.count(t))
	assert.Equal(t, first.Embedding.Slice(), second.Embedding.Slice())
	assert.Equal(t, first.Hash, second.Hash)
}

func TestIncrementalWithNoChanges(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)

	f.run(t, false)
	embedded := f.model.embedded.Load()

	state := f.run(t, true)
	assert.Equal(t, MsgNothingToIndex, state.Message)
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, 0, state.TotalCount)
	assert.Equal(t, embedded, f.model.embedded.Load())
}

func TestIncrementalEmbedsOnlyChangedFiles(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)
	f.run(t, true)
	embedded := f.model.embedded.Load()

	writePNG(t, filepath.Join(f.dir, "red.png"), color.RGBA{200, 200, 0, 255})
	writePNG(t, filepath.Join(f.dir, "white.png"), color.RGBA{255, 255, 255, 255})

	state := f.run(t, true)
	assert.Equal(t, 2, state.TotalCount)
	assert.Equal(t, 2, state.ProcessedCount)
	assert.Equal(t, embedded+2, f.model.embedded.Load())
	assert.Equal(t, int64(5), f.count(t))
}

func TestIncrementalRemovesDeletedFiles(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)
	f.run(t, true)

	gone := filepath.Join(f.dir, "green.png")
	require.NoError(t, os.Remove(gone))

	state := f.run(t, true)
	assert.Equal(t, MsgNothingToIndex, state.Message)
	assert.Equal(t, int64(3), f.count(t))
	_, err := f.store.Get(context.Background(), models.MediaID(gone))
	assert.ErrorIs(t, err, vectorstore.ErrNotFound)
	_, ok, err := f.fps.Get(context.Background(), gone)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUndecodableVideoIsAPerFileFailure(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	writePNG(t, filepath.Join(f.dir, "red.png"), color.RGBA{255, 0, 0, 255})
	broken := filepath.Join(f.dir, "broken.mp4")
	require.NoError(t, os.WriteFile(broken, []byte("garbage"), 0o644))

	state := f.run(t, true)
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, 2, state.ProcessedCount)
	assert.Equal(t, 1, state.FailedCount)
	assert.Equal(t, "Indexed 1/2 files, 1 failed, see log", state.Message)
	assert.Equal(t, int64(1), f.count(t))

	_, ok, err := f.fps.Get(context.Background(), broken)
	require.NoError(t, err)
	assert.False(t, ok, "failed files keep no fingerprint so they are retried")

	// retried on the next incremental run
	state = f.run(t, true)
	assert.Equal(t, 1, state.TotalCount)
	assert.Equal(t, 1, state.FailedCount)
}

func TestModelLoadFailureIsFatal(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3, loadErr: errors.New("no weights")})
	f.library(t)

	state, err := f.orch.Run(context.Background(), models.IndexRequest{Root: f.dir})
	require.ErrorIs(t, err, embedder.ErrModelUnavailable)
	assert.Equal(t, models.JobStatusError, state.Status)
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, int64(0), f.count(t))
}

func TestStoreDimensionMismatchIsFatal(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)
	require.NoError(t, f.store.Upsert(context.Background(), models.MediaRecord{
		ID:        "old",
		Path:      "/elsewhere/old.png",
		Kind:      models.MediaKindImage,
		Embedding: pgvector.NewVector([]float32{1, 0}),
	}))

	state, err := f.orch.Run(context.Background(), models.IndexRequest{Root: f.dir})
	require.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
	assert.Equal(t, models.JobStatusError, state.Status)
	assert.Equal(t, int64(0), f.model.embedded.Load())
	assert.Equal(t, int64(1), f.count(t))
}

func TestInvalidRootLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})

	_, err := f.orch.Start(models.IndexRequest{Root: filepath.Join(f.dir, "missing")})
	require.ErrorIs(t, err, scanner.ErrInvalidRoot)
	assert.Equal(t, models.JobStatusIdle, f.orch.State().Status)
}

func TestSecondJobIsRejectedWhileRunning(t *testing.T) {
	model := &fakeModel{dim: 3, entered: make(chan struct{}), gate: make(chan struct{})}
	f := newFixture(t, model)
	f.library(t)

	_, err := f.orch.Start(models.IndexRequest{Root: f.dir})
	require.NoError(t, err)
	<-model.entered

	assert.True(t, f.orch.State().Running())
	_, err = f.orch.Start(models.IndexRequest{Root: f.dir})
	assert.ErrorIs(t, err, ErrJobRunning)

	close(model.gate)
	f.orch.Wait()
	assert.Equal(t, models.JobStatusDone, f.orch.State().Status)
}

func TestCancelStopsBetweenFiles(t *testing.T) {
	model := &fakeModel{dim: 3, entered: make(chan struct{}), gate: make(chan struct{})}
	f := newFixture(t, model)
	writePNG(t, filepath.Join(f.dir, "a.png"), color.RGBA{255, 0, 0, 255})
	writePNG(t, filepath.Join(f.dir, "b.png"), color.RGBA{0, 255, 0, 255})
	writePNG(t, filepath.Join(f.dir, "c.png"), color.RGBA{0, 0, 255, 255})

	_, err := f.orch.Start(models.IndexRequest{Root: f.dir})
	require.NoError(t, err)
	<-model.entered
	f.orch.Cancel()
	close(model.gate)
	f.orch.Wait()

	state := f.orch.State()
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, 3, state.TotalCount)
	assert.Equal(t, 2, state.ProcessedCount)
	assert.Equal(t, "Indexing cancelled after 2/3 files.", state.Message)
	assert.Equal(t, int64(2), f.count(t), "the in-flight batch is still committed")
}

func TestSubscribeDeliversFinalState(t *testing.T) {
	f := newFixture(t, &fakeModel{dim: 3})
	f.library(t)

	ch, unsubscribe := f.orch.Subscribe()
	defer unsubscribe()
	assert.Equal(t, models.JobStatusIdle, (<-ch).Status)

	f.run(t, false)
	final := <-ch
	assert.Equal(t, models.JobStatusDone, final.Status)
	assert.Equal(t, 4, final.ProcessedCount)
}

func TestTimeoutsArePerFileFailures(t *testing.T) {
	f := newFixtureWith(t, &fakeModel{dim: 3, hangWhite: true},
		embedder.Options{BatchSize: 1, Quantization: models.QuantFloat32, Timeout: 50 * time.Millisecond},
		sampler.Options{MaxFrames: 3, DecodeTimeout: 20 * time.Millisecond})
	writePNG(t, filepath.Join(f.dir, "red.png"), color.RGBA{255, 0, 0, 255})
	writePNG(t, filepath.Join(f.dir, "green.png"), color.RGBA{0, 255, 0, 255})
	writePNG(t, filepath.Join(f.dir, "white.png"), color.RGBA{255, 255, 255, 255})
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "clip.mp4"), []byte("video"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "stuck.mp4"), []byte("video"), 0o644))

	state := f.run(t, true)
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, 5, state.TotalCount)
	assert.Equal(t, 5, state.ProcessedCount)
	assert.Equal(t, 2, state.FailedCount)
	assert.Equal(t, "Indexed 3/5 files, 2 failed, see log", state.Message)
	assert.Equal(t, int64(3), f.count(t))

	for _, name := range []string{"white.png", "stuck.mp4"} {
		_, ok, err := f.fps.Get(context.Background(), filepath.Join(f.dir, name))
		require.NoError(t, err)
		assert.False(t, ok, name)
	}
	for _, name := range []string{"red.png", "green.png", "clip.mp4"} {
		_, err := f.store.Get(context.Background(), models.MediaID(filepath.Join(f.dir, name)))
		assert.NoError(t, err, name)
	}
}

func TestCancelBeforeScanIsNotAFailure(t *testing.T) {
	model := &fakeModel{dim: 3, loadEntered: make(chan struct{}), loadGate: make(chan struct{})}
	f := newFixture(t, model)
	f.library(t)

	_, err := f.orch.Start(models.IndexRequest{Root: f.dir})
	require.NoError(t, err)
	<-model.loadEntered
	f.orch.Cancel()
	close(model.loadGate)
	f.orch.Wait()

	state := f.orch.State()
	assert.Equal(t, models.JobStatusDone, state.Status)
	assert.Equal(t, models.PhaseIdle, state.Phase)
	assert.Equal(t, "Indexing cancelled after 0/0 files.", state.Message)
	assert.Equal(t, int64(0), f.model.embedded.Load())
	assert.Equal(t, int64(0), f.count(t))
}
