package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pablobfonseca/go-media-vector/database"
	"github.com/pablobfonseca/go-media-vector/fingerprint"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// mediaDir lays out 3 videos, 3 images, a text file and a hidden directory.
func mediaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "video1.mp4"), "fake video content 1")
	writeFile(t, filepath.Join(dir, "video2.MOV"), "fake video content 2")
	writeFile(t, filepath.Join(dir, "image1.jpg"), "fake image content 1")
	writeFile(t, filepath.Join(dir, "image2.PNG"), "fake image content 2")
	writeFile(t, filepath.Join(dir, "document.txt"), "not a media file")
	writeFile(t, filepath.Join(dir, "subfolder", "video3.mkv"), "fake video content 3")
	writeFile(t, filepath.Join(dir, "subfolder", "image3.tiff"), "fake image content 3")
	writeFile(t, filepath.Join(dir, ".cache", "hidden.jpg"), "hidden")
	return dir
}

func newStore(t *testing.T) *fingerprint.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "fp.db"))
	require.NoError(t, err)
	s, err := fingerprint.NewStore(db)
	require.NoError(t, err)
	return s
}

func commit(t *testing.T, store *fingerprint.Store, cands []Candidate) {
	t.Helper()
	for _, c := range cands {
		require.NoError(t, store.Put(context.Background(), c.Path, c.Fingerprint))
	}
}

func TestValidateRoot(t *testing.T) {
	dir := t.TempDir()
	abs, err := ValidateRoot(dir)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	_, err = ValidateRoot(filepath.Join(dir, "nope"))
	assert.ErrorIs(t, err, ErrInvalidRoot)
	assert.Contains(t, err.Error(), "does not exist")

	file := filepath.Join(dir, "a.jpg")
	writeFile(t, file, "x")
	_, err = ValidateRoot(file)
	assert.ErrorIs(t, err, ErrInvalidRoot)

	_, err = ValidateRoot("  ")
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestClassify(t *testing.T) {
	kind, err := Classify("/x/clip.WEBM")
	require.NoError(t, err)
	assert.Equal(t, models.MediaKindVideo, kind)

	kind, err = Classify("/x/photo.JpEg")
	require.NoError(t, err)
	assert.Equal(t, models.MediaKindImage, kind)

	_, err = Classify("/x/notes.txt")
	assert.ErrorIs(t, err, ErrUnsupportedExtension)
}

func TestScanFullFindsSupportedFiles(t *testing.T) {
	dir := mediaDir(t)
	s, err := New(dir, newStore(t))
	require.NoError(t, err)

	cands, err := s.Collect(context.Background(), ModeFull)
	require.NoError(t, err)
	require.Len(t, cands, 6)

	var videos, images int
	var names []string
	for _, c := range cands {
		assert.Equal(t, ChangeRebuild, c.Change)
		assert.NotEmpty(t, c.Fingerprint.Hash)
		names = append(names, filepath.Base(c.Path))
		switch c.Kind {
		case models.MediaKindVideo:
			videos++
		case models.MediaKindImage:
			images++
		}
	}
	assert.Equal(t, 3, videos)
	assert.Equal(t, 3, images)
	assert.NotContains(t, names, "document.txt")
	assert.NotContains(t, names, "hidden.jpg")
}

func TestScanIncrementalSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := mediaDir(t)
	store := newStore(t)
	s, err := New(dir, store)
	require.NoError(t, err)

	first, err := s.Collect(ctx, ModeIncremental)
	require.NoError(t, err)
	require.Len(t, first, 6)
	for _, c := range first {
		assert.Equal(t, ChangeNew, c.Change)
	}
	commit(t, store, first)

	second, err := s.Collect(ctx, ModeIncremental)
	require.NoError(t, err)
	assert.Empty(t, second)

	// full mode ignores stored state
	full, err := s.Collect(ctx, ModeFull)
	require.NoError(t, err)
	assert.Len(t, full, 6)
}

func TestScanIncrementalFlagsNewAndModified(t *testing.T) {
	ctx := context.Background()
	dir := mediaDir(t)
	store := newStore(t)
	s, err := New(dir, store)
	require.NoError(t, err)

	first, err := s.Collect(ctx, ModeIncremental)
	require.NoError(t, err)
	commit(t, store, first)

	writeFile(t, filepath.Join(dir, "new_video.mp4"), "new video content")
	writeFile(t, filepath.Join(dir, "image1.jpg"), "edited image content")

	cands, err := s.Collect(ctx, ModeIncremental)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	changes := map[string]Change{}
	for _, c := range cands {
		changes[filepath.Base(c.Path)] = c.Change
	}
	assert.Equal(t, ChangeNew, changes["new_video.mp4"])
	assert.Equal(t, ChangeModified, changes["image1.jpg"])
}

func TestScanStopsWhenConsumerBreaks(t *testing.T) {
	s, err := New(mediaDir(t), nil)
	require.NoError(t, err)

	n := 0
	for range s.Scan(context.Background(), ModeFull) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestMissing(t *testing.T) {
	ctx := context.Background()
	dir := mediaDir(t)
	store := newStore(t)
	s, err := New(dir, store)
	require.NoError(t, err)

	cands, err := s.Collect(ctx, ModeFull)
	require.NoError(t, err)
	commit(t, store, cands)

	gonePath := filepath.Join(s.Root(), "video1.mp4")
	require.NoError(t, os.Remove(gonePath))

	gone, err := s.Missing(ctx)
	require.NoError(t, err)
	sort.Strings(gone)
	assert.Equal(t, []string{gonePath}, gone)
}
