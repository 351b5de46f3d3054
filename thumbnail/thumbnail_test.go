package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type records map[string]models.MediaRecord

func (r records) Get(ctx context.Context, id string) (models.MediaRecord, error) {
	rec, ok := r[id]
	if !ok {
		return models.MediaRecord{}, errors.New("not found")
	}
	return rec, nil
}

type frameDecoder struct {
	at float64
}

func (d *frameDecoder) Probe(ctx context.Context, path string) (sampler.VideoInfo, error) {
	return sampler.VideoInfo{Duration: 10}, nil
}

func (d *frameDecoder) FrameAt(ctx context.Context, path string, ts float64) (image.Image, error) {
	d.at = ts
	return image.NewRGBA(image.Rect(0, 0, 320, 180)), nil
}

func TestFit(t *testing.T) {
	wide := Fit(image.NewRGBA(image.Rect(0, 0, 400, 200)), MaxSide)
	assert.Equal(t, image.Rect(0, 0, 80, 40), wide.Bounds())

	tall := Fit(image.NewRGBA(image.Rect(0, 0, 100, 300)), MaxSide)
	assert.Equal(t, image.Rect(0, 0, 26, 80), tall.Bounds())

	small := image.NewRGBA(image.Rect(0, 0, 20, 10))
	assert.Same(t, small, Fit(small, MaxSide))
}

func TestPNGForImageAndVideo(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "photo.png")
	f, err := os.Create(imgPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 160, 160))))
	require.NoError(t, f.Close())

	dec := &frameDecoder{}
	p := NewProvider(records{
		"img": {ID: "img", Path: imgPath, Kind: models.MediaKindImage},
		"vid": {ID: "vid", Path: filepath.Join(dir, "clip.mp4"), Kind: models.MediaKindVideo, ThumbnailAt: 1.5},
	}, dec)

	data, err := p.PNG(context.Background(), "img")
	require.NoError(t, err)
	thumb, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 80, 80), thumb.Bounds())

	data, err = p.PNG(context.Background(), "vid")
	require.NoError(t, err)
	thumb, err = png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 80, 45), thumb.Bounds())
	assert.Equal(t, 1.5, dec.at)

	_, err = p.PNG(context.Background(), "missing")
	assert.Error(t, err)
}
