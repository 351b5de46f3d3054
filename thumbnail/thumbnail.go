// Package thumbnail regenerates small previews from a record's thumbnail
// recipe: the file itself for stills, the first sampled frame for videos.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"golang.org/x/image/draw"
)

// MaxSide bounds both thumbnail dimensions.
const MaxSide = 80

// Records looks up a media record by id.
type Records interface {
	Get(ctx context.Context, id string) (models.MediaRecord, error)
}

type Provider struct {
	records Records
	decoder sampler.VideoDecoder
}

// NewProvider builds a provider. Without a decoder, video thumbnails fail.
func NewProvider(records Records, decoder sampler.VideoDecoder) *Provider {
	return &Provider{records: records, decoder: decoder}
}

// PNG returns the encoded thumbnail for the record with id.
func (p *Provider) PNG(ctx context.Context, id string) ([]byte, error) {
	rec, err := p.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	img, err := p.Render(ctx, rec.ThumbnailRef())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Render decodes the source frame named by ref and shrinks it to fit.
func (p *Provider) Render(ctx context.Context, ref models.ThumbnailRef) (image.Image, error) {
	var (
		src image.Image
		err error
	)
	switch ref.Kind {
	case models.MediaKindImage:
		src, err = sampler.DecodeImageFile(ref.Path)
	case models.MediaKindVideo:
		if p.decoder == nil {
			return nil, fmt.Errorf("no video decoder for %s", ref.Path)
		}
		src, err = p.decoder.FrameAt(ctx, ref.Path, ref.At)
	default:
		return nil, fmt.Errorf("%w: %q", sampler.ErrUnsupportedKind, ref.Kind)
	}
	if err != nil {
		return nil, err
	}
	return Fit(src, MaxSide), nil
}

// Fit scales img down so neither side exceeds maxSide, keeping its aspect
// ratio. Smaller images are returned unchanged.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}
	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
