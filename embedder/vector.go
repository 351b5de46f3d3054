package embedder

import (
	"errors"
	"math"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/x448/float16"
)

// Aggregate combines per-frame vectors into one representative vector: the
// arithmetic mean, re-normalised to unit length. Summation runs in float64
// in input order, so equal inputs give bit-identical outputs.
func Aggregate(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.New("no vectors to aggregate")
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, models.ErrDimensionMismatch
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	mean := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		mean[i] = float32(sum[i] / n)
	}
	return Normalize(mean), nil
}

// Normalize returns v scaled to unit length. A zero vector is returned as is.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Quantize rounds v to the precision of q. int8 uses a symmetric per-vector
// scale and is dequantised back to float32 for storage.
func Quantize(v []float32, q models.Quantization) []float32 {
	out := make([]float32, len(v))
	switch q {
	case models.QuantFloat16:
		for i, x := range v {
			out[i] = float16.Fromfloat32(x).Float32()
		}
	case models.QuantInt8:
		var maxAbs float64
		for _, x := range v {
			maxAbs = math.Max(maxAbs, math.Abs(float64(x)))
		}
		if maxAbs == 0 {
			return out
		}
		scale := maxAbs / 127
		for i, x := range v {
			r := math.Round(float64(x) / scale)
			r = math.Max(-127, math.Min(127, r))
			out[i] = float32(r * scale)
		}
	default:
		copy(out, v)
	}
	return out
}

// Cosine returns the cosine similarity of a and b, 0 if either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
