package models

import (
	"errors"
	"fmt"
	"strings"
)

// Quantization is the numeric precision requested from the embedding model.
type Quantization string

const (
	QuantFloat32 Quantization = "float32"
	QuantFloat16 Quantization = "float16"
	QuantInt8    Quantization = "int8"
)

func ParseQuantization(s string) (Quantization, error) {
	switch q := Quantization(strings.ToLower(strings.TrimSpace(s))); q {
	case QuantFloat32, QuantFloat16, QuantInt8:
		return q, nil
	case "":
		return QuantFloat16, nil
	default:
		return "", fmt.Errorf("unsupported quantization %q", s)
	}
}

// ErrDimensionMismatch signals vectors whose length disagrees with the model
// or the stored schema.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
