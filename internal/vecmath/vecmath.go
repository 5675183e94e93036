// Package vecmath implements the fixed-dimension vector operations used for
// similarity scoring.
package vecmath

import (
	"errors"
	"fmt"
	"math"
)

// ErrLengthMismatch is returned when two vectors of different dimensionality
// are compared.
var ErrLengthMismatch = errors.New("vector length mismatch")

// ErrEmpty is returned when a zero-length vector is passed.
var ErrEmpty = errors.New("empty vector")

// Dot returns the dot product of a and b accumulated in float64.
func Dot(a, b []float32) (float64, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot, nil
}

// Norm returns the Euclidean (L2) norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// Cosine returns dot(a,b) / (|a|*|b|). If either vector has zero magnitude the
// result is 0, never NaN.
func Cosine(a, b []float32) (float64, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return cosine(a, b, Norm(a)), nil
}

// CosineWithNorm is Cosine with the norm of a precomputed. It lets a scan
// reuse the query norm across every record.
func CosineWithNorm(a, b []float32, aNorm float64) (float64, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return cosine(a, b, aNorm), nil
}

func cosine(a, b []float32, aNorm float64) float64 {
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	s := dot / (aNorm * bNorm)
	// Rounding can push the ratio just past ±1.
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

func checkPair(a, b []float32) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return ErrEmpty
	}
	return nil
}
