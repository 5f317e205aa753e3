package vectorutil

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// SoftMax take a vector and calculate softmax scores of its values.
func SoftMax[T constraints.Float](vector []T) []T {
	if len(vector) == 0 {
		return nil
	}
	_, maxLogit, _ := ArgMax(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
	}
	sumExp := floats.Sum(shiftedExp)
	scores := make([]T, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = T(exp / sumExp)
	}
	return scores
}

// ArgMax find both index of max value in s and max value. Ties keep the first index.
func ArgMax[T constraints.Ordered](s []T) (int, T, error) {
	if len(s) == 0 {
		var zero T
		return 0, zero, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// Norm is the L2 norm of a vector.
func Norm[T constraints.Float](v []T) float64 {
	scratch := make([]float64, len(v))
	for i, e := range v {
		scratch[i] = float64(e)
	}
	return floats.Norm(scratch, 2)
}

// NormalizeRows scales every row of a row-major [rows, cols] matrix to unit L2 norm,
// leaving the first skip rows untouched (padding rows stay zero).
func NormalizeRows(data []float32, cols, skip int) error {
	if cols <= 0 || len(data)%cols != 0 {
		return fmt.Errorf("matrix of %d values cannot have %d columns", len(data), cols)
	}
	const eps = 1e-12
	rows := len(data) / cols
	scratch := make([]float64, cols)
	for r := skip; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		for i, v := range row {
			scratch[i] = float64(v)
		}
		norm := max(floats.Norm(scratch, 2), eps)
		floats.Scale(1/norm, scratch)
		for i, v := range scratch {
			row[i] = float32(v)
		}
	}
	return nil
}
