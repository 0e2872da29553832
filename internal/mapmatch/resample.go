package mapmatch

import "math"

// Resample picks n elements from in by nearest list index, not arc length.
// Output index i maps to input index round(i/(n-1)*(len(in)-1)),
// with halves going to the even index.
func Resample[T any](in []T, n int) []T {
	if n <= 0 || len(in) == 0 {
		return nil
	}
	if n == 1 {
		return []T{in[0]}
	}
	out := make([]T, n)
	last := float64(len(in) - 1)
	for i := range out {
		idx := int(math.RoundToEven(float64(i) / float64(n-1) * last))
		out[i] = in[idx]
	}
	return out
}
