package retrieval

import (
	"math"
	"math/rand/v2"
)

// Noise perturbs a query vector with zero-mean Gaussian noise and
// L2-renormalizes the result. Relative similarity ranking survives the
// perturbation; exact inversion of the embedding does not. Applied once,
// before a query vector leaves the coordinator.
func Noise(vec []float64, stddev float64) []float64 {
	out := make([]float64, len(vec))
	if stddev <= 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = v + rand.NormFloat64()*stddev
	}
	return normalize(out)
}

func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
