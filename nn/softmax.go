package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// probabilityFloor keeps log(p) finite for a probability that underflowed to zero.
const probabilityFloor = 1e-12

// Softmax returns exp(x_i - max(x)) / sum_j exp(x_j - max(x)).
// Subtracting the maximum keeps the exponentials bounded.
func Softmax(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	maxVal := floats.Max(x)
	for i, v := range x {
		out[i] = math.Exp(v - maxVal)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// SoftmaxBackward maps dL/dp to dL/dx for p = Softmax(x):
// dx_i = p_i * (dp_i - sum_j p_j dp_j).
func SoftmaxBackward(p, dp []float64) []float64 {
	dot := floats.Dot(p, dp)
	dx := make([]float64, len(p))
	for i := range p {
		dx[i] = p[i] * (dp[i] - dot)
	}
	return dx
}

// CrossEntropy returns -log(p[label]) for a probability vector.
func CrossEntropy(p []float64, label int) float64 {
	return -math.Log(math.Max(p[label], probabilityFloor))
}

// Argmax returns the index of the largest element.
func Argmax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	return floats.MaxIdx(x)
}
