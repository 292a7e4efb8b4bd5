// Package mathutil holds small float32 helpers shared by the target heads
// and the featurizer adapter. Accumulation happens in float64 where rounding
// would otherwise drift.
package mathutil

import "math"

// Dot returns the inner product of a and b. Slices must have equal length.
func Dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// Axpy adds alpha*x to y in place.
func Axpy(alpha float32, x, y []float32) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}

// Scale multiplies every element of x by alpha in place.
func Scale(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// Sigmoid is the logistic function, computed in float64 for stability.
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// SigmoidCrossEntropy returns the per-element loss of a logit against a
// binary target using the stable max(x,0) - x*t + log1p(exp(-|x|)) form.
func SigmoidCrossEntropy(logit, target float32) float32 {
	x := float64(logit)
	t := float64(target)
	loss := math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
	return float32(loss)
}

// GlobalNorm returns the L2 norm over all gradient slices taken together.
func GlobalNorm(grads ...[]float32) float32 {
	var sum float64
	for _, g := range grads {
		for _, v := range g {
			sum += float64(v) * float64(v)
		}
	}
	return float32(math.Sqrt(sum))
}

// ClipByGlobalNorm rescales the gradient slices in place so their joint L2
// norm does not exceed limit. A non-positive limit leaves them untouched.
func ClipByGlobalNorm(limit float32, grads ...[]float32) {
	if limit <= 0 {
		return
	}
	norm := GlobalNorm(grads...)
	if norm <= limit {
		return
	}
	scale := limit / norm
	for _, g := range grads {
		Scale(scale, g)
	}
}
