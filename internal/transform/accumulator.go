package transform

import "math"

// Accumulator keeps running mean, variance and range of a sample using
// Welford's online update, so ensembles never hold the samples themselves.
type Accumulator struct {
	n    int64
	mean float64
	m2   float64
	min  float64
	max  float64
}

// Add folds one observation into the accumulator.
func (a *Accumulator) Add(x float64) {
	a.n++
	if a.n == 1 {
		a.min, a.max = x, x
	} else {
		a.min = math.Min(a.min, x)
		a.max = math.Max(a.max, x)
	}
	d := x - a.mean
	a.mean += d / float64(a.n)
	a.m2 += d * (x - a.mean)
}

// N returns the sample size.
func (a *Accumulator) N() int64 { return a.n }

// Mean returns the arithmetic mean.
func (a *Accumulator) Mean() float64 { return a.mean }

// StdDev returns the sample standard deviation, 0 for fewer than 2 samples.
func (a *Accumulator) StdDev() float64 {
	if a.n < 2 {
		return 0
	}
	v := a.m2 / float64(a.n-1)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Min returns the smallest observation.
func (a *Accumulator) Min() float64 { return a.min }

// Max returns the largest observation.
func (a *Accumulator) Max() float64 { return a.max }
