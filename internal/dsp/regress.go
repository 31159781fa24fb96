package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Regression is a weighted least-squares line fit y = Intercept + Slope*x.
type Regression struct {
	Slope     float64
	Intercept float64
	// MSE is the weighted sum of squared residuals divided by the point count.
	MSE float64
	// Degenerate is set when fewer than two distinct x values were available.
	// Slope is 0 in that case.
	Degenerate bool
}

// Regress fits y against x. weights may be nil for an unweighted fit.
func Regress(x []int, y, weights []float64) Regression {
	n := len(x)
	if n == 0 || len(y) < n {
		return Regression{Degenerate: true}
	}
	xs := make([]float64, n)
	for i, v := range x {
		xs[i] = float64(v)
	}
	ys := y[:n]
	var ws []float64
	if weights != nil {
		ws = weights[:n]
	}

	var r Regression
	if n < 2 || floats.Min(xs) == floats.Max(xs) {
		r.Degenerate = true
		r.Intercept = stat.Mean(ys, ws)
	} else {
		r.Intercept, r.Slope = stat.LinearRegression(xs, ys, ws, false)
	}

	var sum float64
	for i := range xs {
		e := r.Intercept + r.Slope*xs[i] - ys[i]
		w := 1.0
		if ws != nil {
			w = ws[i]
		}
		sum += w * e * e
	}
	r.MSE = sum / float64(n)
	return r
}

// Unwrapping selects the phase unwrapping variant of a timing fit.
type Unwrapping int

const (
	// UnwrapAuto picks UnwrapSmall when the mean per-bin increment is small
	// enough for every gap between usable bins, and UnwrapLarge otherwise.
	UnwrapAuto Unwrapping = iota
	UnwrapLarge
	UnwrapSmall
)

// smallSlopeLimit bounds the phase step across the widest gap for which
// UnwrapAuto trusts adjacent-difference unwrapping.
const smallSlopeLimit = math.Pi / 2

var unwrappingNames = map[Unwrapping]string{
	UnwrapAuto:  "auto",
	UnwrapLarge: "large",
	UnwrapSmall: "small",
}

func (u Unwrapping) String() string {
	if s, ok := unwrappingNames[u]; ok {
		return s
	}
	return fmt.Sprintf("unwrapping(%d)", int(u))
}

// ParseUnwrapping converts "auto", "large" or "small".
func ParseUnwrapping(s string) (Unwrapping, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for u, name := range unwrappingNames {
		if name == key {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unsupported unwrapping %q", s)
}

// TimingEstimate summarizes the phase slope of one channel estimate.
type TimingEstimate struct {
	Bins int
	// Slope is the fitted phase increment per signed bin, wrapped into (-pi, pi].
	Slope     float64
	Intercept float64
	MSE       float64
	// UnwrapError is the weighted mean absolute unwrap residual in radians.
	UnwrapError float64
	// OffsetSamples is Slope*nfft/(2*pi). A receive window that starts d
	// samples early yields -d.
	OffsetSamples float64
	// OffsetTime is OffsetSamples at the sample rate, zero without one.
	OffsetTime time.Duration
	// Unwrap is the variant that produced the fit.
	Unwrap     Unwrapping
	Degenerate bool
}

// TimingOptions tunes EstimateTimingWith.
type TimingOptions struct {
	// Threshold is the mask magnitude a bin must exceed to be used.
	Threshold float64
	// Weights, if given, are indexed by natural bin.
	Weights    []float64
	Unwrap     Unwrapping
	SampleRate float64
}

// EstimateTiming unwraps the phase of h over the bins where mask exceeds
// threshold and fits a line through it. mask is usually the training
// spectrum; when nil, h itself is used. weights, if given, are indexed by
// natural bin.
func EstimateTiming(h, mask []complex128, threshold float64, weights []float64) TimingEstimate {
	return EstimateTimingWith(h, mask, TimingOptions{Threshold: threshold, Weights: weights})
}

// EstimateTimingWith is EstimateTiming with an explicit unwrapping variant
// and sample rate.
func EstimateTimingWith(h, mask []complex128, opts TimingOptions) TimingEstimate {
	if mask == nil {
		mask = h
	}
	nfft := len(h)
	bins := ValidBins(mask[:nfft], opts.Threshold)
	est := TimingEstimate{Bins: bins.Len()}

	angles := make([]float64, bins.Len())
	for j, k := range bins.Natural {
		angles[j] = cmplx.Phase(h[k])
	}
	var w []float64
	if opts.Weights != nil {
		w = make([]float64, bins.Len())
		for j, k := range bins.Natural {
			w[j] = opts.Weights[k]
		}
	}

	est.Unwrap = opts.Unwrap
	if est.Unwrap == UnwrapAuto {
		est.Unwrap = chooseUnwrapping(angles, bins.Centered, w)
	}
	switch est.Unwrap {
	case UnwrapSmall:
		UnwrapSmallSlope(angles)
		est.UnwrapError = rampResidual(angles, bins.Centered, w, MeanIncrement(angles, bins.Centered, w))
	default:
		est.UnwrapError = UnwrapLargeSlope(angles, bins.Centered, w)
	}

	reg := Regress(bins.Centered, angles, w)
	est.Degenerate = reg.Degenerate
	est.Slope = wrapPhase(reg.Slope)
	est.Intercept = reg.Intercept
	est.MSE = reg.MSE
	est.OffsetSamples = est.Slope * float64(nfft) / twoPi
	if opts.SampleRate > 0 {
		est.OffsetTime = time.Duration(math.Round(est.OffsetSamples / opts.SampleRate * float64(time.Second)))
	}
	return est
}

func chooseUnwrapping(angles []float64, idx []int, weights []float64) Unwrapping {
	gap := 1
	for s := 1; s < len(idx); s++ {
		gap = max(gap, idx[s]-idx[s-1])
	}
	if math.Abs(MeanIncrement(angles, idx, weights))*float64(gap) < smallSlopeLimit {
		return UnwrapSmall
	}
	return UnwrapLarge
}

// wrapPhase maps p into (-pi, pi].
func wrapPhase(p float64) float64 {
	p = math.Mod(p+math.Pi, twoPi)
	if p <= 0 {
		p += twoPi
	}
	return p - math.Pi
}
