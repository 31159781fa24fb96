package dsp

import (
	"math"
	"math/cmplx"
)

const twoPi = 2 * math.Pi

// DefaultBinThreshold is the magnitude below which a reference bin is treated
// as unused.
const DefaultBinThreshold = 1e-6

// Bins lists the usable frequency bins of a spectrum, ordered by signed
// frequency over the range NaturalToCentered produces. Centered[j] and
// Natural[j] describe the same bin.
type Bins struct {
	Centered []int
	Natural  []int
}

// Len returns the number of usable bins.
func (b Bins) Len() int { return len(b.Centered) }

// ValidBins returns the bins of mask whose magnitude exceeds threshold.
func ValidBins(mask []complex128, threshold float64) Bins {
	n := len(mask)
	var b Bins
	for c := -n / 2; c < n-n/2; c++ {
		k := CenteredToNatural(c, n)
		if cmplx.Abs(mask[k]) > threshold {
			b.Centered = append(b.Centered, c)
			b.Natural = append(b.Natural, k)
		}
	}
	return b
}

// UnwrapLargeSlope unwraps angles in place for a phase ramp whose per-bin
// increment may be anywhere on the circle. angles[j] is the phase at signed
// bin index idx[j]; idx must be strictly increasing. weights may be nil.
//
// The per-bin increment is the circular mean of the adjacent-bin deltas. Each
// step then picks the 2*pi branch closest to the increment times the step
// width. The returned value is the weighted mean absolute deviation from that
// expected increment, a quality metric where 0 means a perfectly linear phase.
func UnwrapLargeSlope(angles []float64, idx []int, weights []float64) float64 {
	n := len(angles)
	if n < 2 {
		return 0
	}
	mean := MeanIncrement(angles, idx, weights)

	var errNum, errDen float64
	for s := 1; s < n; s++ {
		step := idx[s] - idx[s-1]
		expected := float64(step) * mean
		// closest 2*pi branch to the expected ramp
		best := wrapPhase(angles[s] - angles[s-1] - expected)
		errNum += weightAt(weights, s) * math.Abs(best)
		errDen += weightAt(weights, s)
		angles[s] = angles[s-1] + best + expected
	}
	if errDen == 0 {
		return 0
	}
	return errNum / errDen
}

// MeanIncrement estimates the per-bin phase increment of a ramp sampled at
// signed bins idx, wrapped into (-pi, pi]. Adjacent bins contribute their
// delta as a unit phasor so increments near +-pi or 0 average correctly.
// Without any adjacent pair the wrapped deltas are averaged per bin of gap.
func MeanIncrement(angles []float64, idx []int, weights []float64) float64 {
	var sum complex128
	var adjacent bool
	var spanNum, spanDen float64
	for s := 1; s < len(angles); s++ {
		d := angles[s] - angles[s-1]
		step := idx[s] - idx[s-1]
		w := weightAt(weights, s)
		if step == 1 {
			sum += complex(w, 0) * cmplx.Rect(1, d)
			adjacent = true
			continue
		}
		spanNum += w * wrapPhase(d) / float64(step)
		spanDen += w
	}
	switch {
	case adjacent && sum != 0:
		return cmplx.Phase(sum)
	case spanDen > 0:
		return spanNum / spanDen
	}
	return 0
}

func weightAt(weights []float64, j int) float64 {
	if weights == nil {
		return 1
	}
	return weights[j]
}

// UnwrapSmallSlope unwraps angles in place assuming adjacent samples differ
// by less than pi.
func UnwrapSmallSlope(angles []float64) {
	if len(angles) < 2 {
		return
	}
	prev := angles[0]
	var inc float64
	for i := 1; i < len(angles); i++ {
		d1 := angles[i] - prev
		prev = angles[i]
		d2 := d1 + math.Pi - twoPi*math.Floor((d1+math.Pi)/twoPi) - math.Pi
		if d2 == -math.Pi && d1 > 0 {
			d2 = math.Pi
		}
		corr := d2 - d1
		if math.Abs(d1) < math.Pi {
			corr = 0
		}
		inc += corr
		angles[i] += inc
	}
}

// rampResidual is the weighted mean absolute deviation of already unwrapped
// angles from a ramp of mean radians per bin.
func rampResidual(angles []float64, idx []int, weights []float64, mean float64) float64 {
	var num, den float64
	for s := 1; s < len(angles); s++ {
		d := angles[s] - angles[s-1] - float64(idx[s]-idx[s-1])*mean
		num += weightAt(weights, s) * math.Abs(d)
		den += weightAt(weights, s)
	}
	if den == 0 {
		return 0
	}
	return num / den
}
