package dsp

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Direction selects the sign of the transform exponent.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "unknown"
	}
}

// Effort controls when the FFT plan is built. Measure plans at construction,
// Estimate defers planning until the first Execute.
type Effort int

const (
	Estimate Effort = iota
	Measure
)

// ErrSymbolIndex is returned when a symbol index is outside [0, nsyms).
var ErrSymbolIndex = errors.New("dsp: symbol index out of range")

// Transform holds nsyms stacked symbols of width nfft and a reusable complex
// FFT plan. Input and output buffers are contiguous; symbol i occupies
// [i*nfft, (i+1)*nfft) in each.
//
// Backward transforms are not normalized.
type Transform struct {
	nfft   int
	nsyms  int
	dir    Direction
	effort Effort
	in     []complex128
	out    []complex128
	plan   *fourier.CmplxFFT
}

// NewTransform allocates buffers for nsyms symbols of nfft samples.
func NewTransform(nfft, nsyms int, dir Direction, effort Effort) (*Transform, error) {
	if nfft <= 0 {
		return nil, fmt.Errorf("dsp: transform width must be positive, got %d", nfft)
	}
	if nsyms <= 0 {
		return nil, fmt.Errorf("dsp: transform symbol count must be positive, got %d", nsyms)
	}
	t := &Transform{
		nfft:   nfft,
		nsyms:  nsyms,
		dir:    dir,
		effort: effort,
		in:     make([]complex128, nfft*nsyms),
		out:    make([]complex128, nfft*nsyms),
	}
	if effort == Measure {
		t.plan = fourier.NewCmplxFFT(nfft)
	}
	return t, nil
}

// Width returns the symbol width.
func (t *Transform) Width() int { return t.nfft }

// NumSyms returns the number of stacked symbols.
func (t *Transform) NumSyms() int { return t.nsyms }

// NumSamples returns the total number of samples across all symbols.
func (t *Transform) NumSamples() int { return t.nfft * t.nsyms }

// Direction returns the transform direction.
func (t *Transform) Direction() Direction { return t.dir }

func (t *Transform) span(i int) (int, int, error) {
	if i < 0 || i >= t.nsyms {
		return 0, 0, fmt.Errorf("%w: %d not in [0,%d)", ErrSymbolIndex, i, t.nsyms)
	}
	return i * t.nfft, (i + 1) * t.nfft, nil
}

// Input returns the time-domain buffer of symbol i. The slice aliases the
// transform's storage.
func (t *Transform) Input(i int) ([]complex128, error) {
	lo, hi, err := t.span(i)
	if err != nil {
		return nil, err
	}
	return t.in[lo:hi:hi], nil
}

// Output returns the frequency-domain buffer of symbol i in natural FFT
// order. The slice aliases the transform's storage.
func (t *Transform) Output(i int) ([]complex128, error) {
	lo, hi, err := t.span(i)
	if err != nil {
		return nil, err
	}
	return t.out[lo:hi:hi], nil
}

// Assign copies v into the input of symbol i. Extra elements of v are ignored.
func (t *Transform) Assign(i int, v []complex128) error {
	in, err := t.Input(i)
	if err != nil {
		return err
	}
	copy(in, v)
	return nil
}

// Zero clears every input buffer.
func (t *Transform) Zero() {
	for i := range t.in {
		t.in[i] = 0
	}
}

// Scale multiplies every input sample of every symbol by c.
func (t *Transform) Scale(c complex128) {
	for i := range t.in {
		t.in[i] *= c
	}
}

// ScaleSymbol multiplies the input of symbol i by c.
func (t *Transform) ScaleSymbol(i int, c complex128) error {
	in, err := t.Input(i)
	if err != nil {
		return err
	}
	for k := range in {
		in[k] *= c
	}
	return nil
}

// Multiply multiplies each symbol's input elementwise by v.
func (t *Transform) Multiply(v []complex128) {
	multiplyStacked(t.in, v, t.nfft)
}

// MultiplyOutput multiplies each symbol's output elementwise by v. This is
// how a known training spectrum is removed from a received symbol.
func (t *Transform) MultiplyOutput(v []complex128) {
	multiplyStacked(t.out, v, t.nfft)
}

// MultiplyByOutput multiplies each symbol's output by symbol 0 of other's
// output.
func (t *Transform) MultiplyByOutput(other *Transform) error {
	v, err := other.Output(0)
	if err != nil {
		return err
	}
	if other.nfft != t.nfft {
		return fmt.Errorf("dsp: width mismatch %d vs %d", other.nfft, t.nfft)
	}
	t.MultiplyOutput(v)
	return nil
}

func multiplyStacked(buf, v []complex128, width int) {
	n := width
	if len(v) < n {
		n = len(v)
	}
	for base := 0; base < len(buf); base += width {
		for k := 0; k < n; k++ {
			buf[base+k] *= v[k]
		}
	}
}

// Execute transforms every symbol from the input buffers to the output
// buffers.
func (t *Transform) Execute() {
	if t.plan == nil {
		t.plan = fourier.NewCmplxFFT(t.nfft)
	}
	for s := 0; s < t.nsyms; s++ {
		lo, hi := s*t.nfft, (s+1)*t.nfft
		if t.dir == Backward {
			t.plan.Sequence(t.out[lo:hi], t.in[lo:hi])
		} else {
			t.plan.Coefficients(t.out[lo:hi], t.in[lo:hi])
		}
	}
}

// RotateOutput multiplies output bin k by exp(i*k*theta), where k is the
// signed frequency index of the bin. A fractional timing offset of d samples
// is undone with theta = 2*pi*d/nfft.
func (t *Transform) RotateOutput(theta float64) {
	for k := 0; k < t.nfft; k++ {
		c := NaturalToCentered(k, t.nfft)
		r := cmplx.Rect(1, math.Mod(float64(c)*theta, 2*math.Pi))
		for s := 0; s < t.nsyms; s++ {
			t.out[s*t.nfft+k] *= r
		}
	}
}
