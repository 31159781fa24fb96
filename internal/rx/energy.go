package rx

import "github.com/rjboer/ofdmsync/internal/dsp"

// energyWindow tracks the energy of two adjacent nfft-sample windows over a
// ring of 2*nfft entries. a is the older half, b the newer half. Both are
// running sums.
type energyWindow struct {
	ring   []float64
	n      int
	start  int
	bStart int
	a, b   float64
}

func newEnergyWindow(ring []float64) *energyWindow {
	w := &energyWindow{ring: ring, n: len(ring) / 2}
	w.reset()
	return w
}

func (w *energyWindow) reset() {
	w.start, w.bStart = 0, w.n
	w.a, w.b = 0, 0
}

// prime stores the i-th of the first 2n energies.
func (w *energyWindow) prime(i int, e float64) {
	w.ring[i] = e
	if i < w.n {
		w.a += e
	} else {
		w.b += e
	}
}

// push slides both windows by one sample.
func (w *energyWindow) push(e float64) {
	w.a -= w.ring[w.start]
	w.a += w.ring[w.bStart]
	w.b -= w.ring[w.bStart]
	w.b += e
	w.ring[w.start] = e
	w.start = dsp.Wrap(w.start+1, 2*w.n)
	w.bStart = dsp.Wrap(w.bStart+1, 2*w.n)
}

// sums recomputes a and b from the ring.
func (w *energyWindow) sums() (a, b float64) {
	for i := 0; i < w.n; i++ {
		a += w.ring[dsp.Wrap(w.start+i, 2*w.n)]
		b += w.ring[dsp.Wrap(w.bStart+i, 2*w.n)]
	}
	return a, b
}

func (w *energyWindow) ratio() float64 {
	if w.a == 0 {
		return 0
	}
	return w.b / w.a
}

func norm(v complex64) float64 {
	re, im := float64(real(v)), float64(imag(v))
	return re*re + im*im
}
