package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// Spectrum computes windowed power spectra of fixed-size sample blocks. The
// window and FFT plan are built once. Safe for concurrent use.
type Spectrum struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
	buf       []complex128
}

// NewSpectrum prepares a spectrum estimator for blocks of size samples.
func NewSpectrum(size int) *Spectrum {
	s := &Spectrum{}
	s.resize(size)
	return s
}

func (s *Spectrum) resize(size int) {
	if size < 1 {
		size = 1
	}
	s.size = size
	s.window = Hamming(size)
	s.windowSum = 0
	for _, v := range s.window {
		s.windowSum += v
	}
	s.fft = fourier.NewCmplxFFT(size)
	s.buf = make([]complex128, size)
}

// Size returns the block size.
func (s *Spectrum) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// PowerDB returns the DC-centered spectrum of samples in dB relative to a
// unit full-scale tone. Only the first Size() samples are used; shorter
// input is zero padded. Empty bins report -Inf.
func (s *Spectrum) PowerDB(samples []complex64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buf {
		s.buf[i] = 0
		if i < len(samples) {
			v := samples[i]
			s.buf[i] = complex(float64(real(v))*s.window[i], float64(imag(v))*s.window[i])
		}
	}
	coeffs := s.fft.Coefficients(nil, s.buf)
	for i := range coeffs {
		coeffs[i] /= complex(s.windowSum, 0)
	}
	return MagnitudeDB(FFTShift(coeffs))
}

// MagnitudeDB converts each element to 20*log10(|v|).
func MagnitudeDB(v []complex128) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		mag := cmplx.Abs(x)
		if mag == 0 {
			out[i] = math.Inf(-1)
			continue
		}
		out[i] = 20 * math.Log10(mag)
	}
	return out
}
