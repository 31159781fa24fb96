package sdr

import (
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/rjboer/ofdmsync/internal/dsp"
)

// Burst describes a synthetic OFDM burst. The preamble is a constant-modulus
// chirp that repeats every NFFT samples. It is followed by Chunks rounds of
// training blocks, one block per transmitter per round. A block is an NCP
// cyclic prefix plus SymsPerChunk copies of the transmitter's training symbol.
type Burst struct {
	NFFT  int
	NCP   int
	NumTx int
	// CFOSymbols lengthens the preamble by that many periods so the receiver
	// can estimate frequency offset from it.
	CFOSymbols int
	// Slack lengthens the preamble by a few samples beyond what the receiver
	// consumes.
	Slack        int
	Gap          int
	Chunks       int
	SymsPerChunk int
	// CFO is the injected carrier offset in cycles per sample.
	CFO float64
	// Gains holds the flat channel gain of each transmitter. Missing entries are 1.
	Gains []complex128
	// Lead and Tail are quiet samples of amplitude Floor around the burst.
	Lead     int
	Tail     int
	Floor    float64
	NoiseStd float64
	Seed     int64
}

func (b Burst) numTx() int {
	if b.NumTx < 1 {
		return 1
	}
	return b.NumTx
}

// PreambleLen is the number of preamble samples, starting at the sample
// expected to trip the energy detector.
func (b Burst) PreambleLen() int {
	return 1 + 2*b.NFFT + b.CFOSymbols*b.NFFT + b.Slack
}

// BlockLen is the length of one training block including its cyclic prefix.
func (b Burst) BlockLen() int { return b.NCP + b.SymsPerChunk*b.NFFT }

// DetectionIndex is the index of the first preamble sample.
func (b Burst) DetectionIndex() int { return b.Lead }

// TrainingStart is the index of the first cyclic-prefix sample of the first
// training block.
func (b Burst) TrainingStart() int { return b.Lead + b.PreambleLen() + b.Gap }

// AlignedJump is the detection jump that starts measurement exactly on the
// first training symbol.
func (b Burst) AlignedJump() int { return b.Slack + b.Gap + b.NCP }

// Len is the total number of samples produced by Samples.
func (b Burst) Len() int {
	return b.TrainingStart() + b.Chunks*b.numTx()*b.BlockLen() + b.Tail
}

// PreambleSample returns preamble sample n.
func (b Burst) PreambleSample(n int) complex128 {
	k := float64(dsp.Wrap(n, b.NFFT))
	return cmplx.Rect(1, math.Pi*k*k/float64(b.NFFT))
}

// TrainingSpectrum returns the BPSK spectrum of a transmitter's training
// symbol in natural bin order. The DC bin is unused.
func (b Burst) TrainingSpectrum(tx int) []complex128 {
	rng := rand.New(rand.NewSource(b.Seed + int64(tx)*7919 + 1))
	s := make([]complex128, b.NFFT)
	for k := 1; k < b.NFFT; k++ {
		if rng.Intn(2) == 0 {
			s[k] = 1
		} else {
			s[k] = -1
		}
	}
	return s
}

// Training returns one time-domain training symbol of a transmitter, scaled
// to unit average power.
func (b Burst) Training(tx int) []complex128 {
	t, err := dsp.NewTransform(b.NFFT, 1, dsp.Backward, dsp.Estimate)
	if err != nil {
		return nil
	}
	_ = t.Assign(0, b.TrainingSpectrum(tx))
	t.Execute()
	out, _ := t.Output(0)
	sym := make([]complex128, b.NFFT)
	scale := complex(1/math.Sqrt(float64(b.NFFT)), 0)
	for i, v := range out {
		sym[i] = v * scale
	}
	return sym
}

// Multiplier returns the per-bin vector that turns the spectrum of a received
// training symbol into the channel response: conj(X)/|X|^2 on used bins and
// zero elsewhere, where X is the spectrum of Training(tx).
func (b Burst) Multiplier(tx int) []complex128 {
	s := b.TrainingSpectrum(tx)
	root := math.Sqrt(float64(b.NFFT))
	m := make([]complex128, b.NFFT)
	for k, v := range s {
		x := v * complex(root, 0)
		p := real(x)*real(x) + imag(x)*imag(x)
		if p < 1e-18 {
			continue
		}
		m[k] = cmplx.Conj(x) / complex(p, 0)
	}
	return m
}

// Gain returns the channel gain applied to a transmitter.
func (b Burst) Gain(tx int) complex128 {
	if tx < len(b.Gains) {
		return b.Gains[tx]
	}
	return 1
}

// Samples renders the burst with its quiet lead and tail, applying gains,
// frequency offset and noise.
func (b Burst) Samples() []complex64 {
	out := make([]complex128, b.Len())
	for i := range out {
		out[i] = complex(b.Floor, 0)
	}

	pre := b.Lead
	for n := 0; n < b.PreambleLen(); n++ {
		out[pre+n] = b.PreambleSample(n)
	}

	pos := b.TrainingStart()
	syms := make([][]complex128, b.numTx())
	for tx := range syms {
		syms[tx] = b.Training(tx)
	}
	for c := 0; c < b.Chunks; c++ {
		for tx := 0; tx < b.numTx(); tx++ {
			g := b.Gain(tx)
			sym := syms[tx]
			for i := 0; i < b.NCP; i++ {
				out[pos+i] = g * sym[b.NFFT-b.NCP+i]
			}
			pos += b.NCP
			for s := 0; s < b.SymsPerChunk; s++ {
				for i, v := range sym {
					out[pos+i] = g * v
				}
				pos += b.NFFT
			}
		}
	}

	rng := rand.New(rand.NewSource(b.Seed))
	iq := make([]complex64, len(out))
	for n, v := range out {
		if b.CFO != 0 {
			v *= cmplx.Rect(1, 2*math.Pi*b.CFO*float64(n))
		}
		if b.NoiseStd > 0 {
			v += complex(rng.NormFloat64()*b.NoiseStd, rng.NormFloat64()*b.NoiseStd)
		}
		iq[n] = complex64(v)
	}
	return iq
}
