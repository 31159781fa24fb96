package rx

import (
	"sort"
	"time"

	"github.com/rjboer/ofdmsync/internal/dsp"
)

// ChannelEstimate holds per-transmitter, per-chunk frequency responses in
// natural bin order.
type ChannelEstimate struct {
	NFFT int
	Tx   map[int][][]complex128
}

// Transmitters returns the measured transmitter ids in ascending order.
func (c *ChannelEstimate) Transmitters() []int {
	ids := make([]int, 0, len(c.Tx))
	for id := range c.Tx {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Chunk returns the response of one transmitter and chunk.
func (c *ChannelEstimate) Chunk(tx, chunk int) ([]complex128, bool) {
	chunks, ok := c.Tx[tx]
	if !ok || chunk < 0 || chunk >= len(chunks) {
		return nil, false
	}
	return chunks[chunk], true
}

// Mean averages a transmitter's response over its chunks.
func (c *ChannelEstimate) Mean(tx int) []complex128 {
	chunks := c.Tx[tx]
	if len(chunks) == 0 {
		return nil
	}
	out := make([]complex128, c.NFFT)
	for _, h := range chunks {
		for k := range out {
			out[k] += h[k]
		}
	}
	scale := complex(1/float64(len(chunks)), 0)
	for k := range out {
		out[k] *= scale
	}
	return out
}

// Result is the outcome of one run. Estimate is nil unless every chunk of
// every measured transmitter completed.
type Result struct {
	Mode      Mode
	Detected  bool
	Detection time.Duration
	// CFO is the estimate in cycles per sample; HasCFO is false when the
	// CFO stage did not complete.
	CFO    float64
	HasCFO bool
	// AppliedCFO is the offset removed during measurement, which is the
	// precomputed value when one was supplied.
	AppliedCFO float64
	Estimate   *ChannelEstimate
	// Timing holds the phase-slope fit of each chunk. It is informational:
	// Detection is never corrected by it.
	Timing  map[int][]dsp.TimingEstimate
	Log     []complex64
	Samples uint64
}

// computeAll scales every accumulated chunk by 1/K, transforms it, and
// removes the training pattern.
func (e *Engine) computeAll() {
	k := complex(1/float64(e.req.NumHSymsPerChunk), 0)
	for _, id := range e.mem.ids {
		acc := e.mem.tx[id]
		if !acc.active {
			continue
		}
		for c, t := range acc.chunks {
			t.Scale(k)
			t.Execute()
			t.MultiplyOutput(e.cfg.Training[id])
			out, _ := t.Output(0)
			acc.channels[c] = append(acc.channels[c][:0], out...)
		}
	}
}

func (e *Engine) estimate() (*ChannelEstimate, map[int][]dsp.TimingEstimate) {
	est := &ChannelEstimate{NFFT: e.cfg.NFFT, Tx: make(map[int][][]complex128)}
	timing := make(map[int][]dsp.TimingEstimate)
	for _, id := range e.mem.ids {
		acc := e.mem.tx[id]
		if !acc.active {
			continue
		}
		chunks := make([][]complex128, len(acc.channels))
		fits := make([]dsp.TimingEstimate, len(acc.channels))
		for c, h := range acc.channels {
			chunks[c] = append([]complex128(nil), h...)
			fits[c] = dsp.EstimateTimingWith(h, e.cfg.Training[id], dsp.TimingOptions{
				Threshold:  dsp.DefaultBinThreshold,
				Unwrap:     e.cfg.TimingUnwrap,
				SampleRate: e.cfg.SampleRate,
			})
		}
		est.Tx[id] = chunks
		timing[id] = fits
	}
	return est, timing
}
