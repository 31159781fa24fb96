package app

import (
	"context"
	"math"

	"github.com/rjboer/ofdmsync/internal/dsp"
	"github.com/rjboer/ofdmsync/internal/sdr"
)

// spectrumFloorDB replaces empty bins, which JSON cannot encode as -Inf.
const spectrumFloorDB = -200

// snoop passes blocks through unchanged and publishes the power spectrum of
// every n-th one.
type snoop struct {
	sdr.BlockReceiver
	spec   *dsp.Spectrum
	every  int
	count  int
	source string
	sink   SpectrumSink
}

func newSnoop(rx sdr.BlockReceiver, size, every int, source string, sink SpectrumSink) *snoop {
	return &snoop{BlockReceiver: rx, spec: dsp.NewSpectrum(size), every: every, source: source, sink: sink}
}

func (s *snoop) Receive(ctx context.Context) (sdr.Block, error) {
	blk, err := s.BlockReceiver.Receive(ctx)
	if err != nil {
		return blk, err
	}
	if s.count%s.every == 0 && len(blk.IQ) > 0 {
		bins := s.spec.PowerDB(blk.IQ)
		for i, v := range bins {
			if math.IsInf(v, -1) || v < spectrumFloorDB {
				bins[i] = spectrumFloorDB
			}
		}
		s.sink.UpdateSpectrumSnapshot(bins, s.source)
	}
	s.count++
	return blk, nil
}
