package sdr

import (
	"context"
	"io"
	"time"
)

// SliceSource replays an in-memory sample slice. It ends with io.EOF unless
// another terminal error is set with EndWith.
type SliceSource struct {
	samples []complex64
	start   time.Duration
	rate    float64
	idx     int
	end     error
}

// NewSliceSource returns a source starting at time zero.
func NewSliceSource(samples []complex64, rate float64) *SliceSource {
	return &SliceSource{samples: samples, rate: rate, end: io.EOF}
}

// StartAt shifts the timestamp of the first sample.
func (s *SliceSource) StartAt(t time.Duration) *SliceSource {
	s.start = t
	return s
}

// EndWith sets the error returned after the last sample, for example
// ErrTimeout to emulate a stalled receiver.
func (s *SliceSource) EndWith(err error) *SliceSource {
	s.end = err
	return s
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if s.idx >= len(s.samples) {
		return Sample{}, s.end
	}
	smp := Sample{IQ: s.samples[s.idx], Time: SampleTime(s.start, s.idx, s.rate)}
	s.idx++
	return smp, nil
}

// Stop truncates the stream so the next call returns io.EOF.
func (s *SliceSource) Stop() {
	s.samples = s.samples[:s.idx]
	s.end = io.EOF
}

// Consumed returns the number of samples delivered.
func (s *SliceSource) Consumed() int { return s.idx }
