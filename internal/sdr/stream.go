package sdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Streamer adapts a BlockReceiver into a per-sample Source. Sample times are
// the stream start plus the block start plus index/rate.
type Streamer struct {
	rx      BlockReceiver
	rate    float64
	timeout time.Duration
	start   time.Duration

	total     uint64
	remaining uint64
	streamed  uint64

	block   Block
	idx     int
	stopped atomic.Bool
}

// NewStreamer wraps an initialized receiver. total bounds the number of
// samples delivered before io.EOF; zero streams until Stop or an error.
func NewStreamer(rx BlockReceiver, cfg Config, total uint64) *Streamer {
	cfg = cfg.withDefaults()
	return &Streamer{
		rx:        rx,
		rate:      cfg.SampleRate,
		timeout:   cfg.Timeout,
		total:     total,
		remaining: total,
	}
}

// StartAt offsets every sample time by t, for receivers whose block times
// count from zero.
func (s *Streamer) StartAt(t time.Duration) *Streamer {
	s.start = t
	return s
}

// Next implements Source.
func (s *Streamer) Next(ctx context.Context) (Sample, error) {
	if s.idx >= len(s.block.IQ) {
		if s.total != 0 && s.remaining == 0 {
			return Sample{}, io.EOF
		}
		if s.stopped.Load() {
			return Sample{}, io.EOF
		}
		if err := s.fill(ctx); err != nil {
			return Sample{}, err
		}
	}
	smp := Sample{
		IQ:   s.block.IQ[s.idx],
		Time: SampleTime(s.start+s.block.Start, s.idx, s.rate),
	}
	s.idx++
	return smp, nil
}

func (s *Streamer) fill(ctx context.Context) error {
	rctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	blk, err := s.rx.Receive(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		}
		return err
	}
	if len(blk.IQ) == 0 {
		return fmt.Errorf("%w: empty block", ErrTimeout)
	}
	if s.total != 0 && uint64(len(blk.IQ)) > s.remaining {
		blk.IQ = blk.IQ[:s.remaining]
	}
	if s.total != 0 {
		s.remaining -= uint64(len(blk.IQ))
	}
	s.streamed += uint64(len(blk.IQ))
	s.block = blk
	s.idx = 0
	return nil
}

// Stop ends streaming once the current block is consumed.
func (s *Streamer) Stop() { s.stopped.Store(true) }

// Streamed returns the number of samples pulled from the receiver so far.
func (s *Streamer) Streamed() uint64 { return s.streamed }

// Close releases the underlying receiver.
func (s *Streamer) Close() error { return s.rx.Close() }
