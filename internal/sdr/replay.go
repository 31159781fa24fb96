package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Replay streams a raw cf32 capture file as if it were a live receiver.
type Replay struct {
	mu      sync.Mutex
	cfg     Config
	f       *os.File
	r       *bufio.Reader
	buf     []byte
	emitted int
}

func NewReplay() *Replay { return &Replay{} }

func (r *Replay) Init(_ context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return errors.New("sdr: replay requires a capture path")
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		r.f.Close()
	}
	r.cfg = cfg
	r.f = f
	r.r = bufio.NewReaderSize(f, cfg.BlockSize*BytesPerSample)
	r.buf = make([]byte, cfg.BlockSize*BytesPerSample)
	r.emitted = 0
	return nil
}

func (r *Replay) Receive(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return Block{}, errors.New("sdr: replay not initialized")
	}

	n, err := io.ReadFull(r.r, r.buf)
	if n < BytesPerSample && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		if !r.cfg.Loop || r.emitted == 0 {
			return Block{}, io.EOF
		}
		if _, serr := r.f.Seek(0, io.SeekStart); serr != nil {
			return Block{}, fmt.Errorf("rewind capture: %w", serr)
		}
		r.r.Reset(r.f)
		n, err = io.ReadFull(r.r, r.buf)
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Block{}, fmt.Errorf("read capture: %w", err)
	}
	if n < BytesPerSample {
		return Block{}, io.EOF
	}

	blk := Block{
		IQ:    make([]complex64, n/BytesPerSample),
		Start: SampleTime(0, r.emitted, r.cfg.SampleRate),
	}
	DecodeCF32(blk.IQ, r.buf[:n])
	r.emitted += len(blk.IQ)
	return blk, nil
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
