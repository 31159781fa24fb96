package sdr

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by a source whose underlying receive call timed out.
var ErrTimeout = errors.New("sdr: receive timeout")

// Sample is one complex baseband sample with its absolute receive time.
type Sample struct {
	IQ   complex64
	Time time.Duration
}

// Source yields samples one at a time. Next returns io.EOF once a finite
// stream is exhausted and an error matching ErrTimeout when a read timed out.
type Source interface {
	Next(ctx context.Context) (Sample, error)
}

// Stopper is implemented by sources streaming continuously. After Stop, Next
// returns whatever is already buffered and then io.EOF.
type Stopper interface {
	Stop()
}

// Block is a contiguous run of samples. Start is the receive time of IQ[0].
type Block struct {
	IQ    []complex64
	Start time.Duration
}

// BlockReceiver is the block-oriented receive side of a radio backend.
type BlockReceiver interface {
	Init(ctx context.Context, cfg Config) error
	Receive(ctx context.Context) (Block, error)
	Close() error
}

// Config carries parameters required to initialize a receive backend.
type Config struct {
	SampleRate float64
	// BlockSize is the number of samples per Receive call.
	BlockSize int
	// Timeout bounds each Receive call. Zero disables the bound.
	Timeout time.Duration
	// Path is the capture file read by the replay backend.
	Path string
	// Loop restarts file and mock playback at the end instead of ending the stream.
	Loop bool
	// NoiseStd adds complex Gaussian noise to generated samples.
	NoiseStd float64
	Seed     int64
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 1e6
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	return c
}

// SampleTime converts a sample index relative to start into an absolute time.
func SampleTime(start time.Duration, index int, rate float64) time.Duration {
	if rate <= 0 {
		return start
	}
	return start + time.Duration(float64(index)*float64(time.Second)/rate)
}
