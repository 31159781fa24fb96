package sdr

import (
	"context"
	"io"
	"math/rand"
	"sync"
)

// Mock plays a fixed waveform back in blocks, optionally with added noise.
// An empty waveform yields pure noise forever.
type Mock struct {
	mu       sync.RWMutex
	cfg      Config
	waveform []complex64
	pos      int
	emitted  int
	rng      *rand.Rand
}

func NewMock(waveform []complex64) *Mock { return &Mock{waveform: waveform} }

func (m *Mock) Init(_ context.Context, cfg Config) error {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.pos = 0
	m.emitted = 0
	m.rng = rand.New(rand.NewSource(cfg.Seed))
	m.mu.Unlock()
	return nil
}

func (m *Mock) Close() error { return nil }

// SetNoise updates the noise standard deviation while streaming.
func (m *Mock) SetNoise(std float64) {
	m.mu.Lock()
	m.cfg.NoiseStd = std
	m.mu.Unlock()
}

// Noise returns the current noise standard deviation.
func (m *Mock) Noise() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.NoiseStd
}

func (m *Mock) Receive(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng == nil {
		m.cfg = m.cfg.withDefaults()
		m.rng = rand.New(rand.NewSource(m.cfg.Seed))
	}

	n := m.cfg.BlockSize
	if len(m.waveform) > 0 && !m.cfg.Loop {
		left := len(m.waveform) - m.pos
		if left <= 0 {
			return Block{}, io.EOF
		}
		if n > left {
			n = left
		}
	}

	blk := Block{
		IQ:    make([]complex64, n),
		Start: SampleTime(0, m.emitted, m.cfg.SampleRate),
	}
	for i := range blk.IQ {
		var v complex64
		if len(m.waveform) > 0 {
			v = m.waveform[m.pos]
			m.pos++
			if m.pos == len(m.waveform) && m.cfg.Loop {
				m.pos = 0
			}
		}
		if std := m.cfg.NoiseStd; std > 0 {
			v += complex64(complex(m.rng.NormFloat64()*std, m.rng.NormFloat64()*std))
		}
		blk.IQ[i] = v
	}
	m.emitted += n
	return blk, nil
}
