package rx

import (
	"fmt"

	"github.com/rjboer/ofdmsync/internal/dsp"
)

// accumulator holds one transmitter's per-chunk time-domain sums and the
// channel vectors computed from them.
type accumulator struct {
	active   bool
	chunks   []*dsp.Transform
	inputs   [][]complex128
	channels [][]complex128
}

// Memory is the working storage of one engine, sized from its configuration
// and request. It is reused across runs and never shared between engines.
type Memory struct {
	nfft    int
	energy  []float64
	scratch [2][]complex128
	log     []complex64
	ids     []int
	tx      map[int]*accumulator
}

// NewMemory allocates working storage for cfg and req.
func NewMemory(cfg Config, req Request) (*Memory, error) {
	m := &Memory{
		nfft:   cfg.NFFT,
		energy: make([]float64, 2*cfg.NFFT),
		tx:     make(map[int]*accumulator),
	}
	for i := range m.scratch {
		m.scratch[i] = make([]complex128, cfg.NFFT)
	}
	if req.Mode == ModeDetectAndLog {
		m.log = make([]complex64, 0, cfg.NFFT*req.NumSymbols)
	}

	ids, active := req.measuredTx(cfg)
	for i, id := range ids {
		acc := &accumulator{active: active[i]}
		if acc.active {
			acc.chunks = make([]*dsp.Transform, req.NumHChunks)
			acc.inputs = make([][]complex128, req.NumHChunks)
			acc.channels = make([][]complex128, req.NumHChunks)
			for c := range acc.chunks {
				t, err := dsp.NewTransform(cfg.NFFT, 1, dsp.Forward, dsp.Measure)
				if err != nil {
					return nil, fmt.Errorf("allocate accumulator tx=%d chunk=%d: %w", id, c, err)
				}
				acc.chunks[c] = t
				acc.inputs[c], _ = t.Input(0)
			}
		}
		m.ids = append(m.ids, id)
		m.tx[id] = acc
	}
	return m, nil
}

// Transmitters returns the transmitter ids walked during measurement, in
// the order their blocks arrive.
func (m *Memory) Transmitters() []int {
	return append([]int(nil), m.ids...)
}

// Active reports whether transmitter id is measured.
func (m *Memory) Active(id int) bool {
	acc, ok := m.tx[id]
	return ok && acc.active
}

// Accumulated returns the time-domain sum of a transmitter's chunk. The slice
// aliases engine storage.
func (m *Memory) Accumulated(id, chunk int) ([]complex128, bool) {
	acc, ok := m.tx[id]
	if !ok || !acc.active || chunk < 0 || chunk >= len(acc.inputs) {
		return nil, false
	}
	return acc.inputs[chunk], true
}

func (m *Memory) reset() {
	for i := range m.energy {
		m.energy[i] = 0
	}
	m.log = m.log[:0]
	for _, acc := range m.tx {
		for _, t := range acc.chunks {
			t.Zero()
		}
		for c := range acc.channels {
			acc.channels[c] = acc.channels[c][:0]
		}
	}
}
