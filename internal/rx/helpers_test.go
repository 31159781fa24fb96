package rx

import (
	"context"
	"time"

	"github.com/rjboer/ofdmsync/internal/sdr"
)

func testConfig(nfft int) Config {
	return Config{NFFT: nfft, EnergyRatio: 4, DelayCorrThreshold: 0.5, SampleRate: 1e6}
}

type memSink struct {
	iq     []complex64
	writes int
	err    error
}

func (m *memSink) WriteSamples(iq []complex64) error {
	if m.err != nil {
		return m.err
	}
	m.iq = append(m.iq, iq...)
	m.writes++
	return nil
}

// stampedSink remembers every start time it is given.
type stampedSink struct {
	memSink
	starts []time.Duration
}

func (s *stampedSink) MarkStart(t time.Duration) { s.starts = append(s.starts, t) }

type recorder struct {
	events []Event
}

func (r *recorder) observe(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) transitions() []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == EventTransition {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// plainSource hides the Stopper implementation of a slice source.
type plainSource struct {
	src *sdr.SliceSource
}

func (p *plainSource) Next(ctx context.Context) (sdr.Sample, error) { return p.src.Next(ctx) }

func constant(n int, v complex64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
