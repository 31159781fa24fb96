package rx

import (
	"fmt"
	"time"

	"github.com/rjboer/ofdmsync/internal/dsp"
)

// DefaultInitialWait is the number of samples discarded before energy
// detection starts.
const DefaultInitialWait = 100

// Config holds the link parameters shared by every run.
type Config struct {
	NFFT int
	NCP  int
	// EnergyRatio is the newer/older window energy ratio that flags a burst.
	EnergyRatio float64
	// EnergyFloor is the newer-window energy that must be exceeded as well,
	// so that an all-zero stream never triggers.
	EnergyFloor float64
	// DelayCorrThreshold bounds |corr|^2 / b^2 from below.
	DelayCorrThreshold float64
	// NumHeaderSyms is the number of known preamble periods that follow the
	// delay-correlation pair. Requests with a CFO stage and no NumSymbols
	// estimate over that many periods.
	NumHeaderSyms int
	NumTx         int
	// DetectJump is skipped between synchronization and measurement to
	// compensate receive pipeline latency.
	DetectJump int
	// SampleRate converts timing fits to time offsets; zero leaves them unset.
	SampleRate  float64
	InitialWait int
	// TimingUnwrap selects the phase unwrapping of the timing fits.
	TimingUnwrap dsp.Unwrapping
	// Training maps a transmitter id to the vector that removes its training
	// pattern from a received spectrum, in natural bin order.
	Training map[int][]complex128
}

func (c Config) withDefaults() Config {
	if c.NumTx <= 0 {
		c.NumTx = 1
	}
	if c.InitialWait <= 0 {
		c.InitialWait = DefaultInitialWait
	}
	return c
}

func (c Config) validate(mode Mode) error {
	bad := func(field, format string, args ...any) error {
		return &ConfigError{Mode: mode, Field: field, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case c.NFFT < 2:
		return bad("nfft", "must be at least 2, got %d", c.NFFT)
	case c.NCP < 0:
		return bad("ncp", "must not be negative, got %d", c.NCP)
	case c.DetectJump < 0:
		return bad("detect jump", "must not be negative, got %d", c.DetectJump)
	case c.SampleRate < 0:
		return bad("sample rate", "must not be negative, got %g", c.SampleRate)
	case c.EnergyFloor < 0:
		return bad("energy floor", "must not be negative, got %g", c.EnergyFloor)
	case c.NumHeaderSyms < 0:
		return bad("header symbols", "must not be negative, got %d", c.NumHeaderSyms)
	case c.TimingUnwrap < dsp.UnwrapAuto || c.TimingUnwrap > dsp.UnwrapSmall:
		return bad("timing unwrap", "unknown variant %d", int(c.TimingUnwrap))
	}
	if mode == ModeLogAll {
		return nil
	}
	if c.EnergyRatio <= 0 {
		return bad("energy ratio", "must be positive, got %g", c.EnergyRatio)
	}
	if c.DelayCorrThreshold <= 0 {
		return bad("delay correlation threshold", "must be positive, got %g", c.DelayCorrThreshold)
	}
	for id, v := range c.Training {
		if len(v) != c.NFFT {
			return bad("training", "transmitter %d has %d bins, want %d", id, len(v), c.NFFT)
		}
	}
	return nil
}

// Request describes one run.
type Request struct {
	Mode Mode
	// TotalSamples is the number of samples the source was asked for; zero
	// means a continuous stream. It bounds the drain after completion.
	TotalSamples uint64
	// NumSymbols is the CFO symbol count, or the number of symbols to log.
	NumSymbols     int
	PrecomputedCFO *float64
	// NumHChunks and NumHSymsPerChunk shape channel averaging.
	NumHChunks       int
	NumHSymsPerChunk int
	// StartTime is the stream time of the first requested sample. Receivers
	// that count from zero are offset by it.
	StartTime time.Duration
	// Sink receives logged samples in the log modes.
	Sink SampleSink
}

// SampleSink consumes raw samples.
type SampleSink interface {
	WriteSamples(iq []complex64) error
}

// StampedSink is a SampleSink that records the stream time of its first
// sample.
type StampedSink interface {
	SampleSink
	MarkStart(t time.Duration)
}

func markStart(sink SampleSink, t time.Duration) {
	if s, ok := sink.(StampedSink); ok {
		s.MarkStart(t)
	}
}

// measuredTx lists the transmitter ids whose blocks are walked and whether
// each is measured.
func (r Request) measuredTx(cfg Config) (ids []int, active []bool) {
	switch r.Mode {
	case ModeMeasureSingle, ModeDetectStart:
		return []int{0}, []bool{true}
	case ModeMeasureAll, ModeMeasureCurrent:
		ids = make([]int, cfg.NumTx)
		active = make([]bool, cfg.NumTx)
		for i := range ids {
			ids[i] = i
			active[i] = r.Mode == ModeMeasureAll || i == 0
		}
		return ids, active
	}
	return nil, nil
}

func (r Request) withDefaults(cfg Config) Request {
	if r.NumSymbols == 0 && r.Mode.HasCFOStage() {
		r.NumSymbols = cfg.NumHeaderSyms
	}
	return r
}

func (r Request) validate(cfg Config) error {
	bad := func(field, format string, args ...any) error {
		return &ConfigError{Mode: r.Mode, Field: field, Reason: fmt.Sprintf(format, args...)}
	}
	if !r.Mode.valid() {
		return bad("mode", "unknown mode")
	}
	if r.NumSymbols < 0 {
		return bad("symbols", "must not be negative, got %d", r.NumSymbols)
	}
	switch r.Mode {
	case ModeLogAll:
		if r.Sink == nil {
			return bad("sink", "plain logging needs a sample sink")
		}
	case ModeDetectAndLog:
		if r.NumSymbols < 1 {
			return bad("symbols", "need at least one symbol to log, got %d", r.NumSymbols)
		}
	}
	if r.Mode.HasCFOStage() && r.NumSymbols < 2 {
		return bad("symbols", "CFO estimation needs at least 2 symbols, got %d", r.NumSymbols)
	}
	if !r.Mode.Measures() {
		return nil
	}
	if r.NumHChunks < 1 {
		return bad("chunks", "need at least one chunk, got %d", r.NumHChunks)
	}
	if r.NumHSymsPerChunk < 1 {
		return bad("symbols per chunk", "need at least one symbol per chunk, got %d", r.NumHSymsPerChunk)
	}
	ids, active := r.measuredTx(cfg)
	for i, id := range ids {
		if !active[i] {
			continue
		}
		if _, ok := cfg.Training[id]; !ok {
			return bad("training", "no training spectrum for transmitter %d", id)
		}
	}
	return nil
}
