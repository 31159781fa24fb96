// Package app wires a sample backend, the receive engine, capture sinks and
// telemetry into runnable receive chains.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rjboer/ofdmsync/internal/capture"
	"github.com/rjboer/ofdmsync/internal/logging"
	"github.com/rjboer/ofdmsync/internal/rx"
	"github.com/rjboer/ofdmsync/internal/sdr"
	"github.com/rjboer/ofdmsync/internal/telemetry"
)

// Backend names accepted by NewReceiver.
const (
	BackendSynth  = "synth"
	BackendMock   = "mock"
	BackendReplay = "replay"
)

// Config captures one receive chain.
type Config struct {
	Name    string
	Backend string
	Source  sdr.Config
	// Burst shapes the synthetic waveform of the synth backend. Its seed and
	// geometry also define the training spectra when Engine.Training is empty.
	Burst        sdr.Burst
	TotalSamples uint64
	// WarmupBlocks are received and discarded before the engine starts.
	WarmupBlocks int
	Engine       rx.Config
	Request      rx.Request
	// LogPath receives the samples of the logging modes. A .parquet
	// extension selects parquet, anything else raw cf32.
	LogPath string
	// TapPath receives every sample the engine consumes.
	TapPath string
	// SpectrumSize is the snapshot FFT length; zero disables snapshots.
	SpectrumSize  int
	SpectrumEvery int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "rx0"
	}
	if c.Backend == "" {
		c.Backend = BackendSynth
	}
	if c.SpectrumEvery <= 0 {
		c.SpectrumEvery = 16
	}
	if c.Request.TotalSamples == 0 {
		c.Request.TotalSamples = c.TotalSamples
	}
	if c.Request.Mode.Measures() && len(c.Engine.Training) == 0 && c.Burst.NFFT == c.Engine.NFFT {
		c.Engine.Training = TrainingFor(c.Burst, c.Engine.NumTx)
	}
	return c
}

// TrainingFor derives the per-transmitter channel multipliers of a burst.
func TrainingFor(b sdr.Burst, numTx int) map[int][]complex128 {
	if numTx < 1 {
		numTx = 1
	}
	out := make(map[int][]complex128, numTx)
	for tx := 0; tx < numTx; tx++ {
		out[tx] = b.Multiplier(tx)
	}
	return out
}

// NewReceiver builds the block receiver for cfg.Backend.
func NewReceiver(cfg Config) (sdr.BlockReceiver, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendSynth, "":
		return sdr.NewMock(cfg.Burst.Samples()), nil
	case BackendMock:
		// noise only
		return sdr.NewMock(nil), nil
	case BackendReplay:
		return sdr.NewReplay(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// SpectrumSink receives power spectrum snapshots of the raw input.
type SpectrumSink interface {
	UpdateSpectrumSnapshot(bins []float64, source string)
}

// Chain runs one engine against one receiver.
type Chain struct {
	cfg      Config
	receiver sdr.BlockReceiver
	reporter telemetry.Reporter
	spectrum SpectrumSink
	logger   logging.Logger
}

// NewChain builds a chain. reporter and logger may be nil.
func NewChain(cfg Config, receiver sdr.BlockReceiver, reporter telemetry.Reporter, logger logging.Logger) *Chain {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = telemetry.MultiReporter(nil)
	}
	return &Chain{
		cfg:      cfg,
		receiver: receiver,
		reporter: reporter,
		logger:   logger.With(logging.F("chain", cfg.Name)),
	}
}

// WithSpectrum enables input spectrum snapshots.
func (c *Chain) WithSpectrum(s SpectrumSink) *Chain {
	c.spectrum = s
	return c
}

// Config returns the chain configuration with defaults applied.
func (c *Chain) Config() Config { return c.cfg }

// Run initializes the receiver, discards the warmup blocks and runs the
// engine until it completes. The result and error are also reported as
// telemetry.
func (c *Chain) Run(ctx context.Context) (res *rx.Result, err error) {
	receiver := c.receiver
	if c.spectrum != nil && c.cfg.SpectrumSize > 0 {
		receiver = newSnoop(receiver, c.cfg.SpectrumSize, c.cfg.SpectrumEvery, c.cfg.Backend, c.spectrum)
	}
	if err := receiver.Init(ctx, c.cfg.Source); err != nil {
		c.reporter.Report(telemetry.Summarize(c.cfg.Name, nil, err)[0])
		return nil, fmt.Errorf("init receiver: %w", err)
	}
	defer func() {
		if cerr := receiver.Close(); cerr != nil {
			c.logger.Warn("close receiver", logging.F("error", cerr))
		}
	}()

	if err := c.warmup(ctx, receiver); err != nil {
		c.reporter.Report(telemetry.Summarize(c.cfg.Name, nil, err)[0])
		return nil, fmt.Errorf("warmup: %w", err)
	}

	req := c.cfg.Request
	var sinks []capture.Sink
	defer func() {
		for _, s := range sinks {
			if cerr := s.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close capture: %w", cerr))
			}
		}
	}()
	meta := capture.Meta{SampleRate: c.cfg.Source.SampleRate, Start: req.StartTime, Mode: req.Mode.String(), NFFT: c.cfg.Engine.NFFT}
	if c.cfg.LogPath != "" && req.Sink == nil {
		sink, err := capture.Create(c.cfg.LogPath, meta)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		req.Sink = sink
	}
	opts := []rx.Option{
		rx.WithLogger(c.logger),
		rx.WithObserver(telemetry.Observer(c.cfg.Name, c.reporter)),
	}
	if c.cfg.TapPath != "" {
		tap, err := capture.Create(c.cfg.TapPath, meta)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tap)
		opts = append(opts, rx.WithTap(tap))
	}

	engine, err := rx.New(c.cfg.Engine, req, opts...)
	if err != nil {
		return nil, err
	}
	c.logger.Info("chain started",
		logging.F("backend", c.cfg.Backend),
		logging.F("mode", req.Mode.String()),
		logging.F("total_samples", c.cfg.TotalSamples))

	src := sdr.NewStreamer(receiver, c.cfg.Source, c.cfg.TotalSamples).StartAt(req.StartTime)
	res, err = engine.Run(ctx, src)
	for _, rec := range telemetry.Summarize(c.cfg.Name, res, err) {
		c.reporter.Report(rec)
	}
	return res, err
}

func (c *Chain) warmup(ctx context.Context, receiver sdr.BlockReceiver) error {
	for i := 0; i < c.cfg.WarmupBlocks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := receiver.Receive(ctx)
		if err != nil {
			return fmt.Errorf("warmup block %d: %w", i, err)
		}
		c.logger.Debug("warmup block discarded", logging.F("index", i), logging.F("samples", len(blk.IQ)))
	}
	return nil
}
