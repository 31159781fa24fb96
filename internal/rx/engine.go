package rx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"time"

	"github.com/rjboer/ofdmsync/internal/logging"
	"github.com/rjboer/ofdmsync/internal/sdr"
)

const (
	// logBatch is the number of samples buffered between sink writes.
	logBatch = 10000
	// progressEvery is the plain-log progress report interval in samples.
	progressEvery = 500000
)

// Engine is the burst synchronizer and channel estimator. An Engine owns its
// working memory; concurrent measurements need one Engine each.
type Engine struct {
	cfg Config
	req Request
	mem *Memory
	win *energyWindow

	log     logging.Logger
	observe Observer
	tap     SampleSink
	tapBuf  []complex64

	state     state
	consumed  uint64
	last      sdr.Sample
	detected  bool
	detection time.Duration
	cfo       float64
	hasCFO    bool
	applied   float64
	complete  bool
	logStart  time.Duration
}

// New validates cfg and req and allocates working memory.
func New(cfg Config, req Request, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(req.Mode); err != nil {
		return nil, err
	}
	req = req.withDefaults(cfg)
	if err := req.validate(cfg); err != nil {
		return nil, err
	}
	mem, err := NewMemory(cfg, req)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		req:   req,
		mem:   mem,
		win:   newEnergyWindow(mem.energy),
		log:   logging.Default(),
		state: &waitState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.Field{Key: "subsystem", Value: "rx"}, logging.Field{Key: "mode", Value: req.Mode.String()})
	return e, nil
}

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config { return e.cfg }

// Request returns the run request.
func (e *Engine) Request() Request { return e.req }

// Memory exposes the working memory.
func (e *Engine) Memory() *Memory { return e.mem }

// State returns the current state.
func (e *Engine) State() StateKind { return e.state.kind() }

func (e *Engine) reset() {
	e.mem.reset()
	e.win.reset()
	e.state = &waitState{}
	e.consumed = 0
	e.last = sdr.Sample{}
	e.detected = false
	e.detection = 0
	e.cfo, e.hasCFO, e.applied = 0, false, 0
	e.complete = false
	e.logStart = 0
	e.tapBuf = e.tapBuf[:0]
}

// Run pulls samples from src until the run completes, the source fails or
// ctx is cancelled. Cancellation is checked once per sample and is followed
// by a drain of the source. A stream that ends early yields the partial
// result together with an error matching ErrStreamEnded.
func (e *Engine) Run(ctx context.Context, src sdr.Source) (*Result, error) {
	if e.req.Mode == ModeLogAll {
		return e.logAll(ctx, src)
	}
	e.reset()
	defer e.flushTap()

	for e.state.kind() != StateDone {
		if err := ctx.Err(); err != nil {
			e.log.Warn("run cancelled", logging.Field{Key: "state", Value: e.state.kind().String()}, logging.Field{Key: "samples", Value: e.consumed})
			e.drain(ctx, src)
			return e.result(), err
		}
		smp, err := src.Next(ctx)
		if err != nil {
			return e.fail(ctx, src, err)
		}
		e.consumed++
		e.last = smp
		e.record(smp)
		e.step(smp)
	}
	e.drain(ctx, src)

	res := e.result()
	if e.req.Mode == ModeDetectAndLog && e.req.Sink != nil {
		markStart(e.req.Sink, e.logStart)
		if err := e.req.Sink.WriteSamples(res.Log); err != nil {
			return res, fmt.Errorf("write log: %w", err)
		}
	}
	e.emit(Event{Kind: EventComplete, From: StateDone, To: StateDone, Pass: true})
	e.log.Info("run complete",
		logging.Field{Key: "samples", Value: e.consumed},
		logging.Field{Key: "detection", Value: e.detection},
		logging.Field{Key: "cfo", Value: e.cfo},
		logging.Field{Key: "estimate", Value: res.Estimate != nil})
	return res, nil
}

func (e *Engine) fail(ctx context.Context, src sdr.Source, err error) (*Result, error) {
	kind := e.state.kind()
	switch {
	case errors.Is(err, io.EOF):
		e.log.Warn("stream ended before completion", logging.Field{Key: "state", Value: kind.String()}, logging.Field{Key: "samples", Value: e.consumed})
		return e.result(), fmt.Errorf("%w in %s after %d samples", ErrStreamEnded, kind, e.consumed)
	case ctx.Err() != nil:
		e.drain(ctx, src)
		return e.result(), ctx.Err()
	}
	e.log.Error("sample source failed", logging.Field{Key: "state", Value: kind.String()}, logging.Field{Key: "samples", Value: e.consumed}, logging.Field{Key: "error", Value: err.Error()})
	return nil, &SourceError{State: kind, Sample: e.consumed, Err: err}
}

func (e *Engine) result() *Result {
	res := &Result{
		Mode:       e.req.Mode,
		Detected:   e.detected,
		Detection:  e.detection,
		CFO:        e.cfo,
		HasCFO:     e.hasCFO,
		AppliedCFO: e.applied,
		Samples:    e.consumed,
	}
	if e.req.Mode == ModeDetectAndLog {
		res.Log = append([]complex64(nil), e.mem.log...)
	}
	if e.complete {
		res.Estimate, res.Timing = e.estimate()
	}
	return res
}

// drain discards samples still in flight so the source's sample accounting
// stays consistent. A finite request is read up to its total; a continuous
// source is stopped and its current block consumed.
func (e *Engine) drain(ctx context.Context, src sdr.Source) {
	dctx := context.WithoutCancel(ctx)
	var n uint64
	if e.req.TotalSamples > 0 {
		for e.consumed+n < e.req.TotalSamples {
			if _, err := src.Next(dctx); err != nil {
				break
			}
			n++
		}
	} else if s, ok := src.(sdr.Stopper); ok {
		s.Stop()
		for {
			if _, err := src.Next(dctx); err != nil {
				break
			}
			n++
		}
	}
	if n > 0 {
		e.log.Debug("drained source", logging.Field{Key: "samples", Value: n})
	}
}

func (e *Engine) record(smp sdr.Sample) {
	if e.tap == nil {
		return
	}
	if e.consumed == 1 {
		markStart(e.tap, smp.Time)
	}
	e.tapBuf = append(e.tapBuf, smp.IQ)
	if len(e.tapBuf) >= logBatch {
		e.flushTap()
	}
}

func (e *Engine) flushTap() {
	if e.tap == nil || len(e.tapBuf) == 0 {
		return
	}
	if err := e.tap.WriteSamples(e.tapBuf); err != nil {
		e.log.Warn("raw capture disabled", logging.Field{Key: "error", Value: err.Error()})
		e.tap = nil
	}
	e.tapBuf = e.tapBuf[:0]
}

func (e *Engine) emit(ev Event) {
	if e.observe == nil {
		return
	}
	ev.Sample = e.consumed
	ev.Time = e.last.Time
	e.observe(ev)
}

func (e *Engine) enter(next state) {
	from := e.state.kind()
	e.state = next
	e.log.Debug("state transition",
		logging.Field{Key: "from", Value: from.String()},
		logging.Field{Key: "to", Value: next.kind().String()},
		logging.Field{Key: "sample", Value: e.consumed})
	e.emit(Event{Kind: EventTransition, From: from, To: next.kind()})
}

func (e *Engine) step(smp sdr.Sample) {
	n := e.cfg.NFFT
	switch st := e.state.(type) {
	case *waitState:
		st.seen++
		if st.seen >= e.cfg.InitialWait {
			e.win.reset()
			e.enter(&energyInitState{})
		}
	case *energyInitState:
		e.win.prime(st.counter, norm(smp.IQ))
		st.counter++
		if st.counter == 2*n {
			e.enter(&energyState{})
		}
	case *energyState:
		e.detectEnergy(st, smp)
	case *delayCorrState:
		e.delayCorrelate(st, smp)
	case *skipState:
		st.counter++
		if st.counter >= st.total {
			e.enter(st.next)
		}
	case *logState:
		if len(e.mem.log) == 0 {
			e.logStart = smp.Time
		}
		e.mem.log = append(e.mem.log, smp.IQ)
		if len(e.mem.log) == cap(e.mem.log) {
			e.enter(&doneState{})
		}
	case *cfoInitState:
		e.mem.scratch[0][st.counter] = complex128(smp.IQ)
		st.counter++
		if st.counter == n {
			e.enter(&cfoState{cur: 1, syms: 1})
		}
	case *cfoState:
		e.estimateCFO(st, smp)
	case *measureState:
		e.measure(st, smp)
	}
}

func (e *Engine) detectEnergy(st *energyState, smp sdr.Sample) {
	w := e.win
	w.push(norm(smp.IQ))

	above := w.b > e.cfg.EnergyFloor
	warn := above && w.b >= e.cfg.EnergyRatio/2*w.a
	if warn && !st.warned {
		e.log.Warn("energy ratio above half threshold",
			logging.Field{Key: "ratio", Value: w.ratio()},
			logging.Field{Key: "a", Value: w.a},
			logging.Field{Key: "b", Value: w.b})
		e.emit(Event{Kind: EventEnergyWarning, From: StateEnergy, To: StateEnergy, Value: w.ratio()})
	}
	st.warned = warn

	if above && w.b >= e.cfg.EnergyRatio*w.a {
		e.detected = true
		e.detection = smp.Time
		e.log.Info("energy detection",
			logging.Field{Key: "ratio", Value: w.ratio()},
			logging.Field{Key: "sample", Value: e.consumed},
			logging.Field{Key: "time", Value: smp.Time})
		e.emit(Event{Kind: EventDetection, From: StateEnergy, To: StateDelayCorrelate, Value: w.ratio(), Pass: true})
		e.enter(&delayCorrState{})
	}
}

// delayCorrelate accumulates corr = sum x[n]*conj(x[n+N]) and the energy b of
// the second half, then tests |corr|^2 >= threshold*b^2.
func (e *Engine) delayCorrelate(st *delayCorrState, smp sdr.Sample) {
	n := e.cfg.NFFT
	x := complex128(smp.IQ)
	if st.counter < n {
		e.mem.scratch[0][st.counter] = x
	} else {
		st.corr += e.mem.scratch[0][st.counter-n] * cmplx.Conj(x)
		st.b += real(x)*real(x) + imag(x)*imag(x)
	}
	st.counter++
	if st.counter < 2*n {
		return
	}

	num := real(st.corr)*real(st.corr) + imag(st.corr)*imag(st.corr)
	den := st.b * st.b
	var metric float64
	if den > 0 {
		metric = num / den
	}
	pass := den > 0 && num >= e.cfg.DelayCorrThreshold*den
	e.log.Debug("delay correlation",
		logging.Field{Key: "metric", Value: metric},
		logging.Field{Key: "threshold", Value: e.cfg.DelayCorrThreshold},
		logging.Field{Key: "pass", Value: pass})

	e.emit(Event{Kind: EventCorrelation, From: StateDelayCorrelate, To: StateDelayCorrelate, Value: metric, Pass: pass})
	if !pass {
		e.win.reset()
		e.enter(&energyInitState{})
		return
	}

	switch e.req.Mode {
	case ModeBeacon:
		e.enter(&doneState{})
	case ModeDetectAndLog:
		e.enter(&logState{})
	case ModeMeasureSingle:
		e.startMeasure(e.precomputedOr(0))
	default:
		e.enter(&cfoInitState{})
	}
}

// estimateCFO correlates each symbol with the previous one and averages
// -arg(corr)/(2*pi*N) over NumSymbols-1 pairs.
func (e *Engine) estimateCFO(st *cfoState, smp sdr.Sample) {
	n := e.cfg.NFFT
	x := complex128(smp.IQ)
	e.mem.scratch[st.cur][st.counter] = x
	st.corr += e.mem.scratch[1-st.cur][st.counter] * cmplx.Conj(x)
	st.counter++
	if st.counter < n {
		return
	}
	st.cur = 1 - st.cur
	st.counter = 0
	st.sum += -cmplx.Phase(st.corr) / (2 * math.Pi * float64(n))
	st.syms++
	st.corr = 0
	if st.syms < e.req.NumSymbols {
		return
	}

	e.cfo = st.sum / float64(e.req.NumSymbols-1)
	e.hasCFO = true
	e.log.Info("cfo estimated", logging.Field{Key: "cfo", Value: e.cfo}, logging.Field{Key: "symbols", Value: e.req.NumSymbols})
	e.emit(Event{Kind: EventCFO, From: StateCFO, To: StateCFO, Value: e.cfo, Pass: true})

	if e.req.Mode == ModeCFO {
		e.enter(&doneState{})
		return
	}
	e.startMeasure(e.precomputedOr(e.cfo))
}

func (e *Engine) precomputedOr(cfo float64) float64 {
	if e.req.PrecomputedCFO != nil {
		return *e.req.PrecomputedCFO
	}
	return cfo
}

func (e *Engine) startMeasure(cfo float64) {
	e.applied = cfo
	ms := &measureState{cfo: cfo}
	if e.cfg.DetectJump > 0 {
		e.enter(&skipState{total: e.cfg.DetectJump, next: ms})
		return
	}
	e.enter(ms)
}

// measure derotates each sample by the CFO ramp and accumulates it into the
// current transmitter/chunk buffer. Symbol, transmitter, chunk and run
// boundaries are checked in that order; a cyclic prefix is skipped after
// every transmitter block.
func (e *Engine) measure(st *measureState, smp sdr.Sample) {
	n, k := e.cfg.NFFT, e.req.NumHSymsPerChunk
	id := e.mem.ids[st.pos]
	if acc := e.mem.tx[id]; acc.active {
		v := complex128(smp.IQ)
		if st.cfo != 0 {
			block := st.chunk*len(e.mem.ids) + st.pos
			idx := block*(k*n+e.cfg.NCP) + st.sym*n + st.counter
			v *= cmplx.Rect(1, -2*math.Pi*st.cfo*float64(idx))
		}
		buf := acc.inputs[st.chunk]
		if st.sym == 0 {
			buf[st.counter] = v
		} else {
			buf[st.counter] += v
		}
	}

	st.counter++
	if st.counter < n {
		return
	}
	st.counter = 0
	st.sym++
	if st.sym < k {
		return
	}
	st.sym = 0
	st.pos++
	if st.pos == len(e.mem.ids) {
		st.pos = 0
		st.chunk++
		if st.chunk == e.req.NumHChunks {
			e.computeAll()
			e.complete = true
			e.enter(&doneState{})
			return
		}
	}
	if e.cfg.NCP > 0 {
		e.enter(&skipState{total: e.cfg.NCP, next: st})
	}
}

// logAll streams samples to the request sink. A timeout, the end of the
// stream or cancellation end the capture cleanly.
func (e *Engine) logAll(ctx context.Context, src sdr.Source) (*Result, error) {
	e.reset()
	limit := uint64(e.req.NumSymbols) * uint64(e.cfg.NFFT)
	buf := make([]complex64, 0, logBatch)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		err := e.req.Sink.WriteSamples(buf)
		buf = buf[:0]
		return err
	}

	var since uint64
	for limit == 0 || e.consumed < limit {
		if ctx.Err() != nil {
			break
		}
		smp, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, sdr.ErrTimeout) || ctx.Err() != nil {
				e.log.Info("capture ended", logging.Field{Key: "reason", Value: err.Error()})
				break
			}
			if ferr := flush(); ferr != nil {
				e.log.Warn("flush capture failed", logging.Field{Key: "error", Value: ferr.Error()})
			}
			return nil, &SourceError{State: StateLog, Sample: e.consumed, Err: err}
		}
		if e.consumed == 0 {
			markStart(e.req.Sink, smp.Time)
		}
		buf = append(buf, smp.IQ)
		e.consumed++
		e.last = smp
		since++
		if len(buf) == cap(buf) {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("write capture: %w", err)
			}
		}
		if since >= progressEvery {
			e.log.Info("capture progress", logging.Field{Key: "msamples", Value: float64(e.consumed) / 1e6})
			e.emit(Event{Kind: EventProgress, From: StateLog, To: StateLog, Value: float64(e.consumed)})
			since = 0
		}
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("write capture: %w", err)
	}
	e.log.Info("capture complete", logging.Field{Key: "samples", Value: e.consumed})
	return &Result{Mode: ModeLogAll, Samples: e.consumed}, nil
}
