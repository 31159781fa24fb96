package rx

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rjboer/ofdmsync/internal/sdr"
)

// Settling samples, one quiet window, then one loud window.
func TestDetectionTimestampIsFirstTriggeringSample(t *testing.T) {
	const nfft = 64
	stream := constant(1000, 1e-3)
	stream = append(stream, constant(nfft, 0)...)
	stream = append(stream, constant(nfft, 1)...)
	start := 5 * time.Second

	rec := &recorder{}
	e, err := New(testConfig(nfft), Request{Mode: ModeBeacon}, WithObserver(rec.observe))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src := sdr.NewSliceSource(stream, 1e6).StartAt(start)
	res, err := e.Run(context.Background(), src)
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected the stream to end inside DELAY_CORRELATE, got %v", err)
	}

	tr := rec.transitions()
	want := []struct {
		from, to StateKind
		sample   uint64
	}{
		{StateWait, StateEnergyInit, DefaultInitialWait},
		{StateEnergyInit, StateEnergy, DefaultInitialWait + 2*nfft},
		{StateEnergy, StateDelayCorrelate, 1000 + nfft + 1},
	}
	if len(tr) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), tr)
	}
	for i, w := range want {
		if tr[i].From != w.from || tr[i].To != w.to || tr[i].Sample != w.sample {
			t.Fatalf("transition %d: got %s->%s at %d, want %s->%s at %d",
				i, tr[i].From, tr[i].To, tr[i].Sample, w.from, w.to, w.sample)
		}
	}

	if !res.Detected {
		t.Fatalf("expected detection")
	}
	wantTime := sdr.SampleTime(start, 1000+nfft, 1e6)
	if res.Detection != wantTime {
		t.Fatalf("detection at %v, want %v", res.Detection, wantTime)
	}
	if res.Estimate != nil {
		t.Fatalf("incomplete run must not carry an estimate")
	}
}

func TestDelayCorrelationAcceptsRepeatedPreamble(t *testing.T) {
	b := sdr.Burst{NFFT: 64, Lead: 400, Tail: 20}
	rec := &recorder{}
	e, err := New(testConfig(64), Request{Mode: ModeBeacon}, WithObserver(rec.observe))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Detected || res.Detection != sdr.SampleTime(0, b.DetectionIndex(), 1e6) {
		t.Fatalf("unexpected detection %+v", res)
	}
	if res.Samples != uint64(b.DetectionIndex()+1+2*64) {
		t.Fatalf("consumed %d samples", res.Samples)
	}
	var corr *Event
	for i := range rec.events {
		if rec.events[i].Kind == EventCorrelation {
			corr = &rec.events[i]
		}
	}
	if corr == nil || !corr.Pass || math.Abs(corr.Value-1) > 1e-6 {
		t.Fatalf("expected a passing correlation near 1, got %+v", corr)
	}
	last := rec.transitions()[len(rec.transitions())-1]
	if last.From != StateDelayCorrelate || last.To != StateDone {
		t.Fatalf("last transition %s->%s", last.From, last.To)
	}
}

func TestDelayCorrelationRejectsNoiseBurst(t *testing.T) {
	const nfft = 64
	rng := rand.New(rand.NewSource(5))
	stream := constant(400, 0)
	for i := 0; i < 2*nfft+1; i++ {
		stream = append(stream, complex(float32(rng.NormFloat64()), float32(rng.NormFloat64())))
	}
	stream = append(stream, constant(50, 0)...)

	cfg := testConfig(nfft)
	cfg.DelayCorrThreshold = 0.9
	rec := &recorder{}
	e, err := New(cfg, Request{Mode: ModeBeacon}, WithObserver(rec.observe))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(stream, 1e6))
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
	if !res.Detected {
		t.Fatalf("energy stage should have fired")
	}
	if rec.count(EventCorrelation) != 1 {
		t.Fatalf("expected one correlation attempt, got %d", rec.count(EventCorrelation))
	}
	for _, ev := range rec.events {
		if ev.Kind == EventCorrelation && ev.Pass {
			t.Fatalf("noise passed delay correlation: %+v", ev)
		}
	}
	tr := rec.transitions()
	if tr[3].From != StateDelayCorrelate || tr[3].To != StateEnergyInit {
		t.Fatalf("expected retry through ENERGY_INIT, got %s->%s", tr[3].From, tr[3].To)
	}
}

func runCFO(t *testing.T, symbols int, cfo, noise float64, seed int64) float64 {
	t.Helper()
	b := sdr.Burst{NFFT: 64, CFOSymbols: symbols, Slack: 8, Lead: 400, Tail: 20, CFO: cfo, NoiseStd: noise, Seed: seed}
	e, err := New(testConfig(64), Request{Mode: ModeCFO, NumSymbols: symbols})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.HasCFO {
		t.Fatalf("CFO stage did not complete")
	}
	return res.CFO
}

func TestCFORoundTripNoiseless(t *testing.T) {
	for _, f := range []float64{0.002, -0.003, 0.0005} {
		got := runCFO(t, 4, f, 0, 1)
		if math.Abs(got-f) > 1e-6 {
			t.Fatalf("cfo %g: estimated %g", f, got)
		}
	}
}

func TestCFOToleranceShrinksWithSymbols(t *testing.T) {
	const f = 0.0015
	for _, m := range []int{4, 16, 32} {
		bound := 6e-5 / math.Sqrt(float64(m-1))
		for seed := int64(1); seed <= 3; seed++ {
			got := runCFO(t, m, f, 0.03, seed)
			if math.Abs(got-f) > bound {
				t.Fatalf("M=%d seed=%d: error %g exceeds %g", m, seed, math.Abs(got-f), bound)
			}
		}
	}
}

func TestDetectAndLogCapturesAfterSync(t *testing.T) {
	b := sdr.Burst{NFFT: 32, CFOSymbols: 3, Lead: 300, Tail: 10}
	iq := b.Samples()
	sink := &memSink{}
	e, err := New(testConfig(32), Request{Mode: ModeDetectAndLog, NumSymbols: 2, Sink: sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(iq, 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	first := b.DetectionIndex() + 1 + 2*32
	if len(res.Log) != 64 {
		t.Fatalf("log length %d", len(res.Log))
	}
	for i, v := range res.Log {
		if v != iq[first+i] {
			t.Fatalf("log sample %d: got %v want %v", i, v, iq[first+i])
		}
	}
	if len(sink.iq) != 64 {
		t.Fatalf("sink received %d samples", len(sink.iq))
	}
}

func TestSourceFailureIsFatal(t *testing.T) {
	boom := errors.New("overflow")
	e, err := New(testConfig(16), Request{Mode: ModeBeacon})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(constant(500, 1e-3), 1e6).EndWith(boom))
	var serr *SourceError
	if !errors.As(err, &serr) || !errors.Is(err, boom) {
		t.Fatalf("expected SourceError wrapping the cause, got %v", err)
	}
	if res != nil {
		t.Fatalf("fatal error must not return a result")
	}
	if serr.State != StateEnergy || serr.Sample != 500 || serr.Timeout() {
		t.Fatalf("unexpected error detail %+v", serr)
	}

	_, err = e.Run(context.Background(), sdr.NewSliceSource(constant(50, 1e-3), 1e6).EndWith(sdr.ErrTimeout))
	if !errors.As(err, &serr) || !serr.Timeout() || serr.State != StateWait {
		t.Fatalf("expected timeout SourceError in WAIT, got %v", err)
	}
}

func TestCancelDrainsRemainingSamples(t *testing.T) {
	b := sdr.Burst{NFFT: 32, Lead: 300, Tail: 700}
	iq := b.Samples()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := func(ev Event) {
		if ev.Kind == EventDetection {
			cancel()
		}
	}
	e, err := New(testConfig(32), Request{Mode: ModeBeacon, TotalSamples: uint64(len(iq))}, WithObserver(obs))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src := sdr.NewSliceSource(iq, 1e6)
	res, err := e.Run(ctx, &plainSource{src: src})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Detected || res.Samples != uint64(b.DetectionIndex()+1) {
		t.Fatalf("unexpected partial result %+v", res)
	}
	if src.Consumed() != len(iq) {
		t.Fatalf("drain left %d samples", len(iq)-src.Consumed())
	}
}

func TestStopperSourceIsStoppedAfterDone(t *testing.T) {
	mock := sdr.NewMock(sdr.Burst{NFFT: 32, Lead: 300}.Samples())
	cfg := sdr.Config{SampleRate: 1e6, BlockSize: 256, Loop: true}
	if err := mock.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	stream := sdr.NewStreamer(mock, cfg, 0)
	e, err := New(testConfig(32), Request{Mode: ModeBeacon})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), stream)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stream.Streamed()%256 != 0 || stream.Streamed() < res.Samples {
		t.Fatalf("drain should finish the current block: streamed %d consumed %d", stream.Streamed(), res.Samples)
	}
	if _, err := stream.Next(context.Background()); err == nil {
		t.Fatalf("stopped stream should be exhausted")
	}
}

func TestFiniteStreamIsDrainedToTotal(t *testing.T) {
	mock := sdr.NewMock(sdr.Burst{NFFT: 32, Lead: 300}.Samples())
	cfg := sdr.Config{SampleRate: 1e6, BlockSize: 256, Loop: true}
	if err := mock.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	const total = 2560
	stream := sdr.NewStreamer(mock, cfg, total)
	e, err := New(testConfig(32), Request{Mode: ModeBeacon, TotalSamples: total})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), stream)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Samples >= total {
		t.Fatalf("beacon should complete early, consumed %d", res.Samples)
	}
	if stream.Streamed() != total {
		t.Fatalf("streamed %d of %d requested samples", stream.Streamed(), total)
	}
	if _, err := stream.Next(context.Background()); err == nil {
		t.Fatalf("drained stream should be exhausted")
	}
}

func TestTapCopiesConsumedSamples(t *testing.T) {
	b := sdr.Burst{NFFT: 16, Lead: 200, Tail: 30}
	iq := b.Samples()
	tap := &memSink{}
	e, err := New(testConfig(16), Request{Mode: ModeBeacon}, WithTap(tap))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(iq, 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if uint64(len(tap.iq)) != res.Samples {
		t.Fatalf("tap captured %d of %d samples", len(tap.iq), res.Samples)
	}
	for i, v := range tap.iq {
		if v != iq[i] {
			t.Fatalf("tap sample %d differs", i)
		}
	}
}

func TestSinksAreStampedWithStreamTime(t *testing.T) {
	start := 3 * time.Second
	b := sdr.Burst{NFFT: 32, CFOSymbols: 3, Lead: 300, Tail: 10}
	iq := b.Samples()

	tap := &stampedSink{}
	sink := &stampedSink{}
	e, err := New(testConfig(32), Request{Mode: ModeDetectAndLog, NumSymbols: 2, Sink: sink}, WithTap(tap))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := e.Run(context.Background(), sdr.NewSliceSource(iq, 1e6).StartAt(start)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tap.starts) != 1 || tap.starts[0] != start {
		t.Fatalf("tap starts %v want [%v]", tap.starts, start)
	}
	first := b.DetectionIndex() + 1 + 2*32
	want := sdr.SampleTime(start, first, 1e6)
	if len(sink.starts) != 1 || sink.starts[0] != want {
		t.Fatalf("log starts %v want [%v]", sink.starts, want)
	}

	all := &stampedSink{}
	e, _ = New(testConfig(32), Request{Mode: ModeLogAll, Sink: all, NumSymbols: 1})
	if _, err := e.Run(context.Background(), sdr.NewSliceSource(iq, 1e6).StartAt(start)); err != nil {
		t.Fatalf("log all: %v", err)
	}
	if len(all.starts) != 1 || all.starts[0] != start {
		t.Fatalf("log all starts %v want [%v]", all.starts, start)
	}
}

func TestLogAll(t *testing.T) {
	iq := make([]complex64, 25000)
	for i := range iq {
		iq[i] = complex(float32(i), 0)
	}

	sink := &memSink{}
	e, err := New(testConfig(64), Request{Mode: ModeLogAll, Sink: sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(iq, 1e6).EndWith(sdr.ErrTimeout))
	if err != nil {
		t.Fatalf("timeout must end plain logging cleanly, got %v", err)
	}
	if res.Samples != 25000 || len(sink.iq) != 25000 || sink.writes != 3 {
		t.Fatalf("logged %d samples in %d writes", len(sink.iq), sink.writes)
	}

	sink = &memSink{}
	e, _ = New(testConfig(64), Request{Mode: ModeLogAll, Sink: sink, NumSymbols: 100})
	res, err = e.Run(context.Background(), sdr.NewSliceSource(iq, 1e6))
	if err != nil || res.Samples != 6400 || len(sink.iq) != 6400 {
		t.Fatalf("bounded capture: %v, %d samples", err, len(sink.iq))
	}

	boom := errors.New("usb")
	e, _ = New(testConfig(64), Request{Mode: ModeLogAll, Sink: &memSink{}})
	_, err = e.Run(context.Background(), sdr.NewSliceSource(iq[:10], 1e6).EndWith(boom))
	if !errors.Is(err, boom) {
		t.Fatalf("expected source failure, got %v", err)
	}
}
