package rx

import (
	"context"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"
	"time"

	"github.com/rjboer/ofdmsync/internal/dsp"
	"github.com/rjboer/ofdmsync/internal/sdr"
)

func measureConfig(b sdr.Burst, jump int) Config {
	cfg := testConfig(b.NFFT)
	cfg.NCP = b.NCP
	cfg.NumTx = b.NumTx
	cfg.DetectJump = jump
	cfg.Training = make(map[int][]complex128)
	for tx := 0; tx < max(1, b.NumTx); tx++ {
		cfg.Training[tx] = b.Multiplier(tx)
	}
	return cfg
}

func checkFlatChannel(t *testing.T, name string, h []complex128, want complex128, tol float64) {
	t.Helper()
	if h[0] != 0 {
		t.Fatalf("%s: unused DC bin carries %v", name, h[0])
	}
	for k := 1; k < len(h); k++ {
		if cmplx.Abs(h[k]-want) > tol {
			t.Fatalf("%s: bin %d got %v want %v", name, k, h[k], want)
		}
	}
}

func TestAccumulationSumsIdenticalSymbols(t *testing.T) {
	const (
		nfft = 16
		k    = 3
	)
	cfg := testConfig(nfft)
	cfg.Training = map[int][]complex128{0: constantSpectrum(nfft, 1)}
	e, err := New(cfg, Request{Mode: ModeMeasureSingle, NumHChunks: 2, NumHSymsPerChunk: k})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.reset()
	e.state = &measureState{}

	rng := rand.New(rand.NewSource(2))
	sym := make([]complex64, nfft)
	for i := range sym {
		sym[i] = complex(float32(rng.NormFloat64()), float32(rng.NormFloat64()))
	}
	for s := 0; s < k; s++ {
		for _, v := range sym {
			e.step(sdr.Sample{IQ: v})
		}
	}
	acc, ok := e.Memory().Accumulated(0, 0)
	if !ok {
		t.Fatalf("missing accumulator")
	}
	for i, v := range sym {
		if acc[i] != complex(k, 0)*complex128(v) {
			t.Fatalf("bin %d: accumulated %v want exactly %d x %v", i, acc[i], k, v)
		}
	}
	if e.State() != StateMeasureH {
		t.Fatalf("zero cyclic prefix must not insert a skip, state %s", e.State())
	}

	for s := 0; s < k; s++ {
		for _, v := range sym {
			e.step(sdr.Sample{IQ: v})
		}
	}
	if e.State() != StateDone {
		t.Fatalf("expected DONE after the last chunk, got %s", e.State())
	}
	for i, v := range sym {
		if cmplx.Abs(acc[i]-complex128(v)) > 1e-12 {
			t.Fatalf("sample %d: scaled %v want %v", i, acc[i], v)
		}
	}

	ref, _ := dsp.NewTransform(nfft, 1, dsp.Forward, dsp.Estimate)
	for i, v := range sym {
		in, _ := ref.Input(0)
		in[i] = complex128(v)
	}
	ref.Execute()
	want, _ := ref.Output(0)
	res := e.result()
	h, ok := res.Estimate.Chunk(0, 1)
	if !ok {
		t.Fatalf("missing chunk 1")
	}
	for i := range want {
		if cmplx.Abs(h[i]-want[i]) > 1e-9 {
			t.Fatalf("bin %d: got %v want %v", i, h[i], want[i])
		}
	}
}

func constantSpectrum(n int, v complex128) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMeasureSingleRecoversFlatChannel(t *testing.T) {
	gain := complex(0.7, -0.2)
	b := sdr.Burst{NFFT: 64, NCP: 16, Chunks: 2, SymsPerChunk: 3, Gap: 5, Lead: 400, Tail: 50, Gains: []complex128{gain}, Seed: 11}
	e, err := New(measureConfig(b, b.AlignedJump()), Request{Mode: ModeMeasureSingle, NumHChunks: 2, NumHSymsPerChunk: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// a second run on the same engine must give the same answer
	for run := 0; run < 2; run++ {
		res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if res.Estimate == nil {
			t.Fatalf("run %d: missing estimate", run)
		}
		if res.HasCFO || res.AppliedCFO != 0 {
			t.Fatalf("single-transmitter measurement has no CFO stage: %+v", res)
		}
		if ids := res.Estimate.Transmitters(); len(ids) != 1 || ids[0] != 0 {
			t.Fatalf("unexpected transmitters %v", ids)
		}
		for c := 0; c < 2; c++ {
			h, _ := res.Estimate.Chunk(0, c)
			checkFlatChannel(t, "chunk", h, gain, 1e-5)
			fit := res.Timing[0][c]
			if fit.Degenerate || math.Abs(fit.OffsetSamples) > 1e-3 {
				t.Fatalf("aligned window should have no timing offset: %+v", fit)
			}
		}
		wantSamples := uint64(b.TrainingStart() + 2*b.BlockLen())
		if res.Samples != wantSamples {
			t.Fatalf("consumed %d samples, want %d", res.Samples, wantSamples)
		}
	}
}

func TestMeasureTimingOffsetFromEarlyWindow(t *testing.T) {
	const early = 3
	b := sdr.Burst{NFFT: 64, NCP: 16, Chunks: 1, SymsPerChunk: 2, Lead: 400, Tail: 50, Seed: 4}
	e, err := New(measureConfig(b, b.AlignedJump()-early), Request{Mode: ModeMeasureSingle, NumHChunks: 1, NumHSymsPerChunk: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	h, _ := res.Estimate.Chunk(0, 0)
	for k := 1; k < len(h); k++ {
		if math.Abs(cmplx.Abs(h[k])-1) > 1e-5 {
			t.Fatalf("bin %d magnitude %v", k, cmplx.Abs(h[k]))
		}
	}
	fit := res.Timing[0][0]
	if math.Abs(fit.OffsetSamples+early) > 1e-3 {
		t.Fatalf("offset %v, want %d", fit.OffsetSamples, -early)
	}
	if fit.UnwrapError > 1e-4 {
		t.Fatalf("unwrap residual %g", fit.UnwrapError)
	}
	if res.Detection != sdr.SampleTime(0, b.DetectionIndex(), 1e6) {
		t.Fatalf("timing fit must not move the detection time")
	}
}

func TestMeasureTimingUnwrapVariants(t *testing.T) {
	b := sdr.Burst{NFFT: 64, NCP: 16, Chunks: 1, SymsPerChunk: 2, Lead: 400, Tail: 50, Gains: []complex128{cmplx.Rect(0.73, -0.278)}, Seed: 9}
	cases := []struct {
		name   string
		early  int
		unwrap dsp.Unwrapping
		want   dsp.Unwrapping
	}{
		{"aligned auto", 0, dsp.UnwrapAuto, dsp.UnwrapSmall},
		{"aligned large", 0, dsp.UnwrapLarge, dsp.UnwrapLarge},
		{"early auto", 3, dsp.UnwrapAuto, dsp.UnwrapSmall},
		{"early large", 3, dsp.UnwrapLarge, dsp.UnwrapLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := measureConfig(b, b.AlignedJump()-tc.early)
			cfg.TimingUnwrap = tc.unwrap
			e, err := New(cfg, Request{Mode: ModeMeasureSingle, NumHChunks: 1, NumHSymsPerChunk: 2})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			fit := res.Timing[0][0]
			if fit.Unwrap != tc.want {
				t.Fatalf("unwrapped with %s, want %s", fit.Unwrap, tc.want)
			}
			if math.Abs(fit.OffsetSamples+float64(tc.early)) > 1e-3 || fit.UnwrapError > 1e-4 {
				t.Fatalf("unexpected fit %+v", fit)
			}
			wantTime := -time.Duration(tc.early) * time.Microsecond
			if d := fit.OffsetTime - wantTime; d < -2*time.Nanosecond || d > 2*time.Nanosecond {
				t.Fatalf("offset time %v, want %v", fit.OffsetTime, wantTime)
			}
		})
	}
}

func TestMeasureAllInterleavedWithCFO(t *testing.T) {
	const f = 0.001
	gains := []complex128{1, complex(0, 0.5)}
	b := sdr.Burst{
		NFFT: 64, NCP: 8, NumTx: 2, CFOSymbols: 4, Slack: 4, Gap: 3,
		Chunks: 2, SymsPerChunk: 2, CFO: f, Gains: gains, Lead: 400, Tail: 40, Seed: 21,
	}
	e, err := New(measureConfig(b, b.AlignedJump()), Request{Mode: ModeMeasureAll, NumSymbols: 4, NumHChunks: 2, NumHSymsPerChunk: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.HasCFO || math.Abs(res.CFO-f) > 1e-6 || res.AppliedCFO != res.CFO {
		t.Fatalf("unexpected CFO result %+v", res)
	}

	// derotation leaves the phase accrued up to the first measured sample
	w0 := b.TrainingStart() + b.NCP
	common := cmplx.Rect(1, 2*math.Pi*f*float64(w0))
	for tx, g := range gains {
		for c := 0; c < 2; c++ {
			h, ok := res.Estimate.Chunk(tx, c)
			if !ok {
				t.Fatalf("missing tx %d chunk %d", tx, c)
			}
			checkFlatChannel(t, "interleaved", h, g*common, 1e-4)
		}
		mean := res.Estimate.Mean(tx)
		checkFlatChannel(t, "mean", mean, g*common, 1e-4)
	}
}

func TestMeasureCurrentSkipsOtherTransmitters(t *testing.T) {
	gains := []complex128{complex(0.3, 0.4), 2, -1}
	b := sdr.Burst{
		NFFT: 32, NCP: 4, NumTx: 3, CFOSymbols: 2, Chunks: 2, SymsPerChunk: 1,
		Gains: gains, Lead: 300, Tail: 20, Seed: 8,
	}
	cfg := measureConfig(b, b.AlignedJump())
	delete(cfg.Training, 1)
	delete(cfg.Training, 2)
	e, err := New(cfg, Request{Mode: ModeMeasureCurrent, NumSymbols: 2, NumHChunks: 2, NumHSymsPerChunk: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ids := res.Estimate.Transmitters(); len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("only transmitter 0 is measured, got %v", ids)
	}
	for c := 0; c < 2; c++ {
		h, _ := res.Estimate.Chunk(0, c)
		checkFlatChannel(t, "current", h, gains[0], 1e-4)
	}
	if res.Samples != uint64(b.TrainingStart()+2*3*b.BlockLen()) {
		t.Fatalf("all transmitter blocks must be walked: consumed %d", res.Samples)
	}
}

func TestPrecomputedCFOWins(t *testing.T) {
	const f = 0.002
	b := sdr.Burst{NFFT: 32, NCP: 4, CFOSymbols: 3, Chunks: 1, SymsPerChunk: 2, CFO: f, Lead: 300, Tail: 10, Seed: 2}
	pre := f
	e, err := New(measureConfig(b, b.AlignedJump()), Request{Mode: ModeDetectStart, NumSymbols: 3, PrecomputedCFO: &pre, NumHChunks: 1, NumHSymsPerChunk: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := e.Run(context.Background(), sdr.NewSliceSource(b.Samples(), 1e6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AppliedCFO != pre || !res.HasCFO || math.Abs(res.CFO-f) > 1e-6 {
		t.Fatalf("unexpected CFO bookkeeping %+v", res)
	}
	h, _ := res.Estimate.Chunk(0, 0)
	common := cmplx.Rect(1, 2*math.Pi*f*float64(b.TrainingStart()+b.NCP))
	checkFlatChannel(t, "detect-start", h, common, 1e-4)
}
