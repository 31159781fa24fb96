package telemetry

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rjboer/ofdmsync/internal/dsp"
	"github.com/rjboer/ofdmsync/internal/logging"
	"github.com/rjboer/ofdmsync/internal/rx"
)

type collect struct{ recs []Record }

func (c *collect) Report(r Record) { c.recs = append(c.recs, r) }

func TestObserverConvertsEvents(t *testing.T) {
	var c collect
	obs := Observer("chain-a", MultiReporter{&c, nil})
	obs(rx.Event{Kind: rx.EventDetection, From: rx.StateEnergy, To: rx.StateDelayCorrelate, Sample: 1065, Time: 5 * time.Second, Value: 12.5, Pass: true})

	if len(c.recs) != 1 {
		t.Fatalf("expected one record, got %d", len(c.recs))
	}
	r := c.recs[0]
	if r.Run != "chain-a" || r.Kind != "detection" || r.From != "ENERGY" || r.To != "DELAY_CORRELATE" {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.Sample != 1065 || r.SampleTimeNS != int64(5*time.Second) || r.Value != 12.5 || !r.Pass {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestSummarizeResult(t *testing.T) {
	h0 := []complex128{0, 2i, 2i, 2i}
	h1 := []complex128{0, 0.5, 0.5, 0.5}
	res := &rx.Result{
		Mode:      rx.ModeMeasureAll,
		Detected:  true,
		Detection: time.Millisecond,
		CFO:       0.002,
		HasCFO:    true,
		Estimate:  &rx.ChannelEstimate{NFFT: 4, Tx: map[int][][]complex128{1: {h1}, 0: {h0}}},
		Timing:    map[int][]dsp.TimingEstimate{0: {{OffsetSamples: -2, UnwrapError: 0.1}}},
		Samples:   4000,
	}
	recs := Summarize("a", res, nil)
	if len(recs) != 3 {
		t.Fatalf("expected result plus two channel records, got %d", len(recs))
	}
	if recs[0].Kind != KindResult || recs[0].To != "measure-all" || recs[0].Value != 0.002 || !recs[0].Pass {
		t.Fatalf("unexpected result record %+v", recs[0])
	}
	c0, c1 := recs[1].Channel, recs[2].Channel
	if c0 == nil || c1 == nil || c0.Tx != 0 || c1.Tx != 1 {
		t.Fatalf("channel records out of order: %+v %+v", recs[1], recs[2])
	}
	if c0.Bins != 3 || math.Abs(c0.MeanMagDB-20*math.Log10(2)) > 1e-9 || math.Abs(c0.MeanPhaseRad-math.Pi/2) > 1e-9 {
		t.Fatalf("unexpected summary %+v", c0)
	}
	if c0.OffsetSamples != -2 || c0.UnwrapError != 0.1 {
		t.Fatalf("timing not attached: %+v", c0)
	}
	if c1.OffsetSamples != 0 || math.Abs(c1.MeanMagDB+20*math.Log10(2)) > 1e-9 {
		t.Fatalf("unexpected summary %+v", c1)
	}
}

func TestSummarizeFailure(t *testing.T) {
	recs := Summarize("a", nil, errors.New("source failed"))
	if len(recs) != 1 || recs[0].Kind != KindError || recs[0].Error != "source failed" {
		t.Fatalf("unexpected records %+v", recs)
	}
	recs = Summarize("a", &rx.Result{Mode: rx.ModeBeacon}, errors.New("cut short"))
	if len(recs) != 2 || recs[0].Kind != KindResult || recs[1].Kind != KindError {
		t.Fatalf("partial result should be reported with the error: %+v", recs)
	}
}

func TestLogReporterLevels(t *testing.T) {
	rec := logging.NewRecorder()
	r := NewLogReporter(rec)
	r.Report(Record{Run: "a", Kind: "transition", From: "WAIT", To: "ENERGY_INIT"})
	r.Report(Record{Run: "a", Kind: KindChannel, Channel: &ChannelSummary{Tx: 1, MeanMagDB: -3}})
	r.Report(Record{Run: "a", Kind: KindError, Error: "boom"})

	entries := rec.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != logging.Debug || entries[0].Fields["to"] != "ENERGY_INIT" {
		t.Fatalf("unexpected transition entry %+v", entries[0])
	}
	if entries[1].Level != logging.Info || entries[1].Fields["tx"] != 1 || entries[1].Fields["subsystem"] != "telemetry" {
		t.Fatalf("unexpected channel entry %+v", entries[1])
	}
	if entries[2].Level != logging.Error || entries[2].Fields["error"] != "boom" {
		t.Fatalf("unexpected error entry %+v", entries[2])
	}
}
