package telemetry

import (
	"math"
	"math/cmplx"
	"time"

	"github.com/rjboer/ofdmsync/internal/rx"
)

// Record is one telemetry point. Engine events, run results and channel
// summaries all travel as Records.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Run       string    `json:"run"`
	Kind      string    `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Sample    uint64    `json:"sample"`
	// SampleTimeNS is the stream timestamp of the sample that produced the
	// record.
	SampleTimeNS int64           `json:"sampleTimeNs"`
	Value        float64         `json:"value"`
	Pass         bool            `json:"pass"`
	Channel      *ChannelSummary `json:"channel,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ChannelSummary condenses one transmitter/chunk channel estimate.
type ChannelSummary struct {
	Tx            int     `json:"tx"`
	Chunk         int     `json:"chunk"`
	MeanMagDB     float64 `json:"meanMagDb"`
	MeanPhaseRad  float64 `json:"meanPhaseRad"`
	OffsetSamples float64 `json:"offsetSamples"`
	UnwrapError   float64 `json:"unwrapError"`
	Bins          int     `json:"bins"`
}

// Kinds used for records that do not come from engine events.
const (
	KindResult  = "result"
	KindChannel = "channel"
	KindError   = "error"
)

// Reporter receives telemetry records. Implementations must not block the
// caller for long.
type Reporter interface {
	Report(Record)
}

// MultiReporter fans records out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(r Record) {
	for _, rep := range m {
		if rep != nil {
			rep.Report(r)
		}
	}
}

// FromEvent converts an engine event.
func FromEvent(run string, ev rx.Event) Record {
	return Record{
		Timestamp:    time.Now(),
		Run:          run,
		Kind:         ev.Kind.String(),
		From:         ev.From.String(),
		To:           ev.To.String(),
		Sample:       ev.Sample,
		SampleTimeNS: int64(ev.Time),
		Value:        ev.Value,
		Pass:         ev.Pass,
	}
}

// Observer adapts a Reporter to an engine observer.
func Observer(run string, r Reporter) rx.Observer {
	return func(ev rx.Event) { r.Report(FromEvent(run, ev)) }
}

// Summarize turns a run result into a result record followed by one
// channel record per transmitter and chunk. A failed run yields an error
// record in addition.
func Summarize(run string, res *rx.Result, runErr error) []Record {
	now := time.Now()
	var out []Record
	if res != nil {
		rec := Record{
			Timestamp:    now,
			Run:          run,
			Kind:         KindResult,
			To:           res.Mode.String(),
			Sample:       res.Samples,
			SampleTimeNS: int64(res.Detection),
			Value:        res.CFO,
			Pass:         res.Detected,
		}
		out = append(out, rec)
		if res.Estimate != nil {
			for _, tx := range res.Estimate.Transmitters() {
				for c, h := range res.Estimate.Tx[tx] {
					sum := summarizeChannel(tx, c, h)
					if fits := res.Timing[tx]; c < len(fits) {
						sum.OffsetSamples = fits[c].OffsetSamples
						sum.UnwrapError = fits[c].UnwrapError
					}
					out = append(out, Record{Timestamp: now, Run: run, Kind: KindChannel, Sample: res.Samples, Channel: &sum})
				}
			}
		}
	}
	if runErr != nil {
		out = append(out, Record{Timestamp: now, Run: run, Kind: KindError, Error: runErr.Error()})
	}
	return out
}

// summarizeChannel averages magnitude and phase over the non-zero bins.
func summarizeChannel(tx, chunk int, h []complex128) ChannelSummary {
	s := ChannelSummary{Tx: tx, Chunk: chunk}
	var mag float64
	var phasor complex128
	for _, v := range h {
		a := cmplx.Abs(v)
		if a == 0 {
			continue
		}
		s.Bins++
		mag += a
		phasor += v / complex(a, 0)
	}
	// JSON cannot carry -Inf; Bins==0 marks an empty estimate
	if s.Bins == 0 {
		return s
	}
	s.MeanMagDB = 20 * math.Log10(mag/float64(s.Bins))
	s.MeanPhaseRad = cmplx.Phase(phasor)
	return s
}
