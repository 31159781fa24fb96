package telemetry

import (
	"github.com/rjboer/ofdmsync/internal/logging"
)

// LogReporter writes records to a logger. Transitions and correlation
// metrics go out at Debug, everything else at Info and errors at Error.
type LogReporter struct {
	logger logging.Logger
}

// NewLogReporter builds a reporter on logger, or on the default logger when
// nil.
func NewLogReporter(logger logging.Logger) LogReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return LogReporter{logger: logger.With(logging.F("subsystem", "telemetry"))}
}

func (r LogReporter) Report(rec Record) {
	fields := []logging.Field{
		logging.F("run", rec.Run),
		logging.F("kind", rec.Kind),
		logging.F("sample", rec.Sample),
	}
	if rec.From != "" || rec.To != "" {
		fields = append(fields, logging.F("from", rec.From), logging.F("to", rec.To))
	}
	if rec.Value != 0 {
		fields = append(fields, logging.F("value", rec.Value))
	}
	if c := rec.Channel; c != nil {
		fields = append(fields,
			logging.F("tx", c.Tx),
			logging.F("chunk", c.Chunk),
			logging.F("mean_mag_db", c.MeanMagDB),
			logging.F("mean_phase_rad", c.MeanPhaseRad),
			logging.F("offset_samples", c.OffsetSamples),
			logging.F("unwrap_error", c.UnwrapError),
		)
	}

	switch rec.Kind {
	case KindError:
		r.logger.Error("run failed", append(fields, logging.F("error", rec.Error))...)
	case "transition", "correlation":
		r.logger.Debug("telemetry record", append(fields, logging.F("pass", rec.Pass))...)
	default:
		r.logger.Info("telemetry record", fields...)
	}
}
