package rx

import (
	"errors"
	"fmt"
	"io"

	"github.com/rjboer/ofdmsync/internal/sdr"
)

// ErrStreamEnded is returned when the source reaches io.EOF before the run
// completes. It matches io.EOF with errors.Is.
var ErrStreamEnded = fmt.Errorf("rx: stream ended before completion: %w", io.EOF)

// ConfigError reports an invalid configuration or mode/parameter pairing.
type ConfigError struct {
	Mode   Mode
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rx: invalid %s for mode %s: %s", e.Field, e.Mode, e.Reason)
}

// SourceError wraps a sample source failure that aborted a run.
type SourceError struct {
	State  StateKind
	Sample uint64
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("rx: source failed in %s after %d samples: %v", e.State, e.Sample, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a receive timeout.
func (e *SourceError) Timeout() bool { return errors.Is(e.Err, sdr.ErrTimeout) }
