// Package capture persists raw receiver samples for the logging modes and the
// engine's raw tap.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sink consumes samples and must be closed to flush them.
type Sink interface {
	WriteSamples(iq []complex64) error
	Close() error
}

// Meta describes a capture. It is stored in parquet files and ignored by the
// raw format.
type Meta struct {
	SampleRate float64
	Start      time.Duration
	Mode       string
	NFFT       int
}

// Create opens a sink for path, picking the format from its extension:
// ".parquet" selects parquet and anything else raw cf32.
func Create(path string, meta Meta) (Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return NewParquet(f, meta), nil
	}
	return NewRaw(f), nil
}
