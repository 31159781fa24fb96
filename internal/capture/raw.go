package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rjboer/ofdmsync/internal/sdr"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("capture: sink closed")

// Raw writes interleaved little-endian float32 I/Q, the layout the replay
// backend reads back.
type Raw struct {
	mu      sync.Mutex
	w       *bufio.Writer
	c       io.Closer
	scratch []byte
	n       uint64
	closed  bool
}

// NewRaw wraps w. Closing the sink closes w.
func NewRaw(w io.WriteCloser) *Raw {
	return &Raw{w: bufio.NewWriterSize(w, 1<<16), c: w}
}

func (r *Raw) WriteSamples(iq []complex64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.scratch = sdr.AppendCF32(r.scratch[:0], iq)
	if _, err := r.w.Write(r.scratch); err != nil {
		return fmt.Errorf("write raw samples: %w", err)
	}
	r.n += uint64(len(iq))
	return nil
}

// Samples returns the number of samples written.
func (r *Raw) Samples() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Raw) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		r.c.Close()
		return fmt.Errorf("flush raw samples: %w", err)
	}
	return r.c.Close()
}
