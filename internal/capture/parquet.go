package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"

	"github.com/rjboer/ofdmsync/internal/sdr"
)

// Row is one captured sample.
type Row struct {
	Index  int64   `parquet:"index"`
	TimeNS int64   `parquet:"time_ns"`
	I      float32 `parquet:"i"`
	Q      float32 `parquet:"q"`
}

// IQ returns the sample value.
func (r Row) IQ() complex64 { return complex(r.I, r.Q) }

// Parquet writes samples as rows with their index and stream timestamp. Meta
// is stored as JSON under the "capture" key of the file metadata when the
// sink is closed.
type Parquet struct {
	mu     sync.Mutex
	meta   Meta
	file   io.Closer
	writer *parquet.GenericWriter[Row]
	rows   []Row
	n      int64
	closed bool
}

// NewParquet wraps w. Closing the sink closes w.
func NewParquet(w io.WriteCloser, meta Meta) *Parquet {
	return &Parquet{
		meta:   meta,
		file:   w,
		writer: parquet.NewGenericWriter[Row](w),
	}
}

// MarkStart sets the stream time of the first sample. It has no effect once
// rows were written.
func (p *Parquet) MarkStart(t time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		p.meta.Start = t
	}
}

func (p *Parquet) WriteSamples(iq []complex64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.rows = p.rows[:0]
	for i, v := range iq {
		idx := p.n + int64(i)
		p.rows = append(p.rows, Row{
			Index:  idx,
			TimeNS: int64(p.sampleTime(idx)),
			I:      real(v),
			Q:      imag(v),
		})
	}
	if _, err := p.writer.Write(p.rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	p.n += int64(len(iq))
	return nil
}

func (p *Parquet) sampleTime(idx int64) time.Duration {
	return sdr.SampleTime(p.meta.Start, int(idx), p.meta.SampleRate)
}

func (p *Parquet) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	b, err := json.Marshal(p.meta)
	if err != nil {
		p.file.Close()
		return fmt.Errorf("encode capture metadata: %w", err)
	}
	p.writer.SetKeyValueMetadata("capture", string(b))
	if err := p.writer.Close(); err != nil {
		p.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return p.file.Close()
}

// ReadParquet loads every row of a capture written by Parquet together with
// its metadata.
func ReadParquet(r io.ReaderAt, size int64) ([]Row, Meta, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("open parquet: %w", err)
	}
	var meta Meta
	if v, ok := f.Lookup("capture"); ok {
		if err := json.Unmarshal([]byte(v), &meta); err != nil {
			return nil, Meta{}, fmt.Errorf("decode capture metadata: %w", err)
		}
	}

	reader := parquet.NewGenericReader[Row](r)
	defer reader.Close()
	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Meta{}, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows[:n], meta, nil
}
