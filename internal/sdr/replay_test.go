package sdr

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeCapture(t *testing.T, iq []complex64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.cf32")
	if err := os.WriteFile(path, AppendCF32(nil, iq), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}

func TestCF32RoundTrip(t *testing.T) {
	in := []complex64{1 + 2i, -0.5 + 0.25i, 0}
	raw := AppendCF32(nil, in)
	if len(raw) != len(in)*BytesPerSample {
		t.Fatalf("unexpected byte length %d", len(raw))
	}
	out := make([]complex64, len(in))
	if n := DecodeCF32(out, raw[:len(raw)-3]); n != 2 {
		t.Fatalf("expected partial trailing sample to be ignored, decoded %d", n)
	}
	DecodeCF32(out, raw)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestReplayStreamsCapture(t *testing.T) {
	in := []complex64{1, 2, 3, 4, 5}
	cfg := Config{Path: writeCapture(t, in), BlockSize: 2, SampleRate: 10}
	rp := NewReplay()
	if err := rp.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer rp.Close()

	src := NewStreamer(rp, cfg, 0)
	for i, want := range in {
		got, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if got.IQ != want {
			t.Fatalf("sample %d: got %v want %v", i, got.IQ, want)
		}
		if got.Time != SampleTime(0, i, cfg.SampleRate) {
			t.Fatalf("sample %d: time %v", i, got.Time)
		}
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReplayLoops(t *testing.T) {
	cfg := Config{Path: writeCapture(t, []complex64{7, 8, 9}), BlockSize: 2, Loop: true}
	rp := NewReplay()
	if err := rp.Init(context.Background(), cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer rp.Close()
	src := NewStreamer(rp, cfg, 7)
	want := []complex64{7, 8, 9, 7, 8, 9, 7}
	for i, w := range want {
		got, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if got.IQ != w {
			t.Fatalf("sample %d: got %v want %v", i, got.IQ, w)
		}
	}
}

func TestReplayRequiresPath(t *testing.T) {
	if err := NewReplay().Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without path")
	}
}
