package dsp

import "testing"

func TestWrap(t *testing.T) {
	cases := []struct{ i, m, want int }{
		{0, 8, 0},
		{7, 8, 7},
		{8, 8, 0},
		{17, 8, 1},
		{-1, 8, 7},
		{-9, 8, 7},
		{3, 0, 0},
	}
	for _, c := range cases {
		if got := Wrap(c.i, c.m); got != c.want {
			t.Fatalf("Wrap(%d,%d) = %d want %d", c.i, c.m, got, c.want)
		}
	}
}

func TestCenteredNaturalRoundTrip(t *testing.T) {
	const n = 64
	for k := 0; k < n; k++ {
		c := NaturalToCentered(k, n)
		if c < -n/2 || c > n/2-1 {
			t.Fatalf("bin %d mapped outside range: %d", k, c)
		}
		if back := CenteredToNatural(c, n); back != k {
			t.Fatalf("bin %d -> %d -> %d", k, c, back)
		}
	}
	if NaturalToCentered(n/2, n) != -n/2 {
		t.Fatalf("nyquist bin should be the most negative frequency")
	}
	if NaturalToCentered(n/2-1, n) != n/2-1 {
		t.Fatalf("last positive bin moved")
	}
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	out := FFTShift(in)
	expected := []complex128{2, 3, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
	if len(FFTShift(nil)) != 0 {
		t.Fatalf("expected empty shift")
	}
}

func TestCenteredNaturalOddLength(t *testing.T) {
	const n = 7
	seen := map[int]bool{}
	for k := 0; k < n; k++ {
		c := NaturalToCentered(k, n)
		if c < -(n-1)/2 || c > (n-1)/2 {
			t.Fatalf("bin %d mapped outside range: %d", k, c)
		}
		if back := CenteredToNatural(c, n); back != k {
			t.Fatalf("bin %d -> %d -> %d", k, c, back)
		}
		seen[c] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct centered bins, got %d", n, len(seen))
	}
}

func TestValidBinsVisitsEveryBin(t *testing.T) {
	for _, n := range []int{6, 7} {
		mask := make([]complex128, n)
		for k := range mask {
			mask[k] = 1
		}
		b := ValidBins(mask, DefaultBinThreshold)
		if b.Len() != n {
			t.Fatalf("n=%d: expected %d bins, got %d", n, n, b.Len())
		}
		for j := 1; j < b.Len(); j++ {
			if b.Centered[j] != b.Centered[j-1]+1 {
				t.Fatalf("n=%d: bins out of order %v", n, b.Centered)
			}
		}
		for j, k := range b.Natural {
			if NaturalToCentered(k, n) != b.Centered[j] {
				t.Fatalf("n=%d: bin %d inconsistent", n, k)
			}
		}
	}
}
