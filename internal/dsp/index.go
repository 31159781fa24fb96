package dsp

// Wrap reduces index into [0, modulus). A non-positive modulus returns 0.
func Wrap(index, modulus int) int {
	if modulus <= 0 {
		return 0
	}
	r := index % modulus
	if r < 0 {
		r += modulus
	}
	return r
}

// NaturalToCentered maps an FFT output index (0..n-1) to its signed frequency
// index. Bins above (n-1)/2 are negative frequencies, so an even n yields
// -n/2..n/2-1 and an odd n yields -(n-1)/2..(n-1)/2.
func NaturalToCentered(i, n int) int {
	if i > (n-1)/2 {
		return i - n
	}
	return i
}

// CenteredToNatural maps a signed frequency index back to FFT output order.
func CenteredToNatural(i, n int) int {
	if i < 0 {
		return i + n
	}
	return i
}

// FFTShift returns data reordered so the most negative frequency comes first
// and DC sits at index n/2.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	shifted := make([]complex128, n)
	for c := -n / 2; c < n-n/2; c++ {
		shifted[c+n/2] = data[CenteredToNatural(c, n)]
	}
	return shifted
}
