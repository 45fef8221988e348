// Package dsp wraps the transforms and window functions used by the
// delay-correction and correlation cores. All transforms are planned once
// at setup and reused; plans are immutable and operate only on buffers owned
// by the caller.
package dsp

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// RealFFT is a planned real-to-complex transform of fixed length.
type RealFFT struct {
	fft *fourier.FFT
	n   int
}

// NewRealFFT plans a real transform of length n. n must be a power of two.
func NewRealFFT(n int) *RealFFT {
	return &RealFFT{fft: fourier.NewFFT(n), n: n}
}

// Len returns the time-domain length of the transform.
func (f *RealFFT) Len() int { return f.n }

// Forward computes the one-sided spectrum of seq into dst and returns dst.
// dst must have length n/2+1 or be nil.
func (f *RealFFT) Forward(dst []complex128, seq []float64) []complex128 {
	return f.fft.Coefficients(dst, seq)
}

// Inverse computes the time sequence of the one-sided spectrum coeff into
// dst and returns dst, normalised so that Inverse(Forward(x)) == x.
func (f *RealFFT) Inverse(dst []float64, coeff []complex128) []float64 {
	dst = f.fft.Sequence(dst, coeff)
	scale := 1 / float64(f.n)
	for i := range dst {
		dst[i] *= scale
	}
	return dst
}

// CmplxFFT is a planned complex transform of fixed length.
type CmplxFFT struct {
	fft *fourier.CmplxFFT
	n   int
}

// NewCmplxFFT plans a complex transform of length n. n must be a power of two.
func NewCmplxFFT(n int) *CmplxFFT {
	return &CmplxFFT{fft: fourier.NewCmplxFFT(n), n: n}
}

// Len returns the length of the transform.
func (f *CmplxFFT) Len() int { return f.n }

// Forward computes the spectrum of seq into dst and returns dst.
func (f *CmplxFFT) Forward(dst, seq []complex128) []complex128 {
	return f.fft.Coefficients(dst, seq)
}

// Inverse computes the time sequence of coeff into dst and returns dst,
// normalised so that Inverse(Forward(x)) == x.
func (f *CmplxFFT) Inverse(dst, coeff []complex128) []complex128 {
	dst = f.fft.Sequence(dst, coeff)
	scale := complex(1/float64(f.n), 0)
	for i := range dst {
		dst[i] *= scale
	}
	return dst
}

// FlipSideband reverses a one-sided spectrum around the band centre,
// conjugating each bin so that the flipped spectrum still corresponds to a
// real time series. Applying it twice is the identity.
func FlipSideband(spec []complex128) {
	for i, j := 0, len(spec)-1; i < j; i, j = i+1, j-1 {
		si, sj := spec[i], spec[j]
		spec[i] = complex(real(sj), -imag(sj))
		spec[j] = complex(real(si), -imag(si))
	}
	if len(spec)%2 == 1 {
		mid := len(spec) / 2
		spec[mid] = complex(real(spec[mid]), -imag(spec[mid]))
	}
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
