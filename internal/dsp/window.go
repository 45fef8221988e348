package dsp

import (
	"fmt"
	"math"
	"strings"
)

// Window selects the taper applied to each correlation-length segment.
type Window string

const (
	WindowRectangular Window = "rectangular"
	WindowCosine      Window = "cosine"
	WindowHamming     Window = "hamming"
	WindowHann        Window = "hann"
	WindowNone        Window = "none"
)

// ParseWindow validates a window function name from configuration.
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(s)); w {
	case WindowRectangular, WindowCosine, WindowHamming, WindowHann, WindowNone:
		return w, nil
	default:
		return "", fmt.Errorf("unknown window function %q", s)
	}
}

// Coefficients returns the window of length n. Correlation segments overlap
// by half their length; WindowNone zeroes the outer quarters so that every
// sample is weighted exactly once, which makes the overlapped segmentation
// equivalent to plain non-overlapping transforms.
func (w Window) Coefficients(n int) []float64 {
	c := make([]float64, n)
	switch w {
	case WindowNone:
		for i := n / 4; i < 3*n/4; i++ {
			c[i] = 1
		}
	case WindowRectangular:
		for i := range c {
			c[i] = 1
		}
	case WindowCosine:
		for i := range c {
			c[i] = math.Sin(math.Pi * (float64(i) + 0.5) / float64(n))
		}
	case WindowHamming:
		for i := range c {
			c[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		}
	case WindowHann:
		for i := range c {
			c[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		}
	}
	return c
}
