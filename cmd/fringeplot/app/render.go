package app

import (
	"image"
	"image/draw"
	"math"
	"math/cmplx"

	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

const (
	// Border sizes in pixels around the fringe area.
	topBorder    = 30
	leftBorder   = 70
	bottomBorder = 40
	rightBorder  = 20

	minPlotWidth = 64
)

// FringeData accumulates one row of amplitudes per integration for a single
// baseline.
type FringeData struct {
	Station1, Station2 int
	Mode               PlotMode

	Rows    [][]float64
	Times   []vlbitime.Time
	Weights []float64

	Min, Max float64
}

// NewFringeData starts an empty accumulation.
func NewFringeData(st1, st2 int, mode PlotMode) *FringeData {
	return &FringeData{
		Station1: st1,
		Station2: st2,
		Mode:     mode,
		Min:      math.Inf(1),
		Max:      math.Inf(-1),
	}
}

// AddSpectrum appends one integration's visibility spectrum as an amplitude
// row: either directly or transformed to the delay-lag domain.
func (fd *FringeData) AddSpectrum(spectrum []complex64, at vlbitime.Time, weight float64) {
	var row []float64
	switch fd.Mode {
	case ModeSpectrum:
		row = make([]float64, len(spectrum))
		for i, v := range spectrum {
			row[i] = cmplx.Abs(complex128(v))
		}
	default:
		row = lagAmplitudes(spectrum)
	}

	for _, v := range row {
		fd.Min = math.Min(fd.Min, v)
		fd.Max = math.Max(fd.Max, v)
	}
	fd.Rows = append(fd.Rows, row)
	fd.Times = append(fd.Times, at)
	fd.Weights = append(fd.Weights, weight)
}

// lagAmplitudes inverse-transforms a one-sided cross spectrum into the
// delay-lag domain and centres lag zero, the classic fringe display. The
// spectrum is conjugated first so that a positive delay of the second station
// shows up at a positive lag.
func lagAmplitudes(spectrum []complex64) []float64 {
	nchan := len(spectrum) - 1
	spec := make([]complex128, nchan+1)
	for i, v := range spectrum {
		spec[i] = cmplx.Conj(complex128(v))
	}
	// The DC bin of a visibility spectrum is real by construction.
	spec[0] = complex(real(spec[0]), 0)

	fft := dsp.NewRealFFT(2 * nchan)
	lags := fft.Inverse(nil, spec)

	out := make([]float64, len(lags))
	half := len(lags) / 2
	for i, v := range lags {
		out[(i+half)%len(lags)] = math.Abs(v) * float64(len(lags))
	}
	return out
}

// SNR estimates the fringe signal to noise of the strongest row, ignoring a
// small guard region around the peak.
func (fd *FringeData) SNR() (snr float64, peakLag int) {
	if len(fd.Rows) == 0 {
		return 0, 0
	}

	var best float64
	var bestRow, bestIdx int
	for r, row := range fd.Rows {
		for i, v := range row {
			if v > best {
				best, bestRow, bestIdx = v, r, i
			}
		}
	}

	row := fd.Rows[bestRow]
	guard := max(len(row)/20, 1)
	var sum, sumSq float64
	var n int
	for i, v := range row {
		if i >= bestIdx-guard && i <= bestIdx+guard {
			continue
		}
		sum += v
		sumSq += v * v
		n++
	}
	if n == 0 {
		return 0, bestIdx
	}
	mean := sum / float64(n)
	sigma := math.Sqrt(math.Max(sumSq/float64(n)-mean*mean, 1e-30))
	return (best - mean) / sigma, bestIdx - len(row)/2
}

// Render draws the fringe rows into an annotatable image.
func (fd *FringeData) Render(mapper *ColorMapper) *image.RGBA {
	height := len(fd.Rows)
	width := 0
	if height > 0 {
		width = len(fd.Rows[0])
	}
	if width < minPlotWidth {
		// Stretch narrow spectra horizontally so labels fit.
		width = minPlotWidth
	}

	img := image.NewRGBA(image.Rect(0, 0, width+leftBorder+rightBorder, height+topBorder+bottomBorder))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	for y, row := range fd.Rows {
		for x := 0; x < width; x++ {
			src := x * len(row) / width
			img.Set(leftBorder+x, topBorder+y, mapper.GetColor(row[src]))
		}
	}
	return img
}
