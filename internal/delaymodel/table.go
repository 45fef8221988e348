// Package delaymodel provides the per-station geometric delay function the
// correlator consumes. Delay, phase, amplitude and UVW coordinates are
// tabulated at discrete epochs by an external model generator and
// interpolated with Akima splines, which are continuous in value and first
// derivative across the whole scan.
package delaymodel

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"

	"github.com/openvlbi/correlator/internal/vlbitime"
)

// ErrDelayUnavailable is returned when the delay function is evaluated
// outside the union of scan intervals it was tabulated for.
var ErrDelayUnavailable = errors.New("delay model undefined at requested time")

// Point is the delay model evaluated at one instant.
type Point struct {
	Delay     float64 // geometric delay in seconds, positive when the wavefront arrives late
	Phase     float64 // instrumental phase in radians
	Amplitude float64 // amplitude correction factor, 1 when absent
}

// Sample is one tabulated epoch of the delay model.
type Sample struct {
	Time      vlbitime.Time
	U, V, W   float64 // projected baseline coordinates in meters
	Delay     float64 // seconds
	Phase     float64 // radians
	Amplitude float64
}

// span is one scan interval with its own spline fits. Scans are fitted
// independently so that the spline never interpolates across a gap between
// scans.
type span struct {
	begin, end vlbitime.Time
	pad        vlbitime.Duration

	refUsec int64 // spline abscissa origin, keeps float64 well conditioned

	delay, phase, amp interp.AkimaSpline
	u, v, w           interp.AkimaSpline
}

// Table is the interpolated delay model for one station. Tables are built
// once at startup and immutable afterwards.
type Table struct {
	station string
	spans   []span
}

// Station returns the identifier of the station this table belongs to.
func (t *Table) Station() string { return t.station }

// NewTable builds a Table from tabulated scans. Each scan needs at least
// two epochs in strictly increasing time order.
func NewTable(station string, scans ...[]Sample) (*Table, error) {
	if len(scans) == 0 {
		return nil, fmt.Errorf("delay table for %s: no scans", station)
	}

	t := Table{station: station}
	for i, scan := range scans {
		sp, err := fitScan(scan)
		if err != nil {
			return nil, fmt.Errorf("delay table for %s, scan %d: %w", station, i, err)
		}
		t.spans = append(t.spans, sp)
	}
	return &t, nil
}

func fitScan(samples []Sample) (span, error) {
	if len(samples) < 2 {
		return span{}, fmt.Errorf("need at least 2 epochs, got %d", len(samples))
	}

	ref := samples[0].Time.Usec()
	xs := make([]float64, len(samples))
	cols := make([][]float64, 6)
	for i := range cols {
		cols[i] = make([]float64, len(samples))
	}

	for i, s := range samples {
		if i > 0 && !samples[i-1].Time.Before(s.Time) {
			return span{}, fmt.Errorf("epochs not strictly increasing at index %d", i)
		}
		xs[i] = float64(s.Time.Usec()-ref) / 1e6
		cols[0][i] = s.Delay
		cols[1][i] = s.Phase
		cols[2][i] = s.Amplitude
		cols[3][i] = s.U
		cols[4][i] = s.V
		cols[5][i] = s.W
	}

	sp := span{
		begin:   samples[0].Time,
		end:     samples[len(samples)-1].Time,
		refUsec: ref,
	}
	// Pad by one epoch interval so that evaluation at the very edge of a
	// slice does not fall off the table.
	sp.pad = samples[1].Time.Sub(samples[0].Time)

	splines := []*interp.AkimaSpline{&sp.delay, &sp.phase, &sp.amp, &sp.u, &sp.v, &sp.w}
	for i, s := range splines {
		if err := s.Fit(xs, cols[i]); err != nil {
			return span{}, fmt.Errorf("fitting spline: %w", err)
		}
	}
	return sp, nil
}

func (s *span) contains(at vlbitime.Time) bool {
	return !at.Before(s.begin.Add(-s.pad)) && !at.After(s.end.Add(s.pad))
}

func (s *span) abscissa(at vlbitime.Time) float64 {
	x := float64(at.Usec()-s.refUsec) / 1e6
	// Clamp into the fitted domain; AkimaSpline does not extrapolate, so
	// inside the pad region the value at the nearest edge is held.
	lo := 0.0
	hi := float64(s.end.Usec()-s.refUsec) / 1e6
	if x < lo {
		x = lo
	}
	if x > hi {
		x = hi
	}
	return x
}

func (t *Table) span(at vlbitime.Time) (*span, error) {
	for i := range t.spans {
		if t.spans[i].contains(at) {
			return &t.spans[i], nil
		}
	}
	return nil, fmt.Errorf("%w: station %s at %s", ErrDelayUnavailable, t.station, at)
}

// Eval returns delay, phase and amplitude at the given instant.
func (t *Table) Eval(at vlbitime.Time) (Point, error) {
	sp, err := t.span(at)
	if err != nil {
		return Point{}, err
	}
	x := sp.abscissa(at)
	return Point{
		Delay:     sp.delay.Predict(x),
		Phase:     sp.phase.Predict(x),
		Amplitude: sp.amp.Predict(x),
	}, nil
}

// UVW returns the projected baseline coordinates at the given instant.
func (t *Table) UVW(at vlbitime.Time) (u, v, w float64, err error) {
	sp, err := t.span(at)
	if err != nil {
		return 0, 0, 0, err
	}
	x := sp.abscissa(at)
	return sp.u.Predict(x), sp.v.Predict(x), sp.w.Predict(x), nil
}

// Extent returns the first and last instant the table is defined for,
// excluding the pad.
func (t *Table) Extent() (begin, end vlbitime.Time) {
	begin = t.spans[0].begin
	end = t.spans[0].end
	for _, sp := range t.spans[1:] {
		if sp.begin.Before(begin) {
			begin = sp.begin
		}
		if sp.end.After(end) {
			end = sp.end
		}
	}
	return begin, end
}

// Covers reports whether the whole interval [begin, end] lies inside a
// single scan of the table.
func (t *Table) Covers(begin, end vlbitime.Time) bool {
	for i := range t.spans {
		if t.spans[i].contains(begin) && t.spans[i].contains(end) {
			return true
		}
	}
	return false
}
