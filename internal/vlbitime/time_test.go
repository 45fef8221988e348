package vlbitime

import (
	"testing"
	"time"
)

func TestArithmetic(t *testing.T) {
	start := FromMJD(57300, 3600)

	if got := start.MJD(); got != 57300 {
		t.Errorf("MJD: expected 57300, got %d", got)
	}
	if got := start.SecondsOfDay(); got != 3600 {
		t.Errorf("SecondsOfDay: expected 3600, got %f", got)
	}

	later := start.Add(Seconds(2.5))
	if got := later.Sub(start); got != 2_500_000 {
		t.Errorf("Sub: expected 2500000us, got %d", got)
	}
	if !start.Before(later) || !later.After(start) {
		t.Error("ordering: start should precede later")
	}

	// Crossing a day boundary keeps the scale continuous.
	endOfDay := FromMJD(57300, 86399.5)
	nextDay := endOfDay.Add(Seconds(1))
	if got := nextDay.MJD(); got != 57301 {
		t.Errorf("day rollover: expected MJD 57301, got %d", got)
	}
}

func TestSampleArithmetic(t *testing.T) {
	const rate = 32_000_000

	start := FromMJD(57300, 0)
	tests := []struct {
		name    string
		samples int64
		usec    int64
	}{
		{"one second", rate, 1_000_000},
		{"half second", rate / 2, 500_000},
		{"one sample", 1, 0}, // below resolution
		{"32 samples", 32, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := start.AddSamples(tc.samples, rate)
			if d := got.Sub(start).Usec(); d != tc.usec {
				t.Errorf("AddSamples(%d): expected %dus, got %dus", tc.samples, tc.usec, d)
			}
		})
	}

	if got := Seconds(1).Samples(rate); got != rate {
		t.Errorf("Samples: expected %d, got %d", rate, got)
	}
	if got := Duration(250_000).Samples(rate); got != rate/4 {
		t.Errorf("Samples: expected %d, got %d", rate/4, got)
	}
}

func TestSecondAlignment(t *testing.T) {
	mid := FromMJD(57300, 12.25)
	if got := mid.FloorSecond().SecondsOfDay(); got != 12 {
		t.Errorf("FloorSecond: expected 12, got %f", got)
	}
	if got := mid.CeilSecond().SecondsOfDay(); got != 13 {
		t.Errorf("CeilSecond: expected 13, got %f", got)
	}

	exact := FromMJD(57300, 12)
	if !exact.CeilSecond().Equal(exact) {
		t.Error("CeilSecond on an aligned time must be identity")
	}
}

func TestDurationMultiples(t *testing.T) {
	integr := Seconds(2)
	sub := Seconds(0.5)

	if !integr.IsMultipleOf(sub) {
		t.Error("2s should be a multiple of 0.5s")
	}
	if integr.IsMultipleOf(Seconds(0.3)) {
		t.Error("2s should not be a multiple of 0.3s")
	}
	if got := integr.Div(sub); got != 4 {
		t.Errorf("Div: expected 4, got %d", got)
	}
}

func TestUnixConversion(t *testing.T) {
	ref := time.Date(2015, time.October, 5, 0, 0, 0, 0, time.UTC)
	vt := FromTime(ref)

	// 2015-10-05 is MJD 57300.
	if got := vt.MJD(); got != 57300 {
		t.Errorf("FromTime: expected MJD 57300, got %d", got)
	}
	if got := vt.Time(); !got.Equal(ref) {
		t.Errorf("round trip: expected %v, got %v", ref, got)
	}
}
