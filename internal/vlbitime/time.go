// Package vlbitime provides the wall-clock type used for all scheduling and
// sample alignment in the correlator. Observation times are expressed as
// microseconds on the Modified Julian Date scale, which keeps a whole
// observation within int64 range while allowing exact integer arithmetic on
// sample boundaries.
package vlbitime

import (
	"fmt"
	"math"
	"time"
)

const (
	usecPerSec = 1_000_000
	usecPerDay = 86_400 * usecPerSec

	// mjdUnixEpoch is the MJD of the Unix epoch, 1970-01-01.
	mjdUnixEpoch = 40587
)

// Time is an instant on the MJD timescale with microsecond resolution.
// The zero value is the start of MJD 0.
type Time struct {
	usec int64
}

// Duration is a signed span between two Times, in microseconds.
type Duration int64

// FromMJD returns the Time at the given integer MJD plus seconds of day.
func FromMJD(mjd int, sec float64) Time {
	return Time{usec: int64(mjd)*usecPerDay + int64(sec*usecPerSec+0.5)}
}

// FromUsec returns the Time at the given number of microseconds since MJD 0.
func FromUsec(usec int64) Time {
	return Time{usec: usec}
}

// FromTime converts a time.Time to the MJD timescale.
func FromTime(t time.Time) Time {
	return Time{usec: mjdUnixEpoch*usecPerDay + t.UnixMicro()}
}

// Seconds returns a Duration of the given number of seconds, rounded to
// microseconds.
func Seconds(s float64) Duration {
	return Duration(math.Round(s * usecPerSec))
}

// Usec returns the number of microseconds since MJD 0.
func (t Time) Usec() int64 { return t.usec }

// MJD returns the integer Modified Julian Date of the instant.
func (t Time) MJD() int { return int(t.usec / usecPerDay) }

// SecondsOfDay returns the seconds elapsed since the start of the MJD.
func (t Time) SecondsOfDay() float64 {
	return float64(t.usec%usecPerDay) / usecPerSec
}

// Add returns the Time offset by d.
func (t Time) Add(d Duration) Time { return Time{usec: t.usec + int64(d)} }

// AddSamples returns the Time advanced by n samples at the given sample rate.
// The rate must be an integer number of Hz.
func (t Time) AddSamples(n int64, sampleRate int64) Time {
	sec := n / sampleRate
	rem := n % sampleRate
	return Time{usec: t.usec + sec*usecPerSec + rem*usecPerSec/sampleRate}
}

// Sub returns the Duration t - u.
func (t Time) Sub(u Time) Duration { return Duration(t.usec - u.usec) }

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool { return t.usec < u.usec }

// After reports whether t is strictly later than u.
func (t Time) After(u Time) bool { return t.usec > u.usec }

// Equal reports whether t and u denote the same microsecond.
func (t Time) Equal(u Time) bool { return t.usec == u.usec }

// FloorSecond returns t truncated to the whole wall-clock second.
func (t Time) FloorSecond() Time {
	return Time{usec: t.usec - t.usec%usecPerSec}
}

// CeilSecond returns the earliest whole second not before t.
func (t Time) CeilSecond() Time {
	if t.usec%usecPerSec == 0 {
		return t
	}
	return t.FloorSecond().Add(Duration(usecPerSec))
}

// Time converts the instant to a time.Time in UTC.
func (t Time) Time() time.Time {
	return time.UnixMicro(t.usec - mjdUnixEpoch*usecPerDay).UTC()
}

func (t Time) String() string {
	return fmt.Sprintf("%dd%09.6fs", t.MJD(), t.SecondsOfDay())
}

// Usec returns the span in microseconds.
func (d Duration) Usec() int64 { return int64(d) }

// Seconds returns the span in seconds.
func (d Duration) Seconds() float64 { return float64(d) / usecPerSec }

// Samples returns the whole number of samples at the given rate that fit in d.
func (d Duration) Samples(sampleRate int64) int64 {
	sec := int64(d) / usecPerSec
	rem := int64(d) % usecPerSec
	return sec*sampleRate + rem*sampleRate/usecPerSec
}

// Scale returns the duration multiplied by n.
func (d Duration) Scale(n int64) Duration { return Duration(int64(d) * n) }

// Div returns how many whole e fit in d.
func (d Duration) Div(e Duration) int64 { return int64(d) / int64(e) }

// IsMultipleOf reports whether d is an exact integer multiple of e.
func (d Duration) IsMultipleOf(e Duration) bool {
	return e != 0 && int64(d)%int64(e) == 0
}

func (d Duration) String() string {
	return fmt.Sprintf("%.6fs", d.Seconds())
}
