// Package correlator implements the delay-correction and correlation cores:
// the numerical pipeline that turns aligned per-station sample streams into
// accumulated visibility spectra. Components are cooperative tasklets driven
// by a single-threaded scheduler; ownership of sample and spectrum buffers
// is transferred through bounded queues.
package correlator

import (
	"errors"
	"fmt"
	"math"

	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// Sideband indicates on which side of the local oscillator the recorded band
// lies. Lower sidebands are spectrally reversed.
type Sideband byte

const (
	SidebandLower Sideband = 'L'
	SidebandUpper Sideband = 'U'
)

func (s Sideband) String() string { return string([]byte{byte(s)}) }

// Polarisation of a station stream.
type Polarisation byte

const (
	PolLeft  Polarisation = 'L'
	PolRight Polarisation = 'R'
)

func (p Polarisation) String() string { return string([]byte{byte(p)}) }

// StationStream describes one station's contribution to a channel slice.
type StationStream struct {
	// StationNumber is the index of the station in the job's station list,
	// used in output records. It is a pure lookup index, never owning.
	StationNumber int

	Polarisation Polarisation

	// LOOffset is the station's local-oscillator offset in Hz.
	LOOffset float64
}

// Channel describes one recorded frequency channel.
type Channel struct {
	Name          string
	SkyFrequency  int64 // Hz
	Bandwidth     int64 // Hz
	Sideband      Sideband
	Polarisation  Polarisation
	SampleRate    int64 // Hz
	BitsPerSample int
}

// Validate checks the channel invariants.
func (c Channel) Validate() error {
	var errs []error
	if c.SampleRate <= 0 || c.SampleRate%1_000_000 != 0 {
		errs = append(errs, fmt.Errorf("channel %s: sample rate %d Hz is not a multiple of 1 MHz", c.Name, c.SampleRate))
	}
	if c.BitsPerSample != 1 && c.BitsPerSample != 2 {
		errs = append(errs, fmt.Errorf("channel %s: bits per sample must be 1 or 2, got %d", c.Name, c.BitsPerSample))
	}
	if c.Bandwidth <= 0 || 2*c.Bandwidth > c.SampleRate {
		errs = append(errs, fmt.Errorf("channel %s: bandwidth %d Hz exceeds half the sample rate %d Hz", c.Name, c.Bandwidth, c.SampleRate))
	}
	if c.Sideband != SidebandLower && c.Sideband != SidebandUpper {
		errs = append(errs, fmt.Errorf("channel %s: sideband must be 'L' or 'U'", c.Name))
	}
	return errors.Join(errs...)
}

// Parameters fixes everything the cores need to process one channel of one
// slice. A Parameters value is built by the controller, validated once, and
// immutable afterwards.
type Parameters struct {
	Experiment string

	IntegrationStart   vlbitime.Time
	IntegrationTime    vlbitime.Duration
	SubIntegrationTime vlbitime.Duration // 0 means one sub-integration per integration

	SampleRate   int64 // Hz
	Bandwidth    int64 // Hz
	ChannelFreq  int64 // sky frequency of the band edge, Hz
	ChannelNr    int
	Sideband     Sideband
	BitsPerSample int

	FFTSizeDelaycor    int
	FFTSizeCorrelation int
	NumberChannels     int // output spectral channels per baseline

	Window dsp.Window

	// ReferenceStation restricts cross baselines when >= 0.
	ReferenceStation int
	CrossPolarize    bool

	Streams []StationStream

	// IntegrationNr is the index of the first integration covered by this
	// slice within the whole observation.
	IntegrationNr int
}

// Oversampling returns sample_rate / (2 * bandwidth), rounded to the nearest
// integer.
func (p *Parameters) Oversampling() int {
	return int(math.Round(float64(p.SampleRate) / float64(2*p.Bandwidth)))
}

// subIntegrationTime returns the write-unit duration.
func (p *Parameters) subIntegrationTime() vlbitime.Duration {
	if p.SubIntegrationTime > 0 {
		return p.SubIntegrationTime
	}
	return p.IntegrationTime
}

// FFTsPerIntegration returns the number of correlation spectra accumulated
// per sub-integration.
func (p *Parameters) FFTsPerIntegration() int {
	return int(p.subIntegrationTime().Samples(p.SampleRate)) / p.FFTSizeCorrelation
}

// SubIntegrationsPerSlice returns how many write units one slice produces.
func (p *Parameters) SubIntegrationsPerSlice() int {
	return int(p.IntegrationTime.Div(p.subIntegrationTime()))
}

// SliceSamples returns the per-station sample count of one slice. The count
// is an exact multiple of 2*fft_size_correlation.
func (p *Parameters) SliceSamples() int {
	n := int(p.IntegrationTime.Samples(p.SampleRate))
	step := 2 * p.FFTSizeCorrelation
	return n - n%step
}

// Validate rejects inconsistent parameter combinations before any worker
// starts.
func (p *Parameters) Validate() error {
	var errs []error
	if !dsp.IsPowerOfTwo(p.FFTSizeDelaycor) {
		errs = append(errs, fmt.Errorf("fft_size_delaycor %d is not a power of two", p.FFTSizeDelaycor))
	}
	if !dsp.IsPowerOfTwo(p.FFTSizeCorrelation) {
		errs = append(errs, fmt.Errorf("fft_size_correlation %d is not a power of two", p.FFTSizeCorrelation))
	}
	if p.FFTSizeCorrelation < p.FFTSizeDelaycor {
		errs = append(errs, fmt.Errorf("fft_size_correlation %d smaller than fft_size_delaycor %d",
			p.FFTSizeCorrelation, p.FFTSizeDelaycor))
	}
	if p.NumberChannels <= 0 || p.NumberChannels > p.FFTSizeCorrelation {
		errs = append(errs, fmt.Errorf("number_channels %d not in 1..fft_size_correlation", p.NumberChannels))
	} else if p.FFTSizeCorrelation%p.NumberChannels != 0 {
		errs = append(errs, fmt.Errorf("number_channels %d does not divide fft_size_correlation %d",
			p.NumberChannels, p.FFTSizeCorrelation))
	}
	if p.IntegrationTime <= 0 {
		errs = append(errs, errors.New("integration time must be positive"))
	}
	if p.SubIntegrationTime > 0 && !p.IntegrationTime.IsMultipleOf(p.SubIntegrationTime) {
		errs = append(errs, fmt.Errorf("sub integration time %s does not divide integration time %s",
			p.SubIntegrationTime, p.IntegrationTime))
	}
	if p.SampleRate > 0 && p.FFTSizeCorrelation > 0 {
		if n := p.IntegrationTime.Samples(p.SampleRate); n%int64(2*p.FFTSizeCorrelation) != 0 {
			errs = append(errs, fmt.Errorf("integration of %d samples is not a multiple of 2*fft_size_correlation", n))
		}
		if p.SubIntegrationTime > 0 {
			if n := p.SubIntegrationTime.Samples(p.SampleRate); n%int64(p.FFTSizeCorrelation) != 0 {
				errs = append(errs, fmt.Errorf("sub integration of %d samples is not a multiple of fft_size_correlation", n))
			}
		}
	}
	if p.SampleRate <= 0 || p.Bandwidth <= 0 || 2*p.Bandwidth > p.SampleRate {
		errs = append(errs, fmt.Errorf("invalid sample rate %d / bandwidth %d", p.SampleRate, p.Bandwidth))
	}
	if p.BitsPerSample != 1 && p.BitsPerSample != 2 {
		errs = append(errs, fmt.Errorf("bits per sample must be 1 or 2, got %d", p.BitsPerSample))
	}
	if len(p.Streams) == 0 {
		errs = append(errs, errors.New("no station streams"))
	}
	if p.CrossPolarize && len(p.Streams)%2 != 0 {
		errs = append(errs, fmt.Errorf("cross polarisation requires an even stream count, got %d", len(p.Streams)))
	}
	if p.ReferenceStation >= len(p.Streams) {
		errs = append(errs, fmt.Errorf("reference station %d out of range", p.ReferenceStation))
	}
	if dsp.IsPowerOfTwo(p.FFTSizeCorrelation) && p.SampleRate > 0 && p.SliceSamples() == 0 {
		errs = append(errs, errors.New("integration shorter than one correlation window"))
	}
	return errors.Join(errs...)
}
