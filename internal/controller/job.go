// Package controller turns a validated job description into a stream of
// slice tasks, drives them across correlator workers and feeds the output
// node. It owns no numerics; everything numeric lives in the cores.
package controller

import (
	"errors"
	"fmt"

	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/input"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// ErrConfigInvalid wraps every job validation failure; the controller
// refuses the job before any worker starts.
var ErrConfigInvalid = errors.New("invalid configuration")

// StationSetup is one station's input description plus its delay model.
type StationSetup struct {
	Name        string
	Sources     []string
	Format      input.Format
	RecordStart vlbitime.Time
	LOOffset    float64

	DelayTable *delaymodel.Table
}

// Job is the fully resolved description of one correlation run.
type Job struct {
	Experiment string

	Start vlbitime.Time
	Stop  vlbitime.Time

	Stations []StationSetup
	Channels []correlator.Channel

	IntegrTime    vlbitime.Duration
	SubIntegrTime vlbitime.Duration

	NumberChannels     int
	FFTSizeDelaycor    int
	FFTSizeCorrelation int
	Window             dsp.Window

	ReferenceStation int // station index, -1 when unset
	CrossPolarize    bool

	OutputFile  string
	ArchiveFile string

	Workers     int
	ExitOnEmpty bool
}

// channelGroup is the unit of correlation: a single channel, or a
// polarisation pair when cross-polarising.
type channelGroup struct {
	nr       int
	channels []int // indices into Job.Channels
}

// SliceTask identifies one unit of work for a correlation worker.
type SliceTask struct {
	Scan        int
	Integration int
	Group       channelGroup
	Start       vlbitime.Time
}

// Validate cross-checks the job. All problems are reported together.
func (j *Job) Validate() error {
	var errs []error

	if len(j.Stations) < 1 {
		errs = append(errs, errors.New("no stations configured"))
	}
	if len(j.Channels) == 0 {
		errs = append(errs, errors.New("no channels configured"))
	}
	if j.OutputFile == "" {
		errs = append(errs, errors.New("output_file is required"))
	}
	if !j.Start.Before(j.Stop) {
		errs = append(errs, fmt.Errorf("start %s is not before stop %s", j.Start, j.Stop))
	}
	if j.ReferenceStation >= len(j.Stations) {
		errs = append(errs, fmt.Errorf("reference station %d out of range", j.ReferenceStation))
	}

	for _, st := range j.Stations {
		if len(st.Sources) == 0 {
			errs = append(errs, fmt.Errorf("station %s has no data sources", st.Name))
		}
		if st.DelayTable == nil {
			errs = append(errs, fmt.Errorf("station %s has no delay table", st.Name))
		} else if !st.DelayTable.Covers(j.Start, j.Start.Add(j.IntegrTime)) {
			errs = append(errs, fmt.Errorf("delay table for station %s does not cover the job start", st.Name))
		}
	}

	rates := map[int64]bool{}
	for _, ch := range j.Channels {
		if err := ch.Validate(); err != nil {
			errs = append(errs, err)
		}
		rates[ch.SampleRate] = true
	}
	if len(rates) > 1 {
		// Mixed-bandwidth observations are out of scope; reject rather
		// than guess which channels pair up.
		errs = append(errs, errors.New("mixed sample rates across channels are not supported"))
	}

	if j.CrossPolarize {
		if _, err := j.polPairs(); err != nil {
			errs = append(errs, err)
		}
	}

	// Per-channel core parameters must validate too.
	if len(errs) == 0 {
		for _, g := range j.groups() {
			params := j.Parameters(SliceTask{Group: g, Start: j.Start})
			if err := params.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// polPairs matches channels of equal sky frequency and opposite
// polarisation for cross-polar correlation.
func (j *Job) polPairs() ([][2]int, error) {
	var pairs [][2]int
	used := make([]bool, len(j.Channels))
	for i, ch := range j.Channels {
		if used[i] {
			continue
		}
		match := -1
		for k := i + 1; k < len(j.Channels); k++ {
			other := j.Channels[k]
			if !used[k] && other.SkyFrequency == ch.SkyFrequency &&
				other.Sideband == ch.Sideband && other.Polarisation != ch.Polarisation {
				match = k
				break
			}
		}
		if match < 0 {
			return nil, fmt.Errorf("channel %s has no opposite polarisation partner", ch.Name)
		}
		used[i], used[match] = true, true
		pairs = append(pairs, [2]int{i, match})
	}
	return pairs, nil
}

// groups returns the channel groups to correlate.
func (j *Job) groups() []channelGroup {
	if !j.CrossPolarize {
		groups := make([]channelGroup, len(j.Channels))
		for i := range j.Channels {
			groups[i] = channelGroup{nr: i, channels: []int{i}}
		}
		return groups
	}
	pairs, err := j.polPairs()
	if err != nil {
		return nil
	}
	groups := make([]channelGroup, len(pairs))
	for i, p := range pairs {
		groups[i] = channelGroup{nr: i, channels: []int{p[0], p[1]}}
	}
	return groups
}

// Integrations returns how many whole integrations fit the observation.
func (j *Job) Integrations() int {
	return int(j.Stop.Sub(j.Start).Div(j.IntegrTime))
}

// Plan produces the slice tasks in dispatch order: integration-major so
// that the output file grows roughly in time order.
func (j *Job) Plan() []SliceTask {
	var tasks []SliceTask
	groups := j.groups()
	for i := 0; i < j.Integrations(); i++ {
		start := j.Start.Add(vlbitime.Duration(j.IntegrTime.Usec() * int64(i)))
		for _, g := range groups {
			tasks = append(tasks, SliceTask{
				Scan:        0,
				Integration: i,
				Group:       g,
				Start:       start,
			})
		}
	}
	return tasks
}

// Parameters assembles the core parameter block for one slice task.
func (j *Job) Parameters(task SliceTask) *correlator.Parameters {
	first := j.Channels[task.Group.channels[0]]

	params := correlator.Parameters{
		Experiment:         j.Experiment,
		IntegrationStart:   task.Start,
		IntegrationTime:    j.IntegrTime,
		SubIntegrationTime: j.SubIntegrTime,
		SampleRate:         first.SampleRate,
		Bandwidth:          first.Bandwidth,
		ChannelFreq:        first.SkyFrequency,
		ChannelNr:          task.Group.nr,
		Sideband:           first.Sideband,
		BitsPerSample:      first.BitsPerSample,
		FFTSizeDelaycor:    j.FFTSizeDelaycor,
		FFTSizeCorrelation: j.FFTSizeCorrelation,
		NumberChannels:     j.NumberChannels,
		Window:             j.Window,
		ReferenceStation:   j.ReferenceStation,
		CrossPolarize:      j.CrossPolarize,
	}

	// Streams: one per station per channel in the group; with cross
	// polarisation the first half carries the first polarisation.
	for _, chIdx := range task.Group.channels {
		ch := j.Channels[chIdx]
		for s := range j.Stations {
			params.Streams = append(params.Streams, correlator.StationStream{
				StationNumber: s,
				Polarisation:  ch.Polarisation,
				LOOffset:      j.Stations[s].LOOffset,
			})
		}
	}

	subPerSlice := 1
	if j.SubIntegrTime > 0 {
		subPerSlice = int(j.IntegrTime.Div(j.SubIntegrTime))
	}
	params.IntegrationNr = task.Integration * subPerSlice

	return &params
}
