package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openvlbi/correlator/internal/controller"
	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/input"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// Settings are the run-wide knobs outside the observation description.
type Settings struct {
	LogLevel              string `yaml:"log_level"`
	Workers               int    `yaml:"workers"`
	ExitOnEmptyDatastream *bool  `yaml:"exit_on_empty_datastream"`
}

// ChannelConfig describes one recorded frequency channel.
type ChannelConfig struct {
	Name          string `yaml:"name"`
	SkyFrequency  int64  `yaml:"sky_frequency"`
	Bandwidth     int64  `yaml:"bandwidth"`
	Sideband      string `yaml:"sideband"`
	Polarisation  string `yaml:"polarisation"`
	SampleRate    int64  `yaml:"sample_rate"`
	BitsPerSample int    `yaml:"bits_per_sample"`
}

// Config is the YAML run configuration document.
type Config struct {
	Settings Settings `yaml:"settings"`

	Experiment string `yaml:"experiment"`
	Start      string `yaml:"start"`
	Stop       string `yaml:"stop"`

	Stations    []string            `yaml:"stations"`
	DataSources map[string][]string `yaml:"data_sources"`
	DataFormat  string              `yaml:"data_format"`
	RecordStart string              `yaml:"record_start"`
	DelayTables map[string]string   `yaml:"delay_tables"`
	LOOffset    map[string]float64  `yaml:"lo_offset"`

	OutputFile  string `yaml:"output_file"`
	ArchiveFile string `yaml:"archive_file"`

	IntegrTime    float64 `yaml:"integr_time"`
	SubIntegrTime float64 `yaml:"sub_integr_time"`

	NumberChannels     int    `yaml:"number_channels"`
	FFTSizeDelaycor    int    `yaml:"fft_size_delaycor"`
	FFTSizeCorrelation int    `yaml:"fft_size_correlation"`
	WindowFunction     string `yaml:"window_function"`

	ReferenceStation string `yaml:"reference_station"`
	CrossPolarize    bool   `yaml:"cross_polarize"`

	AllChannels    []ChannelConfig `yaml:"channels"`
	SelectChannels []string        `yaml:"select_channels"`
}

// LoadConfig reads and decodes the configuration document.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = "info"
	}
	if c.Settings.Workers == 0 {
		c.Settings.Workers = 1
	}
	if c.WindowFunction == "" {
		c.WindowFunction = string(dsp.WindowRectangular)
	}
	if c.DataFormat == "" {
		c.DataFormat = string(input.FormatVDIF)
	}
	if c.NumberChannels == 0 {
		c.NumberChannels = 256
	}
	if c.FFTSizeDelaycor == 0 {
		c.FFTSizeDelaycor = 256
	}
	if c.FFTSizeCorrelation == 0 {
		c.FFTSizeCorrelation = max(c.FFTSizeDelaycor, c.NumberChannels)
	}
}

// parseTime accepts RFC 3339 timestamps and the keyword "now".
func parseTime(s string) (vlbitime.Time, error) {
	if strings.EqualFold(s, "now") {
		return vlbitime.FromTime(time.Now().UTC()), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return vlbitime.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return vlbitime.FromTime(t), nil
}

// BuildJob resolves the configuration into a validated controller job:
// delay tables are loaded, names become indices, keywords become times.
func (c *Config) BuildJob() (*controller.Job, error) {
	var errs []error

	if len(c.Stations) == 0 {
		errs = append(errs, errors.New("stations is required"))
	}
	if c.OutputFile == "" {
		errs = append(errs, errors.New("output_file is required"))
	}
	if c.IntegrTime <= 0 {
		errs = append(errs, errors.New("integr_time is required"))
	}

	window, err := dsp.ParseWindow(c.WindowFunction)
	if err != nil {
		errs = append(errs, err)
	}

	job := controller.Job{
		Experiment:         c.Experiment,
		IntegrTime:         vlbitime.Seconds(c.IntegrTime),
		NumberChannels:     c.NumberChannels,
		FFTSizeDelaycor:    c.FFTSizeDelaycor,
		FFTSizeCorrelation: c.FFTSizeCorrelation,
		Window:             window,
		ReferenceStation:   -1,
		CrossPolarize:      c.CrossPolarize,
		OutputFile:         c.OutputFile,
		ArchiveFile:        c.ArchiveFile,
		Workers:            c.Settings.Workers,
		ExitOnEmpty:        true,
	}
	if c.SubIntegrTime > 0 {
		job.SubIntegrTime = vlbitime.Seconds(c.SubIntegrTime)
	}
	if c.Settings.ExitOnEmptyDatastream != nil {
		job.ExitOnEmpty = *c.Settings.ExitOnEmptyDatastream
	}

	var recordStart vlbitime.Time
	if c.RecordStart != "" {
		if recordStart, err = parseTime(c.RecordStart); err != nil {
			errs = append(errs, err)
		}
	}

	for i, name := range c.Stations {
		setup := controller.StationSetup{
			Name:        name,
			Sources:     c.DataSources[name],
			Format:      input.Format(c.DataFormat),
			RecordStart: recordStart,
			LOOffset:    c.LOOffset[name],
		}
		if uri, ok := c.DelayTables[name]; ok {
			table, err := delaymodel.ReadTable(uriPath(uri))
			if err != nil {
				errs = append(errs, fmt.Errorf("station %s: %w", name, err))
			} else {
				setup.DelayTable = table
			}
		} else {
			errs = append(errs, fmt.Errorf("station %s has no delay table", name))
		}
		if c.ReferenceStation == name {
			job.ReferenceStation = i
		}
		job.Stations = append(job.Stations, setup)
	}
	if c.ReferenceStation != "" && job.ReferenceStation < 0 {
		errs = append(errs, fmt.Errorf("reference station %q is not in the station list", c.ReferenceStation))
	}

	for _, ch := range c.selectedChannels() {
		channel := correlator.Channel{
			Name:          ch.Name,
			SkyFrequency:  ch.SkyFrequency,
			Bandwidth:     ch.Bandwidth,
			SampleRate:    ch.SampleRate,
			BitsPerSample: ch.BitsPerSample,
		}
		switch strings.ToUpper(ch.Sideband) {
		case "L", "LOWER":
			channel.Sideband = correlator.SidebandLower
		case "U", "UPPER", "":
			channel.Sideband = correlator.SidebandUpper
		default:
			errs = append(errs, fmt.Errorf("channel %s: unknown sideband %q", ch.Name, ch.Sideband))
		}
		switch strings.ToUpper(ch.Polarisation) {
		case "L", "LCP":
			channel.Polarisation = correlator.PolLeft
		case "R", "RCP", "":
			channel.Polarisation = correlator.PolRight
		default:
			errs = append(errs, fmt.Errorf("channel %s: unknown polarisation %q", ch.Name, ch.Polarisation))
		}
		job.Channels = append(job.Channels, channel)
	}

	startStr := c.Start
	if startStr == "" {
		startStr = "now"
	}
	if job.Start, err = parseTime(startStr); err != nil {
		errs = append(errs, err)
	}
	switch {
	case c.Stop == "" || strings.EqualFold(c.Stop, "end"):
		// Run to the end of the delay model coverage.
		var end vlbitime.Time
		for _, st := range job.Stations {
			if st.DelayTable == nil {
				continue
			}
			_, e := st.DelayTable.Extent()
			if end.Usec() == 0 || e.Before(end) {
				end = e
			}
		}
		job.Stop = end
	default:
		if job.Stop, err = parseTime(c.Stop); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", controller.ErrConfigInvalid, errors.Join(errs...))
	}
	return &job, nil
}

// selectedChannels applies the optional channels subset.
func (c *Config) selectedChannels() []ChannelConfig {
	if len(c.SelectChannels) == 0 {
		return c.AllChannels
	}
	keep := make(map[string]bool, len(c.SelectChannels))
	for _, name := range c.SelectChannels {
		keep[name] = true
	}
	var out []ChannelConfig
	for _, ch := range c.AllChannels {
		if keep[ch.Name] {
			out = append(out, ch)
		}
	}
	return out
}

func uriPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		return u.Path
	}
	return strings.TrimPrefix(uri, "file://")
}

// ParseLogLevel maps the configured level onto slog.
func ParseLogLevel(s string) (level int, err error) {
	switch strings.ToLower(s) {
	case "debug":
		return -4, nil
	case "", "info":
		return 0, nil
	case "warn", "warning":
		return 4, nil
	case "error":
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
