package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/openvlbi/correlator/internal/controller"
	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

func writeDelayTable(t *testing.T, dir, station string) string {
	t.Helper()
	start, err := parseTime("2015-10-05T12:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	var scan []delaymodel.Sample
	for s := -2.0; s <= 120; s++ {
		scan = append(scan, delaymodel.Sample{
			Time:      start.Add(vlbitime.Seconds(s)),
			Delay:     1e-6,
			Amplitude: 1,
		})
	}
	path := filepath.Join(dir, "EXP01_"+station+".del")
	if err := delaymodel.WriteTable(path, station, scan); err != nil {
		t.Fatal(err)
	}
	return "file://" + path
}

const configTemplate = `
settings:
  log_level: debug
  workers: 3

experiment: EXP01
start: "2015-10-05T12:00:00Z"
stop: "2015-10-05T12:01:00Z"

stations: [Ef, Wb]
data_sources:
  Ef: ["file:///data/ef.vdif"]
  Wb: ["file:///data/wb.vdif"]
data_format: vdif
delay_tables:
  Ef: "%s"
  Wb: "%s"
lo_offset:
  Wb: 125.0

output_file: "file:///tmp/out.cor"
integr_time: 2.0
sub_integr_time: 0.5
number_channels: 128
fft_size_delaycor: 256
fft_size_correlation: 512
window_function: hann
reference_station: Ef

channels:
  - name: CH01
    sky_frequency: 1650000000
    bandwidth: 8000000
    sideband: U
    polarisation: R
    sample_rate: 16000000
    bits_per_sample: 2
  - name: CH02
    sky_frequency: 1658000000
    bandwidth: 8000000
    sideband: U
    polarisation: R
    sample_rate: 16000000
    bits_per_sample: 2
select_channels: [CH01]
`

func TestLoadConfigAndBuildJob(t *testing.T) {
	dir := t.TempDir()
	efTable := writeDelayTable(t, dir, "Ef")
	wbTable := writeDelayTable(t, dir, "Wb")

	path := filepath.Join(dir, "job.yaml")
	content := []byte(fmt.Sprintf(configTemplate, efTable, wbTable))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Settings.Workers != 3 {
		t.Errorf("workers %d, expected 3", config.Settings.Workers)
	}

	job, err := config.BuildJob()
	if err != nil {
		t.Fatalf("BuildJob: %v", err)
	}

	if job.ReferenceStation != 0 {
		t.Errorf("reference station index %d, expected 0", job.ReferenceStation)
	}
	if len(job.Channels) != 1 || job.Channels[0].Name != "CH01" {
		t.Fatalf("channel subset not applied: %+v", job.Channels)
	}
	if job.Window != dsp.WindowHann {
		t.Errorf("window %q, expected hann", job.Window)
	}
	if job.Stations[1].LOOffset != 125 {
		t.Errorf("lo offset %f, expected 125", job.Stations[1].LOOffset)
	}
	if got := job.Stop.Sub(job.Start).Seconds(); got != 60 {
		t.Errorf("observation span %f s, expected 60", got)
	}
	if got := job.SubIntegrTime.Seconds(); got != 0.5 {
		t.Errorf("sub integration %f s, expected 0.5", got)
	}
	if job.Stations[0].DelayTable == nil {
		t.Fatal("delay table not loaded")
	}

	if err := job.Validate(); err != nil {
		t.Fatalf("resolved job does not validate: %v", err)
	}
}

func TestBuildJobErrors(t *testing.T) {
	dir := t.TempDir()
	efTable := writeDelayTable(t, dir, "Ef")
	wbTable := writeDelayTable(t, dir, "Wb")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing stations", func(c *Config) { c.Stations = nil }},
		{"missing output", func(c *Config) { c.OutputFile = "" }},
		{"missing integr time", func(c *Config) { c.IntegrTime = 0 }},
		{"bad window", func(c *Config) { c.WindowFunction = "blackman" }},
		{"unknown reference station", func(c *Config) { c.ReferenceStation = "Xx" }},
		{"missing delay table", func(c *Config) { delete(c.DelayTables, "Wb") }},
		{"bad time", func(c *Config) { c.Start = "yesterday" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "job.yaml")
			content := []byte(fmt.Sprintf(configTemplate, efTable, wbTable))
			if err := os.WriteFile(path, content, 0o644); err != nil {
				t.Fatal(err)
			}
			config, err := LoadConfig(path)
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(config)
			if _, err := config.BuildJob(); !errors.Is(err, controller.ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestStopEndUsesDelayTableExtent(t *testing.T) {
	dir := t.TempDir()
	efTable := writeDelayTable(t, dir, "Ef")
	wbTable := writeDelayTable(t, dir, "Wb")

	path := filepath.Join(dir, "job.yaml")
	content := []byte(fmt.Sprintf(configTemplate, efTable, wbTable))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	config.Stop = "end"

	job, err := config.BuildJob()
	if err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if !job.Start.Before(job.Stop) {
		t.Fatalf("stop %v not after start %v", job.Stop, job.Start)
	}
	// The table covers two minutes; "end" must land at its edge.
	if got := job.Stop.Sub(job.Start).Seconds(); got != 120 {
		t.Errorf("stop at +%f s, expected 120", got)
	}
}
