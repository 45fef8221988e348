package storage

import (
	"path/filepath"
	"testing"

	"github.com/openvlbi/correlator/internal/correlator"
)

func TestArchiveRoundTrip(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "archive.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	jobID, err := store.CreateJob("EXP01", map[string]any{"integr_time": 2.0})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ts := &correlator.TimesliceData{
		IntegrationIndex: 3,
		ChannelNr:        1,
		Stats: []correlator.StatRecord{
			{StationNumber: 0, FrequencyNr: 1, Levels: [4]int64{5, 20, 19, 6}, NInvalid: 2},
		},
		Baselines: []correlator.BaselineData{
			{
				Station1: 0, Station2: 1,
				Pol1: correlator.PolRight, Pol2: correlator.PolRight,
				Sideband:    correlator.SidebandUpper,
				FrequencyNr: 1,
				Weight:      0.75,
				Spectrum:    []complex64{1, complex(0, 2), 3},
			},
		},
	}
	if err := store.StoreTimeslice(ts); err != nil {
		t.Fatalf("StoreTimeslice: %v", err)
	}

	count, err := store.VisibilityCount(jobID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("visibility count %d, expected 1", count)
	}
}

func TestSpectrumEncoding(t *testing.T) {
	in := []complex64{complex(1.5, -2.5), complex(0, 3), complex(-4, 0)}
	blob, err := encodeSpectrum(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != len(in)*8 {
		t.Fatalf("blob of %d bytes, expected %d", len(blob), len(in)*8)
	}

	out, err := DecodeSpectrum(blob)
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("bin %d: %v, expected %v", i, out[i], in[i])
		}
	}

	if _, err := DecodeSpectrum(blob[:5]); err == nil {
		t.Error("misaligned blob must be rejected")
	}
}
