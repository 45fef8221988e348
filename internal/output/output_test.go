package output

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

func testTimeslice(integration, channel, nchan int, seed int64) *correlator.TimesliceData {
	rng := rand.New(rand.NewSource(seed))
	ts := correlator.TimesliceData{
		IntegrationIndex: integration,
		ChannelNr:        channel,
		Start:            vlbitime.FromMJD(57300, float64(integration)),
		UVW: []correlator.UVWRecord{
			{StationNumber: 1, U: 101.5, V: -30.25, W: 7.125},
			{StationNumber: 2, U: -48, V: 9.5, W: 0.5},
		},
		Stats: []correlator.StatRecord{
			{StationNumber: 1, FrequencyNr: channel, Sideband: correlator.SidebandUpper,
				Polarisation: correlator.PolRight, Levels: [4]int64{10, 40, 41, 9}, NInvalid: 3},
			{StationNumber: 2, FrequencyNr: channel, Sideband: correlator.SidebandUpper,
				Polarisation: correlator.PolLeft, Levels: [4]int64{12, 38, 39, 11}, NInvalid: 0},
		},
	}

	for _, pair := range [][2]int{{1, 1}, {2, 2}, {1, 2}} {
		bl := correlator.BaselineData{
			Station1: pair[0], Station2: pair[1],
			Pol1: correlator.PolRight, Pol2: correlator.PolLeft,
			Sideband:    correlator.SidebandUpper,
			FrequencyNr: channel,
			Weight:      0.875,
			Spectrum:    make([]complex64, nchan+1),
		}
		for i := range bl.Spectrum {
			bl.Spectrum[i] = complex(float32(rng.NormFloat64()), float32(rng.NormFloat64()))
		}
		ts.Baselines = append(ts.Baselines, bl)
	}
	return &ts
}

func TestWriterReaderRoundTrip(t *testing.T) {
	const nchan = 32
	path := filepath.Join(t.TempDir(), "test.cor")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(f, nchan)

	start := vlbitime.FromMJD(57300, 43200)
	if err := w.WriteGlobalHeader("EXP01", start, vlbitime.Seconds(2), 0); err != nil {
		t.Fatal(err)
	}

	want := []*correlator.TimesliceData{
		testTimeslice(0, 0, nchan, 1),
		testTimeslice(0, 1, nchan, 2),
		testTimeslice(1, 0, nchan, 3),
	}
	for _, ts := range want {
		if err := w.WriteTimeslice(ts); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if got := r.Header.NumberChannels; got != nchan {
		t.Errorf("global header channels %d, expected %d", got, nchan)
	}
	if got := r.Header.IntegrationTime; got != 2_000_000 {
		t.Errorf("global header integration time %d, expected 2000000", got)
	}
	if got := r.Header.StartTime; got != 43200 {
		t.Errorf("global header start time %d, expected 43200", got)
	}

	for i, wantTS := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("timeslice %d: %v", i, err)
		}
		if got.IntegrationIndex != wantTS.IntegrationIndex {
			t.Errorf("timeslice %d integration %d, expected %d", i, got.IntegrationIndex, wantTS.IntegrationIndex)
		}
		if len(got.UVW) != len(wantTS.UVW) || got.UVW[0] != wantTS.UVW[0] {
			t.Errorf("timeslice %d uvw mismatch: %+v", i, got.UVW)
		}
		if len(got.Stats) != 2 || got.Stats[0].Levels != wantTS.Stats[0].Levels ||
			got.Stats[0].NInvalid != wantTS.Stats[0].NInvalid {
			t.Errorf("timeslice %d stats mismatch: %+v", i, got.Stats)
		}
		if got.Stats[1].Polarisation != correlator.PolLeft {
			t.Errorf("timeslice %d stat polarisation lost", i)
		}
		for b, wantBL := range wantTS.Baselines {
			gotBL := got.Baselines[b]
			if gotBL.Station1 != wantBL.Station1 || gotBL.Station2 != wantBL.Station2 {
				t.Errorf("baseline %d stations (%d,%d), expected (%d,%d)",
					b, gotBL.Station1, gotBL.Station2, wantBL.Station1, wantBL.Station2)
			}
			if gotBL.FrequencyNr != wantBL.FrequencyNr || gotBL.Sideband != wantBL.Sideband {
				t.Errorf("baseline %d tagging mismatch: %+v", b, gotBL)
			}
			if float32(gotBL.Weight) != float32(wantBL.Weight) {
				t.Errorf("baseline %d weight %f, expected %f", b, gotBL.Weight, wantBL.Weight)
			}
			for k := range wantBL.Spectrum {
				if gotBL.Spectrum[k] != wantBL.Spectrum[k] {
					t.Fatalf("baseline %d bin %d: %v, expected %v", b, k, gotBL.Spectrum[k], wantBL.Spectrum[k])
				}
			}
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last timeslice, got %v", err)
	}
}

func TestReorderBuffer(t *testing.T) {
	rb := NewReorderBuffer(2, 16)

	// Two channels per integration, arriving out of order.
	rb.Insert(testTimeslice(1, 1, 4, 10))
	rb.Insert(testTimeslice(0, 1, 4, 11))
	if rb.Ready() != nil {
		t.Fatal("incomplete integration must not be released")
	}

	rb.Insert(testTimeslice(0, 0, 4, 12))
	var got [][2]int
	for ts := rb.Ready(); ts != nil; ts = rb.Ready() {
		got = append(got, [2]int{ts.IntegrationIndex, ts.ChannelNr})
	}
	want := [][2]int{{0, 0}, {0, 1}}
	if len(got) != len(want) {
		t.Fatalf("released %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("released %v, expected %v", got, want)
		}
	}

	// Completing integration 1 releases it too.
	rb.Insert(testTimeslice(1, 0, 4, 13))
	for ts := rb.Ready(); ts != nil; ts = rb.Ready() {
		got = append(got, [2]int{ts.IntegrationIndex, ts.ChannelNr})
	}
	if len(got) != 4 || got[2] != [2]int{1, 0} || got[3] != [2]int{1, 1} {
		t.Fatalf("released %v", got)
	}
}

func TestReorderBufferOverflow(t *testing.T) {
	rb := NewReorderBuffer(4, 4)
	for i := 0; i < 5; i++ {
		rb.Insert(testTimeslice(i, 0, 4, int64(i)))
	}
	// Never completes, but over capacity the oldest leaks out.
	if ts := rb.Ready(); ts == nil || ts.IntegrationIndex != 0 {
		t.Fatal("overflowing buffer must release its oldest entry")
	}
}

func TestOutputNodeRun(t *testing.T) {
	const nchan = 8
	path := filepath.Join(t.TempDir(), "node.cor")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	w := NewWriter(f, nchan)
	if err := w.WriteGlobalHeader("EXP02", vlbitime.FromMJD(57300, 0), vlbitime.Seconds(1), 0); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node := NewNode(w, logger)

	// Two worker queues, two channels, two integrations, shuffled.
	q1 := correlator.NewQueue[*correlator.TimesliceData](4)
	q2 := correlator.NewQueue[*correlator.TimesliceData](4)
	q1.Push(testTimeslice(1, 0, nchan, 20))
	q1.Push(testTimeslice(0, 0, nchan, 21))
	q2.Push(testTimeslice(0, 1, nchan, 22))
	q2.Push(testTimeslice(1, 1, nchan, 23))
	q1.Close()
	q2.Close()

	err = node.Run(context.Background(), []*correlator.Queue[*correlator.TimesliceData]{q1, q2}, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	r, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var order [][2]int
	for {
		ts, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, [2]int{ts.IntegrationIndex, ts.ChannelNr})
	}
	want := [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	if len(order) != len(want) {
		t.Fatalf("wrote %v, expected %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wrote %v, expected %v", order, want)
		}
	}
}
