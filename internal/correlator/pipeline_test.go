package correlator

import (
	"context"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

var testStart = vlbitime.FromMJD(57300, 3600)

// constTable builds a delay table that is constant over the whole slice
// plus generous padding.
func constTable(t *testing.T, station string, delay, phase, amp float64) *delaymodel.Table {
	t.Helper()
	scan := make([]delaymodel.Sample, 8)
	for i := range scan {
		scan[i] = delaymodel.Sample{
			Time:      testStart.Add(vlbitime.Seconds(float64(i-3) * 2)),
			Delay:     delay,
			Phase:     phase,
			Amplitude: amp,
		}
	}
	table, err := delaymodel.NewTable(station, scan)
	if err != nil {
		t.Fatalf("building delay table: %v", err)
	}
	return table
}

func testParams(nStreams int, integrSec float64) *Parameters {
	streams := make([]StationStream, nStreams)
	for i := range streams {
		streams[i] = StationStream{StationNumber: i, Polarisation: PolRight}
	}
	return &Parameters{
		Experiment:         "TEST",
		IntegrationStart:   testStart,
		IntegrationTime:    vlbitime.Seconds(integrSec),
		SampleRate:         1_000_000,
		Bandwidth:          500_000,
		ChannelFreq:        0,
		Sideband:           SidebandUpper,
		BitsPerSample:      2,
		FFTSizeDelaycor:    256,
		FFTSizeCorrelation: 256,
		NumberChannels:     256,
		Window:             dsp.WindowRectangular,
		ReferenceStation:   -1,
		Streams:            streams,
	}
}

// feedSamples splits a sample record into delay-step blocks and queues them
// all, then closes the queue.
func feedSamples(params *Parameters, data []float64, invalid []InvalidRange) *Queue[*SampleBlock] {
	ndc := params.FFTSizeDelaycor
	n := len(data) / ndc
	q := NewQueue[*SampleBlock](n)
	for b := 0; b < n; b++ {
		block := &SampleBlock{
			Start: params.IntegrationStart.AddSamples(int64(b*ndc), params.SampleRate),
			Data:  data[b*ndc : (b+1)*ndc],
		}
		for _, r := range invalid {
			lo := max(r.Offset, b*ndc)
			hi := min(r.Offset+r.Len, (b+1)*ndc)
			if lo < hi {
				block.Invalid = append(block.Invalid, InvalidRange{Offset: lo - b*ndc, Len: hi - lo})
			}
		}
		q.Push(block)
	}
	q.Close()
	return q
}

// runPipeline drives delay correction and correlation for the given
// per-stream sample records and returns the emitted timeslices.
func runPipeline(t *testing.T, params *Parameters, tables []*delaymodel.Table, samples [][]float64, invalid [][]InvalidRange) []*TimesliceData {
	t.Helper()
	if err := params.Validate(); err != nil {
		t.Fatalf("invalid test parameters: %v", err)
	}

	core := NewCorrelationCore(params, params.SubIntegrationsPerSlice()+1)
	sched := NewScheduler()

	for i := range params.Streams {
		var inv []InvalidRange
		if invalid != nil {
			inv = invalid[i]
		}
		in := feedSamples(params, samples[i], inv)
		dc, err := NewDelayCorrection(params, i, tables[i], in, 8)
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		core.ConnectTo(i, dc, nil)
		sched.Add(dc)
	}
	sched.Add(core)

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	var out []*TimesliceData
	for {
		ts, ok := core.Output().TryPop()
		if !ok {
			break
		}
		out = append(out, ts)
	}
	return out
}

func gaussianNoise(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

// subsampleShift returns the record circularly shifted so that
// out[i] = in(i - shift), i.e. delayed by shift samples.
func subsampleShift(in []float64, shift float64) []float64 {
	n := len(in)
	f := dsp.NewRealFFT(n)
	spec := f.Forward(nil, in)
	for k := range spec {
		phi := -2 * math.Pi * float64(k) * shift / float64(n)
		spec[k] *= cmplx.Exp(complex(0, phi))
	}
	return f.Inverse(nil, spec)
}

func crossSpectrum(t *testing.T, ts *TimesliceData, a, b int) []complex64 {
	t.Helper()
	for _, bl := range ts.Baselines {
		if bl.Station1 == a && bl.Station2 == b {
			return bl.Spectrum
		}
	}
	t.Fatalf("baseline (%d,%d) not found", a, b)
	return nil
}

func TestZeroDelayWhiteNoise(t *testing.T) {
	params := testParams(2, 1.048576) // 4096 correlation windows
	noise := gaussianNoise(params.SliceSamples(), 7)

	tables := []*delaymodel.Table{
		constTable(t, "S0", 0, 0, 1),
		constTable(t, "S1", 0, 0, 1),
	}
	out := runPipeline(t, params, tables, [][]float64{noise, noise}, nil)
	if len(out) != 1 {
		t.Fatalf("expected 1 timeslice, got %d", len(out))
	}
	ts := out[0]

	if len(ts.Baselines) != 3 {
		t.Fatalf("expected 3 baselines, got %d", len(ts.Baselines))
	}

	// Autocorrelations stay real.
	for _, st := range []int{0, 1} {
		auto := crossSpectrum(t, ts, st, st)
		for k, v := range auto {
			if math.Abs(float64(imag(v))) > 1e-5 {
				t.Fatalf("auto %d bin %d has imaginary part %e", st, k, imag(v))
			}
		}
	}

	// Identical streams: cross magnitude near one, phase exactly zero.
	cross := crossSpectrum(t, ts, 0, 1)
	var sum float64
	for k := 1; k < len(cross)-1; k++ {
		mag := cmplx.Abs(complex128(cross[k]))
		sum += mag
		if math.Abs(mag-1) > 0.15 {
			t.Errorf("cross bin %d magnitude %f, expected about 1", k, mag)
		}
		if ph := cmplx.Phase(complex128(cross[k])); math.Abs(ph) > 1e-6 {
			t.Errorf("cross bin %d phase %e, expected 0", k, ph)
		}
	}
	mean := sum / float64(len(cross)-2)
	if math.Abs(mean-1) > 0.02 {
		t.Errorf("mean cross magnitude %f, expected 1 within 2%%", mean)
	}

	for _, bl := range ts.Baselines {
		if math.Abs(bl.Weight-1) > 1e-9 {
			t.Errorf("baseline (%d,%d) weight %f, expected 1", bl.Station1, bl.Station2, bl.Weight)
		}
	}
}

func TestFractionalDelayRecovery(t *testing.T) {
	// Station 2 carries an uncorrected 0.25-sample delay. The fringe phase
	// slope across the band must recover it.
	const shift = 0.25
	params := testParams(2, 0.262144) // 1024 windows
	noise := gaussianNoise(params.SliceSamples(), 11)
	delayed := subsampleShift(noise, shift)

	tables := []*delaymodel.Table{
		constTable(t, "S0", 0, 0, 1),
		constTable(t, "S1", 0, 0, 1),
	}
	out := runPipeline(t, params, tables, [][]float64{noise, delayed}, nil)
	ts := out[len(out)-1]
	cross := crossSpectrum(t, ts, 0, 1)

	// Least-squares slope of phase vs bin. Phase stays below pi/4, no
	// unwrapping needed.
	n := params.FFTSizeCorrelation
	var sk, skk, sp, skp float64
	for k := 1; k < n; k++ {
		ph := cmplx.Phase(complex128(cross[k]))
		sk += float64(k)
		skk += float64(k) * float64(k)
		sp += ph
		skp += float64(k) * ph
	}
	cnt := float64(n - 1)
	slope := (cnt*skp - sk*sp) / (cnt*skk - sk*sk)
	tauHat := slope * float64(2*n) / (2 * math.Pi)

	if math.Abs(tauHat-shift) > 0.01 {
		t.Errorf("recovered delay %f samples, expected %f", tauHat, shift)
	}

	// Near DC the phase vanishes.
	if ph := cmplx.Phase(complex128(cross[1])); math.Abs(ph) > 0.05 {
		t.Errorf("phase at first bin %f, expected near 0", ph)
	}
}

func TestDelayCorrectionRemovesKnownDelay(t *testing.T) {
	// Station 2 is delayed by 3.25 samples and its delay table says so:
	// integer shift plus fractional phase ramp must line the streams up
	// again: away from the band edges the residual cross phase stays within
	// 0.02 rad and the normalised magnitude within 0.2 of one.
	const delaySamples = 3.25
	params := testParams(2, 0.262144)
	rate := float64(params.SampleRate)

	noise := gaussianNoise(params.SliceSamples()+64, 23)
	ref := noise[:params.SliceSamples()]
	delayed := subsampleShift(noise, delaySamples)

	// The input node pre-shifts by the whole-sample delay at slice start,
	// so the core sees the stream k0 samples in.
	table := constTable(t, "S1", delaySamples/rate, 0, 1)
	k0, err := BaseIntegerShift(table, params.IntegrationStart, params.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	if k0 != 3 {
		t.Fatalf("base integer shift: expected 3, got %d", k0)
	}
	preShifted := delayed[k0 : int64(params.SliceSamples())+k0]

	tables := []*delaymodel.Table{constTable(t, "S0", 0, 0, 1), table}
	out := runPipeline(t, params, tables, [][]float64{ref, preShifted}, nil)
	cross := crossSpectrum(t, out[len(out)-1], 0, 1)

	for k := 4; k < len(cross)-4; k++ {
		if ph := cmplx.Phase(complex128(cross[k])); math.Abs(ph) > 0.02 {
			t.Fatalf("residual phase %f at bin %d after delay correction", ph, k)
		}
		if mag := cmplx.Abs(complex128(cross[k])); math.Abs(mag-1) > 0.2 {
			t.Fatalf("cross magnitude %f at bin %d after delay correction", mag, k)
		}
	}
}

func TestSidebandFlipInPipeline(t *testing.T) {
	// A lower-sideband tone appears mirrored: frequency f lands in bin
	// N - f/df instead of f/df.
	params := testParams(1, 0.065536)
	n := params.SliceSamples()

	const bin = 40 // of the 512-point correlation transform
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Cos(2 * math.Pi * float64(bin) * float64(i) / float64(2*params.FFTSizeCorrelation))
	}

	tables := []*delaymodel.Table{constTable(t, "S0", 0, 0, 1)}

	params.Sideband = SidebandUpper
	usb := runPipeline(t, params, tables, [][]float64{data}, nil)
	auto := crossSpectrum(t, usb[0], 0, 0)
	if peakBin(auto) != bin {
		t.Errorf("usb: tone at bin %d, expected %d", peakBin(auto), bin)
	}

	lsbParams := testParams(1, 0.065536)
	lsbParams.Sideband = SidebandLower
	lsb := runPipeline(t, lsbParams, tables, [][]float64{data}, nil)
	autoLSB := crossSpectrum(t, lsb[0], 0, 0)
	if got, want := peakBin(autoLSB), lsbParams.FFTSizeCorrelation-bin; got != want {
		t.Errorf("lsb: tone at bin %d, expected %d", got, want)
	}
}

func peakBin(spec []complex64) int {
	best, bestMag := 0, 0.0
	for k, v := range spec {
		if k == 0 {
			continue
		}
		if mag := cmplx.Abs(complex128(v)); mag > bestMag {
			best, bestMag = k, mag
		}
	}
	return best
}

func TestInstrumentalPhaseApplied(t *testing.T) {
	// A constant instrumental phase on one station shows up with opposite
	// sign on the cross spectrum after fringe rotation.
	const phi = 0.7
	params := testParams(2, 0.065536)
	noise := gaussianNoise(params.SliceSamples(), 31)

	tables := []*delaymodel.Table{
		constTable(t, "S0", 0, 0, 1),
		constTable(t, "S1", 0, phi, 1),
	}
	out := runPipeline(t, params, tables, [][]float64{noise, noise}, nil)
	cross := crossSpectrum(t, out[0], 0, 1)

	// cross = X1 * conj(X2), station 2 rotated by exp(-i*phi).
	for k := 8; k < len(cross)-8; k += 16 {
		ph := cmplx.Phase(complex128(cross[k]))
		if math.Abs(ph-phi) > 1e-6 {
			t.Errorf("bin %d: phase %f, expected %f", k, ph, phi)
		}
	}
}

func TestInvalidSamplesAccounting(t *testing.T) {
	// 5% of station 2's slice is marked invalid: n_invalid must be exact
	// and the baseline weight reduced accordingly.
	params := testParams(2, 0.065536)
	n := params.SliceSamples()
	noise := gaussianNoise(n, 41)

	nInvalid := n / 20
	invalid := [][]InvalidRange{
		nil,
		{{Offset: n / 4, Len: nInvalid}},
	}
	// Decoder contract: invalid samples arrive zero filled.
	dirty := append([]float64(nil), noise...)
	for i := n / 4; i < n/4+nInvalid; i++ {
		dirty[i] = 0
	}

	tables := []*delaymodel.Table{
		constTable(t, "S0", 0, 0, 1),
		constTable(t, "S1", 0, 0, 1),
	}
	out := runPipeline(t, params, tables, [][]float64{noise, dirty}, invalid)
	ts := out[0]

	// Every interior sample lands in exactly two overlapped windows.
	if got := ts.Stats[1].NInvalid; got != int64(2*nInvalid) {
		t.Errorf("n_invalid %d, expected %d", got, 2*nInvalid)
	}
	if got := ts.Stats[0].NInvalid; got != 0 {
		t.Errorf("clean stream n_invalid %d, expected 0", got)
	}

	var crossWeight float64
	for _, bl := range ts.Baselines {
		if bl.Station1 == 0 && bl.Station2 == 1 {
			crossWeight = bl.Weight
		}
	}
	wantWeight := 1 - float64(nInvalid)/float64(n)
	if math.Abs(crossWeight-wantWeight) > 0.02 {
		t.Errorf("cross weight %f, expected about %f", crossWeight, wantWeight)
	}
}

func TestEarlyEndOfStream(t *testing.T) {
	// The stream ends at 60% of the slice: the final record carries a
	// reduced weight and nothing follows it.
	params := testParams(2, 0.065536)
	n := params.SliceSamples()
	noise := gaussianNoise(n, 43)

	short := noise[:n*6/10]
	short = short[:len(short)-len(short)%params.FFTSizeDelaycor]

	tables := []*delaymodel.Table{
		constTable(t, "S0", 0, 0, 1),
		constTable(t, "S1", 0, 0, 1),
	}
	out := runPipeline(t, params, tables, [][]float64{noise, short}, nil)
	if len(out) != 1 {
		t.Fatalf("expected exactly one (partial) timeslice, got %d", len(out))
	}

	frac := float64(len(short)) / float64(n)
	for _, bl := range out[0].Baselines {
		if bl.Station1 == 0 && bl.Station2 == 0 {
			if math.Abs(bl.Weight-1) > 1e-9 {
				t.Errorf("full stream auto weight %f, expected 1", bl.Weight)
			}
			continue
		}
		if math.Abs(bl.Weight-frac) > 0.05 {
			t.Errorf("baseline (%d,%d) weight %f, expected about %f",
				bl.Station1, bl.Station2, bl.Weight, frac)
		}
	}
}

func TestConjugateBaseline(t *testing.T) {
	// Swapping the two streams conjugates the cross spectrum.
	params := testParams(2, 0.065536)
	noise1 := gaussianNoise(params.SliceSamples(), 51)
	noise2 := subsampleShift(noise1, 0.4)

	tables := []*delaymodel.Table{
		constTable(t, "S0", 0, 0, 1),
		constTable(t, "S1", 0, 0, 1),
	}
	fwd := runPipeline(t, params, tables, [][]float64{noise1, noise2}, nil)
	rev := runPipeline(t, params, tables, [][]float64{noise2, noise1}, nil)

	a := crossSpectrum(t, fwd[0], 0, 1)
	b := crossSpectrum(t, rev[0], 0, 1)
	for k := range a {
		want := complex64(cmplx.Conj(complex128(b[k])))
		if d := cmplx.Abs(complex128(a[k] - want)); d > 1e-5 {
			t.Fatalf("bin %d: %v is not the conjugate of %v", k, a[k], b[k])
		}
	}
}

func TestNormaliseIdempotent(t *testing.T) {
	params := testParams(2, 0.065536)
	core := NewCorrelationCore(params, 2)

	rng := rand.New(rand.NewSource(3))
	for st := 0; st < 2; st++ {
		for k := range core.accum[st] {
			core.accum[st][k] = complex(rng.Float64()*100+1, 0)
		}
	}
	for k := range core.accum[2] {
		core.accum[2][k] = complex(rng.NormFloat64()*10, rng.NormFloat64()*10)
	}

	core.integrationNormalise()
	snapshot := make([][]complex128, len(core.accum))
	for i := range core.accum {
		snapshot[i] = append([]complex128(nil), core.accum[i]...)
	}

	core.integrationNormalise()
	for i := range core.accum {
		for k := range core.accum[i] {
			if d := cmplx.Abs(core.accum[i][k] - snapshot[i][k]); d > 1e-9 {
				t.Fatalf("baseline %d bin %d changed on second normalise: %e", i, k, d)
			}
		}
	}
}

func TestSpectrumCountContract(t *testing.T) {
	params := testParams(1, 0.065536)
	want := int(params.IntegrationTime.Samples(params.SampleRate)) / params.FFTSizeCorrelation

	in := feedSamples(params, gaussianNoise(params.SliceSamples(), 61), nil)
	dc, err := NewDelayCorrection(params, 0, constTable(t, "S0", 0, 0, 1), in, want+2)
	if err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(dc)
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	count := 0
	var prev vlbitime.Time
	for {
		sp, ok := dc.Output().TryPop()
		if !ok {
			break
		}
		if len(sp.Data) != params.FFTSizeCorrelation+1 {
			t.Fatalf("spectrum length %d, expected %d", len(sp.Data), params.FFTSizeCorrelation+1)
		}
		if count > 0 && !prev.Before(sp.Start) {
			t.Fatal("spectrum timestamps must be strictly increasing")
		}
		wantStart := params.IntegrationStart.AddSamples(int64(count*params.FFTSizeCorrelation), params.SampleRate)
		if !sp.Start.Equal(wantStart) {
			t.Fatalf("spectrum %d start %v, expected %v", count, sp.Start, wantStart)
		}
		prev = sp.Start
		count++
		dc.ReleaseSpectrum(sp)
	}
	if count != want {
		t.Fatalf("spectrum count %d, expected %d", count, want)
	}
}

func TestDelayUnavailableFails(t *testing.T) {
	params := testParams(1, 0.065536)

	// Table covering a different hour entirely.
	scan := []delaymodel.Sample{
		{Time: testStart.Add(vlbitime.Seconds(-7200)), Amplitude: 1},
		{Time: testStart.Add(vlbitime.Seconds(-7199)), Amplitude: 1},
	}
	table, err := delaymodel.NewTable("S0", scan)
	if err != nil {
		t.Fatal(err)
	}

	in := feedSamples(params, gaussianNoise(params.SliceSamples(), 67), nil)
	if _, err = NewDelayCorrection(params, 0, table, in, 4); err == nil {
		t.Fatal("expected DelayUnavailable building the core")
	}
}
