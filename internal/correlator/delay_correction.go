package correlator

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/dsp"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// InvalidRange marks a zero-filled region of a sample block, in samples
// relative to the block start.
type InvalidRange struct {
	Offset, Len int
}

// SampleBlock is one delay-step worth of decoded samples for one station
// and channel. Invalid samples have been zero filled by the decoder and are
// listed in Invalid.
type SampleBlock struct {
	Start   vlbitime.Time
	Data    []float64
	Invalid []InvalidRange
}

// Spectrum is one correlation-length frequency fragment: fft_size+1 complex
// bins tagged with the absolute time of the first contributing sample.
// Data is pooled; the consumer releases it after use.
type Spectrum struct {
	Start    vlbitime.Time
	Data     []complex128
	Weight   float64 // fraction of in-slice samples that were valid
	NInvalid int
}

// BaseIntegerShift returns the whole-sample delay at the slice start. The
// input node pre-shifts each station stream by this amount so that the
// delay core only tracks the residual integer delay, which stays within one
// delay-correction FFT over an integration.
func BaseIntegerShift(table *delaymodel.Table, start vlbitime.Time, sampleRate int64) (int64, error) {
	p, err := table.Eval(start)
	if err != nil {
		return 0, err
	}
	return int64(math.Floor(p.Delay * float64(sampleRate))), nil
}

// DelayCorrection converts one slice of real samples from one station and
// channel into delay-corrected frequency fragments. Per delay step it
// applies the integer sample shift, the fractional-sample phase ramp, the
// sideband flip and the fringe rotation, then re-transforms overlapped
// correlation-length segments of the resulting complex time series.
type DelayCorrection struct {
	params   *Parameters
	streamNr int
	table    *delaymodel.Table

	in   *Queue[*SampleBlock]
	out  *Queue[*Spectrum]
	pool *Pool

	fftDelay *dsp.RealFFT
	fftCor   *dsp.CmplxFFT
	window   []float64

	baseShift int64

	// Input sample ring, indexed by nominal sample number & ringMask.
	ring     []float64
	ringOK   []bool
	ringMask int64
	fed      int64 // samples ingested (or zero filled) so far

	// Delay-corrected complex time series ring.
	tbuf     []complex128
	tbufOK   []bool
	tbufMask int64
	produced int64

	// Scratch buffers reused across steps.
	stepIn   []float64
	stepOK   []bool
	specDC   []complex128
	timeDC   []float64
	corIn    []complex128
	corOut   []complex128
	boundary map[int64]delaymodel.Point

	sliceSamples int64
	nSteps       int64
	nSpectra     int64
	stepIdx      int64
	emitIdx      int64
	eos          bool
}

// NewDelayCorrection builds the tasklet for one station stream. The output
// queue and its buffer pool are owned by the tasklet and shared with the
// downstream correlation core.
func NewDelayCorrection(params *Parameters, streamNr int, table *delaymodel.Table,
	in *Queue[*SampleBlock], queueDepth int) (*DelayCorrection, error) {

	base, err := BaseIntegerShift(table, params.IntegrationStart, params.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("stream %d: %w", streamNr, err)
	}

	ndc := params.FFTSizeDelaycor
	ncor := params.FFTSizeCorrelation
	sliceSamples := int64(params.SliceSamples())

	d := DelayCorrection{
		params:    params,
		streamNr:  streamNr,
		table:     table,
		in:        in,
		out:       NewQueue[*Spectrum](queueDepth),
		pool:      NewPool(queueDepth+2, ncor+1),
		fftDelay:  dsp.NewRealFFT(ndc),
		fftCor:    dsp.NewCmplxFFT(2 * ncor),
		window:    params.Window.Coefficients(2 * ncor),
		baseShift: base,

		stepIn: make([]float64, ndc),
		stepOK: make([]bool, ndc),
		timeDC: make([]float64, ndc),
		specDC: make([]complex128, ndc/2+1),
		corIn:  make([]complex128, 2*ncor),
		corOut: make([]complex128, 2*ncor),

		boundary: make(map[int64]delaymodel.Point, 2),

		sliceSamples: sliceSamples,
		nSteps:       sliceSamples / int64(ndc),
		nSpectra:     sliceSamples / int64(ncor),
	}

	ringLen := int64(4 * ndc)
	d.ring = make([]float64, ringLen)
	d.ringOK = make([]bool, ringLen)
	d.ringMask = ringLen - 1

	tbufLen := int64(4 * ncor)
	d.tbuf = make([]complex128, tbufLen)
	d.tbufOK = make([]bool, tbufLen)
	d.tbufMask = tbufLen - 1

	return &d, nil
}

// Output returns the queue of delay-corrected spectra.
func (d *DelayCorrection) Output() *Queue[*Spectrum] { return d.out }

// ReleaseSpectrum returns a spectrum buffer to the pool once the consumer
// is done with it.
func (d *DelayCorrection) ReleaseSpectrum(s *Spectrum) { d.pool.Put(s.Data) }

func (d *DelayCorrection) Name() string {
	return fmt.Sprintf("delay correction stream %d", d.streamNr)
}

func (d *DelayCorrection) Finished() bool { return d.eos }

// HasWork reports whether one bounded unit can run now: emitting a spectrum,
// processing a delay step, or ingesting a block.
func (d *DelayCorrection) HasWork() bool {
	if d.eos {
		return false
	}
	if d.canEmit() {
		return d.out.Free() > 0 && d.pool.Available() > 0
	}
	if d.canStep() {
		return true
	}
	if d.in.Len() > 0 {
		return true
	}
	// Upstream gone: zero-fill and flush the remainder of the slice.
	return d.in.Drained()
}

// DoTask runs exactly one bounded unit of work.
func (d *DelayCorrection) DoTask() error {
	switch {
	case d.canEmit():
		return d.emitWindow()
	case d.canStep():
		return d.processStep()
	default:
		return d.ingest()
	}
}

func (d *DelayCorrection) canEmit() bool {
	if d.emitIdx >= d.nSpectra {
		return false
	}
	ncor := int64(d.params.FFTSizeCorrelation)
	if d.produced >= d.emitIdx*ncor+2*ncor {
		return true
	}
	return d.produced == d.sliceSamples // tail windows, zero padded
}

func (d *DelayCorrection) canStep() bool {
	if d.stepIdx >= d.nSteps {
		return false
	}
	ndc := int64(d.params.FFTSizeDelaycor)
	// One step of lookahead absorbs the residual integer shift.
	return d.fed >= (d.stepIdx+2)*ndc || d.fed == d.sliceSamples
}

// ingest appends one input block to the sample ring, or zero-fills one step
// when the input has ended early.
func (d *DelayCorrection) ingest() error {
	ndc := int64(d.params.FFTSizeDelaycor)

	block, ok := d.in.TryPop()
	if !ok {
		if !d.in.Drained() || d.fed >= d.sliceSamples {
			return nil
		}
		// Upstream EOF before the slice was full.
		n := min(ndc, d.sliceSamples-d.fed)
		for i := int64(0); i < n; i++ {
			idx := (d.fed + i) & d.ringMask
			d.ring[idx] = 0
			d.ringOK[idx] = false
		}
		d.fed += n
		return nil
	}

	if int64(len(block.Data)) != ndc {
		return fmt.Errorf("sample block of %d samples, expected %d", len(block.Data), ndc)
	}
	for i, v := range block.Data {
		idx := (d.fed + int64(i)) & d.ringMask
		d.ring[idx] = v
		d.ringOK[idx] = true
	}
	for _, r := range block.Invalid {
		for i := r.Offset; i < r.Offset+r.Len && i < len(block.Data); i++ {
			d.ringOK[(d.fed+int64(i))&d.ringMask] = false
		}
	}
	d.fed += ndc
	return nil
}

// boundaryPoint returns the delay model at the start of step s, cached so
// each boundary is evaluated once and shared by the two adjacent steps.
func (d *DelayCorrection) boundaryPoint(s int64) (delaymodel.Point, error) {
	if p, ok := d.boundary[s]; ok {
		return p, nil
	}
	ndc := int64(d.params.FFTSizeDelaycor)
	at := d.params.IntegrationStart.AddSamples(s*ndc, d.params.SampleRate)
	p, err := d.table.Eval(at)
	if err != nil {
		return delaymodel.Point{}, err
	}
	// Keep only the current window of boundaries.
	for k := range d.boundary {
		if k < s-1 {
			delete(d.boundary, k)
		}
	}
	d.boundary[s] = p
	return p, nil
}

// processStep runs one delay-correction FFT step: integer shift, fractional
// phase ramp, sideband flip, fringe rotation.
func (d *DelayCorrection) processStep() error {
	p := d.params
	ndc := int64(p.FFTSizeDelaycor)
	rate := float64(p.SampleRate)
	s := d.stepIdx
	stepStart := s * ndc

	mid, err := d.table.Eval(p.IntegrationStart.AddSamples(stepStart+ndc/2, p.SampleRate))
	if err != nil {
		return err
	}
	tauSamples := mid.Delay * rate
	k := int64(math.Floor(tauSamples))
	frac := tauSamples - float64(k)

	residual := k - d.baseShift
	if residual > ndc || residual < -ndc {
		return fmt.Errorf("integer delay drift of %d samples exceeds the delay window", residual)
	}

	// Integer shift: choose the read pointer. Samples outside the slice or
	// not (yet) delivered are zero and invalid.
	for i := int64(0); i < ndc; i++ {
		idx := stepStart + residual + i
		if idx < 0 || idx >= d.fed || idx >= d.sliceSamples || !d.ringOK[idx&d.ringMask] {
			d.stepIn[i] = 0
			d.stepOK[i] = false
			continue
		}
		d.stepIn[i] = d.ring[idx&d.ringMask]
		d.stepOK[i] = true
	}

	// Fractional-sample shift as a linear phase ramp in the frequency
	// domain.
	spec := d.fftDelay.Forward(d.specDC, d.stepIn)
	for n := range spec {
		phi := 2 * math.Pi * float64(n) * frac / float64(ndc)
		spec[n] *= cmplx.Exp(complex(0, phi))
	}

	if p.Sideband == SidebandLower {
		dsp.FlipSideband(spec)
	}

	d.fftDelay.Inverse(d.timeDC, spec)

	// Fringe rotation: per-sample phase, delay model linearly interpolated
	// between the step boundaries.
	p0, err := d.boundaryPoint(s)
	if err != nil {
		return err
	}
	p1, err := d.boundaryPoint(s + 1)
	if err != nil {
		return err
	}

	fsky := float64(p.ChannelFreq)
	lo := p.Streams[d.streamNr].LOOffset
	for i := int64(0); i < ndc; i++ {
		f := float64(i) / float64(ndc)
		tau := p0.Delay + (p1.Delay-p0.Delay)*f
		phase := p0.Phase + (p1.Phase-p0.Phase)*f
		amp := p0.Amplitude + (p1.Amplitude-p0.Amplitude)*f

		trel := float64(stepStart+i) / rate
		theta := -(2*math.Pi*fsky*tau + phase + 2*math.Pi*lo*trel)

		c := complex(d.timeDC[i]*amp, 0) * cmplx.Exp(complex(0, theta))
		idx := (stepStart + i) & d.tbufMask
		d.tbuf[idx] = c
		d.tbufOK[idx] = d.stepOK[i]
	}

	d.produced = stepStart + ndc
	d.stepIdx++
	return nil
}

// emitWindow transforms one overlapped correlation-length segment and pushes
// the resulting spectrum downstream.
func (d *DelayCorrection) emitWindow() error {
	p := d.params
	ncor := int64(p.FFTSizeCorrelation)
	base := d.emitIdx * ncor

	buf, err := d.pool.Get()
	if err != nil {
		return err
	}

	var inSlice, invalid int64
	for i := int64(0); i < 2*ncor; i++ {
		idx := base + i
		if idx >= d.sliceSamples {
			d.corIn[i] = 0
			continue
		}
		inSlice++
		if !d.tbufOK[idx&d.tbufMask] {
			invalid++
		}
		d.corIn[i] = d.tbuf[idx&d.tbufMask] * complex(d.window[i], 0)
	}

	out := d.fftCor.Forward(d.corOut, d.corIn)
	copy(buf, out[:ncor+1])

	weight := 1.0
	if inSlice > 0 {
		weight = float64(inSlice-invalid) / float64(inSlice)
	}

	d.out.Push(&Spectrum{
		Start:    p.IntegrationStart.AddSamples(base, p.SampleRate),
		Data:     buf,
		Weight:   weight,
		NInvalid: int(invalid),
	})

	d.emitIdx++
	if d.emitIdx == d.nSpectra {
		d.out.Close()
		d.eos = true
	}
	return nil
}
