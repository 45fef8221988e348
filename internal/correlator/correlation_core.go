package correlator

import (
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"

	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// UVWRecord carries the projected baseline coordinates of one station at
// the integration midpoint.
type UVWRecord struct {
	StationNumber int
	U, V, W       float64
}

// StatRecord is one station's bit statistics for one write unit.
type StatRecord struct {
	StationNumber int
	FrequencyNr   int
	Sideband      Sideband
	Polarisation  Polarisation
	Levels        [4]int64
	NInvalid      int64
}

// BaselineData is one accumulated, normalised visibility spectrum.
type BaselineData struct {
	Station1, Station2 int
	Pol1, Pol2         Polarisation
	Sideband           Sideband
	FrequencyNr        int
	Weight             float64
	Spectrum           []complex64 // number_channels+1 values
}

// TimesliceData is everything the output node writes for one integration of
// one channel.
type TimesliceData struct {
	IntegrationIndex int
	ChannelNr        int
	Start            vlbitime.Time
	UVW              []UVWRecord
	Stats            []StatRecord
	Baselines        []BaselineData
}

// SpectrumSource is the upstream interface the correlation core consumes:
// a queue of delay-corrected spectra plus the release hook that returns
// their buffers to the producer's pool.
type SpectrumSource interface {
	Output() *Queue[*Spectrum]
	ReleaseSpectrum(*Spectrum)
}

// coreState tracks the integration state machine.
type coreState int

const (
	stateIdle coreState = iota
	stateAccumulating
	stateDone
)

// WithCoreLogger attaches a logger for progress reporting.
func WithCoreLogger(logger *slog.Logger) func(*CorrelationCore) {
	return func(c *CorrelationCore) {
		c.logger = logger
	}
}

// CorrelationCore accumulates one slice of auto- and cross-correlation
// spectra across all participating station streams of one channel. One
// spectrum per stream is consumed per task; at the end of each write unit
// the accumulators are normalised and emitted as a TimesliceData.
type CorrelationCore struct {
	params    *Parameters
	baselines []Baseline

	sources []SpectrumSource
	inputs  []*Queue[*Spectrum]
	stats   []*BitStatistics
	uvw     []*delaymodel.Table

	out *Queue[*TimesliceData]

	accum [][]complex128
	norms []float64

	weightSum []float64
	invalid   []int64

	state               coreState
	currentFFT          int
	currentIntegration  int
	fftsPerIntegration  int
	integrationsInSlice int

	logger *slog.Logger
}

// NewCorrelationCore builds the core for one channel slice. Streams are
// connected afterwards with ConnectTo in stream order.
func NewCorrelationCore(params *Parameters, outDepth int, options ...func(*CorrelationCore)) *CorrelationCore {
	c := CorrelationCore{
		params:              params,
		baselines:           CreateBaselines(params),
		sources:             make([]SpectrumSource, len(params.Streams)),
		inputs:              make([]*Queue[*Spectrum], len(params.Streams)),
		stats:               make([]*BitStatistics, len(params.Streams)),
		uvw:                 make([]*delaymodel.Table, len(params.Streams)),
		out:                 NewQueue[*TimesliceData](outDepth),
		fftsPerIntegration:  params.FFTsPerIntegration(),
		integrationsInSlice: params.SubIntegrationsPerSlice(),
	}

	c.accum = make([][]complex128, len(c.baselines))
	for i := range c.accum {
		c.accum[i] = make([]complex128, params.FFTSizeCorrelation+1)
	}
	c.norms = make([]float64, len(params.Streams))
	c.weightSum = make([]float64, len(params.Streams))
	c.invalid = make([]int64, len(params.Streams))

	for _, option := range options {
		option(&c)
	}
	return &c
}

// ConnectTo attaches one station stream's spectrum source and its bit
// statistics accumulator.
func (c *CorrelationCore) ConnectTo(stream int, source SpectrumSource, stats *BitStatistics) {
	c.sources[stream] = source
	c.inputs[stream] = source.Output()
	c.stats[stream] = stats
}

// AddUVWTable registers the delay model used to evaluate UVW coordinates
// for one stream.
func (c *CorrelationCore) AddUVWTable(stream int, table *delaymodel.Table) {
	c.uvw[stream] = table
}

// Output returns the queue of finished timeslices.
func (c *CorrelationCore) Output() *Queue[*TimesliceData] { return c.out }

// Baselines returns the enumerated baseline list in output order.
func (c *CorrelationCore) Baselines() []Baseline { return c.baselines }

func (c *CorrelationCore) Name() string {
	return fmt.Sprintf("correlation core channel %d", c.params.ChannelNr)
}

func (c *CorrelationCore) Finished() bool { return c.state == stateDone }

// HasWork reports true when every input queue has a spectrum at its head
// (drained streams count as permanently ready) and, if this task would
// complete a write unit, the output queue has room.
func (c *CorrelationCore) HasWork() bool {
	if c.state == stateDone {
		return false
	}

	drained := 0
	for _, q := range c.inputs {
		if q.Drained() {
			drained++
			continue
		}
		if q.Len() == 0 {
			return false
		}
	}
	if drained == len(c.inputs) {
		// Nothing left upstream; there is work only if a partial
		// integration needs flushing.
		return c.currentFFT > 0 && c.out.Free() > 0
	}
	if c.currentFFT+1 >= c.fftsPerIntegration {
		return c.out.Free() > 0
	}
	return true
}

// DoTask consumes exactly one spectrum from each stream and advances the
// integration by one FFT step. Completing a write unit normalises and
// emits in the same call, keeping the output sequence atomic.
func (c *CorrelationCore) DoTask() error {
	if c.state == stateIdle {
		c.integrationInitialise()
		c.state = stateAccumulating
	}

	allDrained := true
	for _, q := range c.inputs {
		if !q.Drained() {
			allDrained = false
			break
		}
	}
	if allDrained {
		// Upstream EOF mid-integration: flush what accumulated with a
		// reduced weight and stop.
		c.integrationNormalise()
		c.integrationWrite()
		c.shutdown()
		return nil
	}

	step := make([]*Spectrum, len(c.inputs))
	for i, q := range c.inputs {
		if sp, ok := q.TryPop(); ok {
			step[i] = sp
		}
	}

	c.integrationStep(step)

	for i, sp := range step {
		if sp != nil {
			c.sources[i].ReleaseSpectrum(sp)
		}
	}

	c.currentFFT++
	c.reportProgress()

	if c.currentFFT == c.fftsPerIntegration {
		c.integrationNormalise()
		c.integrationWrite()

		c.currentFFT = 0
		c.currentIntegration++
		c.state = stateIdle
		if c.currentIntegration == c.integrationsInSlice {
			c.shutdown()
		}
	}
	return nil
}

func (c *CorrelationCore) shutdown() {
	c.state = stateDone
	c.out.Close()
}

func (c *CorrelationCore) reportProgress() {
	if c.logger == nil || c.fftsPerIntegration < 10 {
		return
	}
	tenth := c.fftsPerIntegration / 10
	if c.currentFFT%tenth == 0 {
		c.logger.Debug("integration progress",
			slog.Int("channel", c.params.ChannelNr),
			slog.Int("integration", c.params.IntegrationNr+c.currentIntegration),
			slog.Int("fft", c.currentFFT),
			slog.Int("of", c.fftsPerIntegration))
	}
}

// integrationInitialise zeroes the per-baseline accumulators and the
// per-stream weights.
func (c *CorrelationCore) integrationInitialise() {
	for _, buf := range c.accum {
		for i := range buf {
			buf[i] = 0
		}
	}
	for i := range c.weightSum {
		c.weightSum[i] = 0
		c.invalid[i] = 0
	}
}

// integrationStep applies one spectrum per stream to every baseline
// accumulator. A nil spectrum (failed or ended stream) contributes nothing.
func (c *CorrelationCore) integrationStep(step []*Spectrum) {
	nStreams := len(c.inputs)

	for i, sp := range step {
		if sp == nil {
			continue
		}
		c.weightSum[i] += sp.Weight
		c.invalid[i] += int64(sp.NInvalid)
	}

	// Autos occupy the first nStreams baselines.
	for b := 0; b < nStreams; b++ {
		sp := step[c.baselines[b].A]
		if sp == nil {
			continue
		}
		buf := c.accum[b]
		for k, v := range sp.Data {
			re := real(v)
			im := imag(v)
			buf[k] += complex(re*re+im*im, 0)
		}
	}

	for b := nStreams; b < len(c.baselines); b++ {
		bl := c.baselines[b]
		s1 := step[bl.A]
		s2 := step[bl.B]
		if s1 == nil || s2 == nil {
			continue
		}
		buf := c.accum[b]
		for k := range buf {
			buf[k] += s1.Data[k] * cmplx.Conj(s2.Data[k])
		}
	}
}

// integrationNormalise divides each autocorrelation by its station norm and
// each cross baseline by the geometric mean of its two norms. The norm is
// the mean autocorrelation power per spectral point, clamped to at least 1
// so that an empty accumulator stays empty.
func (c *CorrelationCore) integrationNormalise() {
	nStreams := len(c.inputs)
	scale := float64(c.params.FFTSizeCorrelation) / float64(c.params.Oversampling())

	for st := 0; st < nStreams; st++ {
		var sum float64
		for _, v := range c.accum[st] {
			sum += real(v)
		}
		c.norms[st] = sum / scale
		if c.norms[st] < 1 {
			c.norms[st] = 1
		}
		for k, v := range c.accum[st] {
			c.accum[st][k] = complex(real(v)/c.norms[st], 0)
		}
	}

	for b := nStreams; b < len(c.baselines); b++ {
		bl := c.baselines[b]
		norm := complex(math.Sqrt(c.norms[bl.A]*c.norms[bl.B]), 0)
		for k := range c.accum[b] {
			c.accum[b][k] /= norm
		}
	}
}

// integrationWrite averages the accumulators down to the output channel
// count and emits the timeslice.
func (c *CorrelationCore) integrationWrite() {
	p := c.params
	subTime := p.IntegrationTime
	if p.SubIntegrationTime > 0 {
		subTime = p.SubIntegrationTime
	}
	start := p.IntegrationStart.Add(vlbitime.Duration(subTime.Usec() * int64(c.currentIntegration)))
	mid := start.Add(vlbitime.Duration(subTime.Usec() / 2))

	ts := TimesliceData{
		IntegrationIndex: p.IntegrationNr + c.currentIntegration,
		ChannelNr:        p.ChannelNr,
		Start:            start,
	}

	for st := range c.inputs {
		rec := UVWRecord{StationNumber: p.Streams[st].StationNumber}
		if c.uvw[st] != nil {
			if u, v, w, err := c.uvw[st].UVW(mid); err == nil {
				rec.U, rec.V, rec.W = u, v, w
			}
		}
		ts.UVW = append(ts.UVW, rec)
	}

	for st := range c.inputs {
		rec := StatRecord{
			StationNumber: p.Streams[st].StationNumber,
			FrequencyNr:   p.ChannelNr,
			Sideband:      p.Sideband,
			Polarisation:  c.streamPol(st),
		}
		if c.stats[st] != nil {
			rec.Levels = c.stats[st].Levels()
			rec.NInvalid = c.stats[st].NInvalid()
			c.stats[st].Reset()
		} else {
			rec.NInvalid = c.invalid[st]
		}
		ts.Stats = append(ts.Stats, rec)
	}

	nAvg := p.FFTSizeCorrelation / p.NumberChannels
	total := float64(c.fftsPerIntegration)

	for b, bl := range c.baselines {
		data := BaselineData{
			Station1:    p.Streams[bl.A].StationNumber,
			Station2:    p.Streams[bl.B].StationNumber,
			Pol1:        c.streamPol(bl.A),
			Pol2:        c.streamPol(bl.B),
			Sideband:    p.Sideband,
			FrequencyNr: p.ChannelNr,
			Spectrum:    make([]complex64, p.NumberChannels+1),
		}

		w := math.Min(c.weightSum[bl.A], c.weightSum[bl.B])
		if total > 0 {
			data.Weight = w / total
		}

		for j := 0; j <= p.NumberChannels; j++ {
			sum := c.accum[b][j*nAvg]
			for k := 1; k < nAvg && j < p.NumberChannels; k++ {
				sum += c.accum[b][j*nAvg+k]
			}
			sum /= complex(float64(nAvg), 0)
			data.Spectrum[j] = complex64(sum)
		}

		ts.Baselines = append(ts.Baselines, data)
	}

	c.out.Push(&ts)
}

func (c *CorrelationCore) streamPol(i int) Polarisation {
	return StreamPolarisation(c.params, i)
}
