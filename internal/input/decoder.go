package input

import (
	"fmt"

	"github.com/openvlbi/correlator/internal/correlator"
)

// Two-bit samples use the standard offset-binary quantiser levels; the
// outer level keeps the quantisation loss of a 4-level sampler minimal for
// Gaussian noise.
var twoBitLevels = [4]float64{-3.3359, -1, 1, 3.3359}

var oneBitLevels = [2]float64{-1, 1}

// Decoder unpacks recorder frames into per-channel floating point samples.
// Channels are sample-interleaved, least significant bits first, which
// covers the packet-headered formats as well as headerless packed streams.
type Decoder struct {
	nchan int
	bits  int
	stats []*correlator.BitStatistics
}

// NewDecoder builds a decoder for nchan interleaved channels of the given
// sample depth. stats, when non-nil, receives one accumulator per channel.
func NewDecoder(nchan, bitsPerSample int, stats []*correlator.BitStatistics) (*Decoder, error) {
	if bitsPerSample != 1 && bitsPerSample != 2 {
		return nil, fmt.Errorf("unsupported sample depth %d bits", bitsPerSample)
	}
	if nchan < 1 {
		return nil, fmt.Errorf("invalid channel count %d", nchan)
	}
	if stats != nil && len(stats) != nchan {
		return nil, fmt.Errorf("statistics for %d channels, expected %d", len(stats), nchan)
	}
	return &Decoder{nchan: nchan, bits: bitsPerSample, stats: stats}, nil
}

// SamplesPerFrame returns how many samples per channel a payload of n bytes
// holds.
func (d *Decoder) SamplesPerFrame(n int) int {
	return n * 8 / (d.bits * d.nchan)
}

// Decode appends the frame's samples to dst, one slice per channel. An
// invalid frame is zero filled and counted; the caller learns its extent
// from the returned sample count and the invalid flag.
func (d *Decoder) Decode(f *Frame, dst [][]float64) (samplesPerChannel int, err error) {
	if len(dst) != d.nchan {
		return 0, fmt.Errorf("destination for %d channels, expected %d", len(dst), d.nchan)
	}

	n := d.SamplesPerFrame(len(f.Data))
	if f.Invalid {
		for c := range dst {
			for i := 0; i < n; i++ {
				dst[c] = append(dst[c], 0)
			}
			if d.stats != nil {
				d.stats[c].CountInvalid(n)
			}
		}
		return n, nil
	}

	mask := byte(1<<d.bits - 1)
	bitPos := 0
	for s := 0; s < n; s++ {
		for c := 0; c < d.nchan; c++ {
			b := f.Data[bitPos>>3]
			level := int(b >> (bitPos & 7) & mask)
			bitPos += d.bits

			var v float64
			if d.bits == 2 {
				v = twoBitLevels[level]
			} else {
				v = oneBitLevels[level]
			}
			dst[c] = append(dst[c], v)
			if d.stats != nil {
				d.stats[c].Count(level)
			}
		}
	}
	return n, nil
}

// EncodeSamples packs per-channel float samples into the frame layout the
// decoder reads. It is the exact inverse for already-quantised values; the
// tests use it to build synthetic recordings.
func EncodeSamples(channels [][]float64, bitsPerSample int) []byte {
	if len(channels) == 0 || len(channels[0]) == 0 {
		return nil
	}
	nchan := len(channels)
	n := len(channels[0])
	out := make([]byte, (n*nchan*bitsPerSample+7)/8)

	bitPos := 0
	for s := 0; s < n; s++ {
		for c := 0; c < nchan; c++ {
			level := quantise(channels[c][s], bitsPerSample)
			out[bitPos>>3] |= byte(level) << (bitPos & 7)
			bitPos += bitsPerSample
		}
	}
	return out
}

func quantise(v float64, bits int) int {
	if bits == 1 {
		if v < 0 {
			return 0
		}
		return 1
	}
	switch {
	case v < -2:
		return 0
	case v < 0:
		return 1
	case v < 2:
		return 2
	default:
		return 3
	}
}
