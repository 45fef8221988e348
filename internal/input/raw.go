package input

import (
	"bufio"
	"errors"
	"io"

	"github.com/openvlbi/correlator/internal/vlbitime"
)

// RawReader reads a headerless recording: a plain stream of packed samples
// starting at a configured wall-clock time. It synthesises fixed-size
// frames so that downstream handling is identical to the framed formats.
type RawReader struct {
	r   *bufio.Reader
	src io.Closer

	start      vlbitime.Time
	sampleRate int64
	nchan      int
	bits       int
	frameBytes int

	pos int64 // samples per channel delivered so far
}

// NewRawReader wraps a headerless source. frameSamples is the synthetic
// frame length in samples per channel.
func NewRawReader(src io.ReadCloser, start vlbitime.Time, sampleRate int64, nchan, bitsPerSample, frameSamples int) *RawReader {
	return &RawReader{
		r:          bufio.NewReaderSize(src, 1<<20),
		src:        src,
		start:      start,
		sampleRate: sampleRate,
		nchan:      nchan,
		bits:       bitsPerSample,
		frameBytes: frameSamples * nchan * bitsPerSample / 8,
	}
}

func (r *RawReader) samplesPerFrame() int64 {
	return int64(r.frameBytes) * 8 / int64(r.nchan*r.bits)
}

// NextFrame reads one synthetic frame. A short read at the end of the
// recording is dropped; sample alignment is preserved.
func (r *RawReader) NextFrame(f *Frame) error {
	if cap(f.Data) < r.frameBytes {
		f.Data = make([]byte, r.frameBytes)
	}
	f.Data = f.Data[:r.frameBytes]

	if _, err := io.ReadFull(r.r, f.Data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}

	f.Time = r.start.AddSamples(r.pos, r.sampleRate)
	f.Invalid = false
	r.pos += r.samplesPerFrame()
	return nil
}

// GotoTime discards whole frames up to t.
func (r *RawReader) GotoTime(t vlbitime.Time) (vlbitime.Time, error) {
	for {
		next := r.start.AddSamples(r.pos+r.samplesPerFrame(), r.sampleRate)
		if !next.Before(t) && !next.Equal(t) {
			break
		}
		if _, err := r.r.Discard(r.frameBytes); err != nil {
			return r.current(), io.EOF
		}
		r.pos += r.samplesPerFrame()
	}
	return r.current(), nil
}

func (r *RawReader) current() vlbitime.Time {
	return r.start.AddSamples(r.pos, r.sampleRate)
}

func (r *RawReader) Close() error {
	return r.src.Close()
}
