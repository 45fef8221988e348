// Package input implements the station input node: it opens raw recordings,
// locates frame headers, decodes the channelised sample streams, aligns them
// to the wall-clock timebase and pushes delay-step sized sample blocks to
// the correlator cores.
package input

import (
	"errors"

	"github.com/openvlbi/correlator/internal/vlbitime"
)

var (
	// ErrFrameDesynchronised is returned when a reader loses frame sync and
	// the bounded resync scan fails to find a valid header.
	ErrFrameDesynchronised = errors.New("frame synchronisation lost")

	// ErrInputUnavailable is returned when a data source cannot be opened.
	ErrInputUnavailable = errors.New("input unavailable")

	// ErrEmptyDatastream is returned when a station stream stays exhausted
	// and exit_on_empty_datastream is set.
	ErrEmptyDatastream = errors.New("empty datastream")
)

// maxResyncSlots bounds the header scan after a loss of synchronisation.
const maxResyncSlots = 256

// Frame is one decoded recorder frame: raw payload bytes tagged with the
// time of the first sample. Invalid frames keep their length so the stream
// stays sample aligned; their payload is zero filled downstream.
type Frame struct {
	Time    vlbitime.Time
	Invalid bool
	Data    []byte
}

// FrameReader is the capability set common to all recorder formats:
// bit-interleaved track formats, bitstream-grouped formats and
// packet-headered multi-thread formats all reduce to it.
type FrameReader interface {
	// NextFrame reads the next frame into f. It returns io.EOF at the end
	// of the recording and ErrFrameDesynchronised when resynchronisation
	// fails.
	NextFrame(f *Frame) error

	// GotoTime skips forward to the first frame at or after t and returns
	// the time actually reached.
	GotoTime(t vlbitime.Time) (vlbitime.Time, error)

	// Close releases the underlying source.
	Close() error
}
