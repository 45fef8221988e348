package input

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openvlbi/correlator/internal/vlbitime"
)

const (
	vdifFullHeaderSize   = 32
	vdifLegacyHeaderSize = 16
)

// vdifHeader is the decoded VDIF frame header.
type vdifHeader struct {
	secFromEpoch  uint32
	legacyMode    bool
	invalid       bool
	frameInSecond uint32
	refEpoch      uint8
	frameLength   int // bytes including header
	log2NChan     uint8
	version       uint8
	stationID     uint16
	threadID      uint16
	bitsPerSample int
	complexData   bool
}

func parseVDIFHeader(words [4]uint32) vdifHeader {
	return vdifHeader{
		secFromEpoch:  words[0] & 0x3fffffff,
		legacyMode:    words[0]&(1<<30) != 0,
		invalid:       words[0]&(1<<31) != 0,
		frameInSecond: words[1] & 0xffffff,
		refEpoch:      uint8((words[1] >> 24) & 0x3f),
		frameLength:   int(words[2]&0xffffff) * 8,
		log2NChan:     uint8((words[2] >> 24) & 0x1f),
		version:       uint8(words[2] >> 29),
		stationID:     uint16(words[3] & 0xffff),
		threadID:      uint16((words[3] >> 16) & 0x3ff),
		bitsPerSample: int((words[3]>>26)&0x1f) + 1,
		complexData:   words[3]&(1<<31) != 0,
	}
}

func (h *vdifHeader) headerSize() int {
	if h.legacyMode {
		return vdifLegacyHeaderSize
	}
	return vdifFullHeaderSize
}

func (h *vdifHeader) payloadSize() int {
	return h.frameLength - h.headerSize()
}

// epochMJD returns the MJD of the VDIF reference epoch: half-year steps
// from 2000-01-01.
func (h *vdifHeader) epochMJD() int {
	year := 2000 + int(h.refEpoch)/2
	month := time.January
	if h.refEpoch%2 == 1 {
		month = time.July
	}
	return vlbitime.FromTime(time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)).MJD()
}

// VDIFReader reads a single-thread VDIF stream. Frames are validated
// against the first header seen; on mismatch the reader scans forward a
// bounded number of header slots to re-acquire synchronisation.
type VDIFReader struct {
	r          *bufio.Reader
	src        io.Closer
	sampleRate int64

	first     vdifHeader
	firstSeen bool
	pending   *Frame

	samplesPerFrame int64
}

// NewVDIFReader wraps an opened recording. The sample rate comes from the
// channel setup; VDIF headers do not carry it.
func NewVDIFReader(src io.ReadCloser, sampleRate int64) *VDIFReader {
	return &VDIFReader{
		r:          bufio.NewReaderSize(src, 1<<20),
		src:        src,
		sampleRate: sampleRate,
	}
}

func (v *VDIFReader) readHeader(h *vdifHeader) error {
	var buf [vdifFullHeaderSize]byte

	n := vdifFullHeaderSize
	if v.firstSeen && v.first.legacyMode {
		n = vdifLegacyHeaderSize
	}
	if _, err := io.ReadFull(v.r, buf[:vdifLegacyHeaderSize]); err != nil {
		return err
	}

	var words [4]uint32
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	*h = parseVDIFHeader(words)

	if n == vdifFullHeaderSize && !h.legacyMode {
		if _, err := io.ReadFull(v.r, buf[vdifLegacyHeaderSize:]); err != nil {
			return err
		}
	}
	return nil
}

// plausible reports whether a header is consistent with the first header of
// the stream.
func (v *VDIFReader) plausible(h *vdifHeader) bool {
	if h.version > 2 || h.frameLength <= h.headerSize() {
		return false
	}
	if !v.firstSeen {
		return true
	}
	return h.frameLength == v.first.frameLength &&
		h.log2NChan == v.first.log2NChan &&
		h.bitsPerSample == v.first.bitsPerSample &&
		h.legacyMode == v.first.legacyMode
}

func (v *VDIFReader) frameTime(h *vdifHeader) vlbitime.Time {
	t := vlbitime.FromMJD(h.epochMJD(), float64(h.secFromEpoch))
	if v.samplesPerFrame > 0 && v.sampleRate > 0 {
		t = t.AddSamples(int64(h.frameInSecond)*v.samplesPerFrame, v.sampleRate)
	}
	return t
}

// NextFrame reads one frame. Lost synchronisation triggers a bounded scan
// over the following header slots before the stream is declared failed.
func (v *VDIFReader) NextFrame(f *Frame) error {
	if p := v.pending; p != nil {
		v.pending = nil
		f.Time = p.Time
		f.Invalid = p.Invalid
		f.Data = append(f.Data[:0], p.Data...)
		return nil
	}

	var h vdifHeader

	for restarts := 0; ; restarts++ {
		if restarts > maxResyncSlots {
			return ErrFrameDesynchronised
		}

		if err := v.readHeader(&h); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return io.EOF
			}
			return err
		}
		if v.plausible(&h) {
			break
		}

		// Skip one header slot worth of bytes and retry.
		skip := h.payloadSize()
		if skip <= 0 || skip > 1<<24 {
			skip = vdifFullHeaderSize
		}
		if _, err := v.r.Discard(skip); err != nil {
			return fmt.Errorf("%w: %w", ErrFrameDesynchronised, err)
		}
	}

	if !v.firstSeen {
		v.first = h
		v.firstSeen = true

		nchan := int64(1) << h.log2NChan
		bits := int64(h.bitsPerSample)
		v.samplesPerFrame = int64(h.payloadSize()) * 8 / (bits * nchan)
	}

	if cap(f.Data) < h.payloadSize() {
		f.Data = make([]byte, h.payloadSize())
	}
	f.Data = f.Data[:h.payloadSize()]
	if _, err := io.ReadFull(v.r, f.Data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}

	f.Time = v.frameTime(&h)
	f.Invalid = h.invalid
	return nil
}

// GotoTime discards frames until the stream reaches t.
func (v *VDIFReader) GotoTime(t vlbitime.Time) (vlbitime.Time, error) {
	var f Frame
	for {
		err := v.NextFrame(&f)
		if errors.Is(err, io.EOF) {
			return f.Time, io.EOF
		}
		if err != nil {
			return f.Time, err
		}
		if !f.Time.Before(t) {
			v.pending = &Frame{Time: f.Time, Invalid: f.Invalid, Data: append([]byte(nil), f.Data...)}
			return f.Time, nil
		}
	}
}

// NChannels returns the channel count of the stream, valid after the first
// frame has been read.
func (v *VDIFReader) NChannels() int {
	return 1 << v.first.log2NChan
}

// BitsPerSample returns the sample depth, valid after the first frame.
func (v *VDIFReader) BitsPerSample() int {
	return v.first.bitsPerSample
}

func (v *VDIFReader) Close() error {
	return v.src.Close()
}
