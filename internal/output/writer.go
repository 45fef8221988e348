package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// Writer serialises timeslices into the framed output stream. It is owned
// exclusively by the output node; nothing else touches the file handle.
type Writer struct {
	w       *bufio.Writer
	closer  io.Closer
	nchan   int
	written int64
}

// NewWriter wraps the destination. nchan is the number of output spectral
// channels per baseline; every baseline record carries nchan+1 values.
func NewWriter(dst io.WriteCloser, nchan int) *Writer {
	return &Writer{
		w:      bufio.NewWriterSize(dst, 1<<18),
		closer: dst,
		nchan:  nchan,
	}
}

// BytesWritten returns the number of payload bytes serialised so far.
func (w *Writer) BytesWritten() int64 { return w.written }

func (w *Writer) put(v any) error {
	if err := binary.Write(w.w, binary.NativeEndian, v); err != nil {
		return fmt.Errorf("writing output record: %w", err)
	}
	w.written += int64(binary.Size(v))
	return nil
}

// WriteGlobalHeader emits the opening header once.
func (w *Writer) WriteGlobalHeader(experiment string, start vlbitime.Time, integrationTime vlbitime.Duration, polarisationType int) error {
	st := start.Time()
	hdr := GlobalHeader{
		HeaderSize:       int32(binary.Size(GlobalHeader{})),
		StartYear:        int16(st.Year()),
		StartDay:         int16(st.YearDay()),
		StartTime:        int32(st.Hour()*3600 + st.Minute()*60 + st.Second()),
		NumberChannels:   int32(w.nchan),
		IntegrationTime:  int32(integrationTime.Usec()),
		PolarisationType: int32(polarisationType),
		Version:          formatVersion,
	}
	copy(hdr.Experiment[:], experiment)
	return w.put(&hdr)
}

// WriteTimeslice emits one complete timeslice as a single atomic sequence:
// header, UVW records, statistics, then every baseline.
func (w *Writer) WriteTimeslice(ts *correlator.TimesliceData) error {
	hdr := TimesliceHeader{
		IntegrationSlice: int32(ts.IntegrationIndex),
		NumberBaselines:  int32(len(ts.Baselines)),
		NumberUVW:        int32(len(ts.UVW)),
		NumberStatistics: int32(len(ts.Stats)),
	}
	if err := w.put(&hdr); err != nil {
		return err
	}

	for _, u := range ts.UVW {
		rec := UVWRecord{
			StationNr: int32(u.StationNumber),
			U:         u.U, V: u.V, W: u.W,
		}
		if err := w.put(&rec); err != nil {
			return err
		}
	}

	for _, s := range ts.Stats {
		rec := StatRecord{
			StationNr:    uint8(s.StationNumber),
			FrequencyNr:  uint8(s.FrequencyNr),
			Sideband:     sidebandBit(s.Sideband),
			Polarisation: polBit(s.Polarisation),
			NInvalid:     int32(s.NInvalid),
		}
		for i, l := range s.Levels {
			rec.Levels[i] = int32(l)
		}
		if err := w.put(&rec); err != nil {
			return err
		}
	}

	for _, bl := range ts.Baselines {
		if len(bl.Spectrum) != w.nchan+1 {
			return fmt.Errorf("baseline (%d,%d) spectrum of %d values, expected %d",
				bl.Station1, bl.Station2, len(bl.Spectrum), w.nchan+1)
		}
		hdr := BaselineHeader{
			Weight:    float32(bl.Weight),
			StationNr: [2]uint8{uint8(bl.Station1), uint8(bl.Station2)},
			Packed: packBaselineByte(polBit(bl.Pol1), polBit(bl.Pol2),
				sidebandBit(bl.Sideband), bl.FrequencyNr),
			Empty: ' ',
		}
		if err := w.put(&hdr); err != nil {
			return err
		}
		if err := w.put(bl.Spectrum); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and releases the destination.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		_ = w.closer.Close()
		return fmt.Errorf("flushing output: %w", err)
	}
	return w.closer.Close()
}
