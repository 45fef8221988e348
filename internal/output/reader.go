package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openvlbi/correlator/internal/correlator"
)

// Reader walks a correlator output file timeslice by timeslice. The
// diagnostic tooling is built on it.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer

	Header GlobalHeader
	nchan  int
}

// OpenFile opens an output file and reads its global header.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening output file: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader wraps a stream positioned at the global header.
func NewReader(src io.ReadCloser) (*Reader, error) {
	r := Reader{r: bufio.NewReaderSize(src, 1<<18), closer: src}
	if err := binary.Read(r.r, binary.NativeEndian, &r.Header); err != nil {
		return nil, fmt.Errorf("reading global header: %w", err)
	}
	if r.Header.Version != formatVersion {
		return nil, fmt.Errorf("unsupported output format version %q", r.Header.Version[:])
	}
	r.nchan = int(r.Header.NumberChannels)
	return &r, nil
}

// Next reads one timeslice. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*correlator.TimesliceData, error) {
	var hdr TimesliceHeader
	if err := binary.Read(r.r, binary.NativeEndian, &hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading timeslice header: %w", err)
	}

	ts := correlator.TimesliceData{IntegrationIndex: int(hdr.IntegrationSlice)}

	for i := int32(0); i < hdr.NumberUVW; i++ {
		var rec UVWRecord
		if err := binary.Read(r.r, binary.NativeEndian, &rec); err != nil {
			return nil, fmt.Errorf("reading uvw record: %w", err)
		}
		ts.UVW = append(ts.UVW, correlator.UVWRecord{
			StationNumber: int(rec.StationNr),
			U:             rec.U, V: rec.V, W: rec.W,
		})
	}

	for i := int32(0); i < hdr.NumberStatistics; i++ {
		var rec StatRecord
		if err := binary.Read(r.r, binary.NativeEndian, &rec); err != nil {
			return nil, fmt.Errorf("reading statistics record: %w", err)
		}
		stat := correlator.StatRecord{
			StationNumber: int(rec.StationNr),
			FrequencyNr:   int(rec.FrequencyNr),
			Sideband:      unpackSideband(rec.Sideband),
			Polarisation:  unpackPol(rec.Polarisation),
			NInvalid:      int64(rec.NInvalid),
		}
		for j, l := range rec.Levels {
			stat.Levels[j] = int64(l)
		}
		ts.Stats = append(ts.Stats, stat)
	}

	for i := int32(0); i < hdr.NumberBaselines; i++ {
		var bh BaselineHeader
		if err := binary.Read(r.r, binary.NativeEndian, &bh); err != nil {
			return nil, fmt.Errorf("reading baseline header: %w", err)
		}
		spectrum := make([]complex64, r.nchan+1)
		if err := binary.Read(r.r, binary.NativeEndian, spectrum); err != nil {
			return nil, fmt.Errorf("reading baseline spectrum: %w", err)
		}
		ts.Baselines = append(ts.Baselines, correlator.BaselineData{
			Station1:    int(bh.StationNr[0]),
			Station2:    int(bh.StationNr[1]),
			Pol1:        unpackPol(bh.Packed & 1),
			Pol2:        unpackPol(bh.Packed >> 1 & 1),
			Sideband:    unpackSideband(bh.Packed >> 2 & 1),
			FrequencyNr: int(bh.Packed >> 3),
			Weight:      float64(bh.Weight),
			Spectrum:    spectrum,
		})
		if len(ts.Baselines) == 1 {
			ts.ChannelNr = int(bh.Packed >> 3)
		}
	}

	return &ts, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.closer.Close()
}

func unpackPol(bit uint8) correlator.Polarisation {
	if bit&1 == 1 {
		return correlator.PolLeft
	}
	return correlator.PolRight
}

func unpackSideband(bit uint8) correlator.Sideband {
	if bit&1 == 1 {
		return correlator.SidebandUpper
	}
	return correlator.SidebandLower
}
