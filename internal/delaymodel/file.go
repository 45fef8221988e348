package delaymodel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openvlbi/correlator/internal/vlbitime"
)

// Delay table files are little-endian binary: a fixed header followed by one
// record per epoch. A record with all fields zero terminates a scan; the
// next non-zero record starts a new one.

const (
	tableMagic   = 0x4c454456 // "VDEL"
	tableVersion = 1
)

type fileHeader struct {
	Magic      uint32
	Version    uint32
	StationLen uint32
}

type fileRecord struct {
	TimeUsec  int64
	U, V, W   float64
	Delay     float64
	Phase     float64
	Amplitude float64
}

func (r fileRecord) isScanBreak() bool {
	return r.TimeUsec == 0 && r.Delay == 0 && r.Phase == 0 && r.Amplitude == 0
}

// ReadTable loads a delay table file written by the delay-model generator.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening delay table: %w", err)
	}
	defer f.Close()

	return readTable(bufio.NewReader(f))
}

func readTable(r io.Reader) (*Table, error) {
	var hdr fileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading delay table header: %w", err)
	}
	if hdr.Magic != tableMagic {
		return nil, fmt.Errorf("not a delay table file (magic %#x)", hdr.Magic)
	}
	if hdr.Version != tableVersion {
		return nil, fmt.Errorf("unsupported delay table version %d", hdr.Version)
	}
	if hdr.StationLen == 0 || hdr.StationLen > 32 {
		return nil, fmt.Errorf("invalid station name length %d", hdr.StationLen)
	}

	name := make([]byte, hdr.StationLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading station name: %w", err)
	}

	var scans [][]Sample
	var scan []Sample
	for {
		var rec fileRecord
		err := binary.Read(r, binary.LittleEndian, &rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading delay record: %w", err)
		}

		if rec.isScanBreak() {
			if len(scan) > 0 {
				scans = append(scans, scan)
				scan = nil
			}
			continue
		}
		scan = append(scan, sampleFromRecord(rec))
	}
	if len(scan) > 0 {
		scans = append(scans, scan)
	}

	return NewTable(string(name), scans...)
}

// WriteTable writes the tabulated scans in the on-disk format understood by
// ReadTable. It exists for the table generator and for tests.
func WriteTable(path, station string, scans ...[]Sample) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating delay table: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	w := bufio.NewWriter(f)
	hdr := fileHeader{Magic: tableMagic, Version: tableVersion, StationLen: uint32(len(station))}
	if err = binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("writing delay table header: %w", err)
	}
	if _, err = w.WriteString(station); err != nil {
		return fmt.Errorf("writing station name: %w", err)
	}

	for i, scan := range scans {
		if i > 0 {
			if err = binary.Write(w, binary.LittleEndian, fileRecord{}); err != nil {
				return fmt.Errorf("writing scan break: %w", err)
			}
		}
		for _, s := range scan {
			if err = binary.Write(w, binary.LittleEndian, recordFromSample(s)); err != nil {
				return fmt.Errorf("writing delay record: %w", err)
			}
		}
	}
	return w.Flush()
}

func sampleFromRecord(rec fileRecord) Sample {
	s := Sample{
		U: rec.U, V: rec.V, W: rec.W,
		Delay:     rec.Delay,
		Phase:     rec.Phase,
		Amplitude: rec.Amplitude,
	}
	s.Time = vlbitime.FromUsec(rec.TimeUsec)
	return s
}

func recordFromSample(s Sample) fileRecord {
	return fileRecord{
		TimeUsec: s.Time.Usec(),
		U:        s.U, V: s.V, W: s.W,
		Delay:     s.Delay,
		Phase:     s.Phase,
		Amplitude: s.Amplitude,
	}
}
