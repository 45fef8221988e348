// Package storage provides an optional SQLite archive of correlated
// visibilities alongside the primary binary output file, for ad hoc
// inspection with ordinary SQL tooling.
package storage

import (
	"bytes"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openvlbi/correlator/internal/correlator"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertJobSQL = `
INSERT INTO jobs (created_at, experiment, config)
VALUES (?, ?, ?)`

	insertVisibilitySQL = `
INSERT INTO visibilities (job_id, integration, channel_nr, station1, station2,
                          pol1, pol2, sideband, weight, spectrum)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertStatisticsSQL = `
INSERT INTO statistics (job_id, integration, channel_nr, station,
                        level0, level1, level2, level3, n_invalid)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Store archives visibility timeslices for one correlation job.
type Store struct {
	dbPath string
	jobID  int64

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a store backed by the given database file. The schema is
// initialised lazily on first use.
func New(dbPath string) (*Store, error) {
	return &Store{dbPath: dbPath}, nil
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
		if err != nil {
			s.writeDBErr = err
			return
		}
		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = err
			return
		}
		s.writeDB = db
	})
	return s.writeDB, s.writeDBErr
}

// CreateJob registers the job this store archives and remembers its ID for
// subsequent timeslices.
func (s *Store) CreateJob(experiment string, config any) (jobID int64, err error) {
	var configData sql.NullString
	if config != nil {
		p, err := json.Marshal(config)
		if err != nil {
			return 0, fmt.Errorf("marshaling config: %w", err)
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting write connection: %w", err)
	}

	result, err := db.Exec(insertJobSQL, time.Now().UTC(), experiment, configData)
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}
	if s.jobID, err = result.LastInsertId(); err != nil {
		return 0, fmt.Errorf("reading job id: %w", err)
	}
	return s.jobID, nil
}

// StoreTimeslice archives one timeslice in a single transaction.
func (s *Store) StoreTimeslice(ts *correlator.TimesliceData) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if cErr := tx.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && err == nil {
			err = fmt.Errorf("rolling back transaction: %w", cErr)
		}
	}()

	visStmt, err := tx.Prepare(insertVisibilitySQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer func() {
		if cErr := visStmt.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing statement: %w", cErr)
		}
	}()

	for _, bl := range ts.Baselines {
		blob, blobErr := encodeSpectrum(bl.Spectrum)
		if blobErr != nil {
			return fmt.Errorf("encoding spectrum: %w", blobErr)
		}
		_, err = visStmt.Exec(
			s.jobID,
			ts.IntegrationIndex,
			bl.FrequencyNr,
			bl.Station1,
			bl.Station2,
			bl.Pol1.String(),
			bl.Pol2.String(),
			bl.Sideband.String(),
			bl.Weight,
			blob,
		)
		if err != nil {
			return fmt.Errorf("inserting visibility: %w", err)
		}
	}

	statStmt, err := tx.Prepare(insertStatisticsSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer func() {
		if cErr := statStmt.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing statement: %w", cErr)
		}
	}()

	for _, st := range ts.Stats {
		_, err = statStmt.Exec(
			s.jobID,
			ts.IntegrationIndex,
			st.FrequencyNr,
			st.StationNumber,
			st.Levels[0], st.Levels[1], st.Levels[2], st.Levels[3],
			st.NInvalid,
		)
		if err != nil {
			return fmt.Errorf("inserting statistics: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// VisibilityCount reports the number of archived visibilities for a job.
func (s *Store) VisibilityCount(jobID int64) (count int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting connection: %w", err)
	}
	err = db.QueryRow(`SELECT COUNT(*) FROM visibilities WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting visibilities: %w", err)
	}
	return count, nil
}

// Close releases the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.writeDB != nil {
			s.closeErr = s.writeDB.Close()
			s.writeDB = nil
		}
	})
	return s.closeErr
}

func encodeSpectrum(spectrum []complex64) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, spectrum); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSpectrum reverses the on-disk spectrum encoding; exposed for the
// inspection tooling.
func DecodeSpectrum(blob []byte) ([]complex64, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("spectrum blob of %d bytes is not complex64 aligned", len(blob))
	}
	out := make([]complex64, len(blob)/8)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}
