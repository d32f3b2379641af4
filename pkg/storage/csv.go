package storage

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ngoyal88/flowlog/pkg/host"
)

// CSVConfig configures a CSVStore.
type CSVConfig struct {
	Path     string
	MaxBytes int64
	Rotation RotationPolicy
	Columns  Columns
	// SystemEvents enables marker rows (rotation, lifecycle, runtime events).
	SystemEvents bool
}

// CSVStore appends records to a single CSV file with a fixed schema. The
// header row is always the first line of the file.
type CSVStore struct {
	mu           sync.Mutex
	file         *rotatingFile
	columns      Columns
	systemEvents bool
	closed       bool
	log          host.Logger
	now          func() time.Time
}

// NewCSVStore opens (or creates) the file at cfg.Path. An initialization
// failure is logged and retried on the next append.
func NewCSVStore(cfg CSVConfig, log host.Logger) *CSVStore {
	if log == nil {
		log = host.Discard
	}
	cols := cfg.Columns
	if len(cols) == 0 {
		cols = ExtendedColumns
	}
	header, _ := encodeRow(cols)
	s := &CSVStore{
		file:         newRotatingFile(cfg.Path, cfg.MaxBytes, cfg.Rotation, header),
		columns:      cols,
		systemEvents: cfg.SystemEvents,
		log:          log,
		now:          time.Now,
	}
	if err := s.file.open(); err != nil {
		log.Error(fmt.Sprintf("Failed to initialize CSV file: %v", err))
	}
	return s
}

func (s *CSVStore) LivePath() string { return s.file.path }

func (s *CSVStore) Columns() Columns { return s.columns }

// Append writes rec, rotating first if the file already reached its threshold.
// Records arriving after Close are dropped.
func (s *CSVStore) Append(rec LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.appendLocked(rec)
}

// AppendAll writes recs in order under a single lock acquisition.
func (s *CSVStore) AppendAll(recs []LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, rec := range recs {
		s.appendLocked(rec)
	}
}

func (s *CSVStore) AppendSystemEvent(eventType, details string, sev Severity) {
	if !s.systemEvents {
		return
	}
	s.Append(SystemRecord(eventType, details, sev))
}

func (s *CSVStore) appendLocked(rec LogRecord) {
	rot, err := s.file.prepare()
	if err != nil {
		s.log.Warn(fmt.Sprintf("Failed to write to CSV file: %v", err))
		recordsDropped.WithLabelValues("csv").Inc()
		return
	}
	if rot != nil {
		s.noteRotation(rot)
	}
	if err := s.writeRow(rec.normalized(s.now())); err != nil {
		s.log.Warn(fmt.Sprintf("Failed to write to CSV file: %v", err))
		recordsDropped.WithLabelValues("csv").Inc()
	}
}

func (s *CSVStore) noteRotation(rot *Rotation) {
	rotations.WithLabelValues("csv", string(s.file.policy)).Inc()
	if rot.ArchivedPath != "" {
		s.log.Info(fmt.Sprintf("CSV file size limit reached (%.2fMB), archived as %s", mb(rot.PreviousSize), filepath.Base(rot.ArchivedPath)))
	} else {
		s.log.Info(fmt.Sprintf("CSV file size limit reached (%.2fMB), starting new file", mb(rot.PreviousSize)))
	}
	if s.systemEvents {
		marker := SystemRecord(EventCSVReset, fmt.Sprintf("Previous file %.2fMB - started fresh", mb(rot.PreviousSize)), SeverityInfo)
		if err := s.writeRow(marker); err != nil {
			s.log.Warn(fmt.Sprintf("Failed to write rotation marker: %v", err))
		}
	}
}

func (s *CSVStore) writeRow(rec LogRecord) error {
	line, err := encodeRow(s.columns.Fields(rec))
	if err != nil {
		return err
	}
	if err := s.file.write(line); err != nil {
		return err
	}
	recordsWritten.WithLabelValues("csv").Inc()
	return nil
}

// Maintain rotates the file if it crossed the threshold since the last append.
func (s *CSVStore) Maintain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	rot, err := s.file.prepare()
	if err != nil {
		s.log.Warn(fmt.Sprintf("CSV size check failed: %v", err))
		return
	}
	if rot != nil {
		s.noteRotation(rot)
	}
}

// Export reports the live file as the export artifact.
func (s *CSVStore) Export() ExportResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.file.path
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ExportResult{Error: "No CSV log data available", NotFound: true}
	}
	if err != nil {
		s.log.Error(fmt.Sprintf("Failed to prepare CSV export: %v", err))
		return exportFailure("Failed to prepare CSV export")
	}

	count, _, err := CountRecords(path)
	if err != nil {
		s.log.Warn(fmt.Sprintf("Failed to count CSV records: %v", err))
	}

	s.log.Info(fmt.Sprintf("CSV export ready: %s (%d entries)", path, count))
	return ExportResult{
		Success:     true,
		FilePath:    path,
		FileName:    filepath.Base(path),
		RecordCount: count,
		FileSize:    info.Size(),
	}
}

// Delete removes the live file and starts a fresh one holding only the header
// and a deletion marker.
func (s *CSVStore) Delete() DeletionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.file.closeFile()
	deleted := 0
	switch err := os.Remove(s.file.path); {
	case err == nil:
		deleted++
		s.log.Info(fmt.Sprintf("Deleted main CSV file: %s", s.file.path))
	case !errors.Is(err, fs.ErrNotExist):
		s.log.Error(fmt.Sprintf("Failed to delete CSV files: %v", err))
		return DeletionResult{Error: "Failed to delete CSV files"}
	}

	msg := "No CSV file to delete"
	if deleted > 0 {
		if err := s.file.open(); err != nil {
			s.log.Warn(fmt.Sprintf("Failed to initialize CSV file: %v", err))
		}
		marker := SystemRecord(EventCSVDeleted, fmt.Sprintf("%d file removed by user", deleted), SeverityInfo)
		if err := s.writeRow(marker); err != nil {
			s.log.Warn(fmt.Sprintf("Failed to write deletion marker: %v", err))
		}
		if s.closed {
			s.file.closeFile()
		}
		msg = "Successfully deleted CSV file"
	}
	s.log.Info(fmt.Sprintf("CSV deletion completed: %d file removed", deleted))
	return DeletionResult{Success: true, DeletedCount: deleted, Message: msg}
}

func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.file.closeFile()
}

// encodeRow renders one CSV line. Fields containing a comma, a double quote or
// a line break are quoted with inner quotes doubled.
func encodeRow(fields []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CountRecords counts the data rows of a CSV log, header excluded, splitting
// captured requests from system marker rows. A truncated final row (a write in
// progress) ends the count without failing it.
func CountRecords(path string) (records, system int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return countRows(f)
}

func countRows(r io.Reader) (records, system int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return records, system, nil
		}
		if err != nil {
			return records, system, err
		}
		if first {
			first = false
			continue
		}
		if len(row) == 1 && row[0] == "" {
			continue
		}
		if len(row) > 1 && row[1] == MethodSystem {
			system++
			continue
		}
		records++
	}
}

// ReadRecords loads every row of a CSV log written with cols.
func ReadRecords(path string, cols Columns) ([]LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]LogRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, cols.ParseRecord(row))
	}
	return out, nil
}
