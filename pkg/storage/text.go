package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ngoyal88/flowlog/pkg/host"
)

// TextStore appends human-readable lines of the form "[timestamp] message".
// Full files are always archived under a timestamped name.
type TextStore struct {
	mu     sync.Mutex
	file   *rotatingFile
	closed bool
	log    host.Logger
	now    func() time.Time
}

func NewTextStore(path string, maxBytes int64, log host.Logger) *TextStore {
	if log == nil {
		log = host.Discard
	}
	s := &TextStore{
		file: newRotatingFile(path, maxBytes, RotateRename, nil),
		log:  log,
		now:  time.Now,
	}
	if err := s.file.open(); err != nil {
		log.Error(fmt.Sprintf("Failed to initialize log file: %v", err))
	}
	return s
}

func (s *TextStore) LivePath() string { return s.file.path }

// WriteLine appends msg. Embedded line breaks are escaped so every entry
// stays on one line. Lines arriving after Close are dropped.
func (s *TextStore) WriteLine(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	rot, err := s.file.prepare()
	if err != nil {
		s.log.Warn(fmt.Sprintf("Failed to write to log file: %v", err))
		recordsDropped.WithLabelValues("text").Inc()
		return
	}
	if rot != nil {
		rotations.WithLabelValues("text", string(RotateRename)).Inc()
		s.log.Info(fmt.Sprintf("Log file size limit reached (%.2fMB), archived as %s", mb(rot.PreviousSize), rot.ArchivedPath))
	}

	line := fmt.Sprintf("[%s] %s\n", FormatTimestamp(s.now()), singleLine(msg))
	if err := s.file.write([]byte(line)); err != nil {
		s.log.Warn(fmt.Sprintf("Failed to write to log file: %v", err))
		recordsDropped.WithLabelValues("text").Inc()
		return
	}
	recordsWritten.WithLabelValues("text").Inc()
}

func (s *TextStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.file.closeFile()
}

var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`)

func singleLine(s string) string {
	return lineBreaks.Replace(s)
}
