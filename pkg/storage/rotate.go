package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RotationPolicy decides what happens to a store file that reached its size
// threshold.
type RotationPolicy string

const (
	// RotateRename moves the full file aside under a timestamped name and
	// starts a fresh one at the original path.
	RotateRename RotationPolicy = "rename"
	// RotateTruncate deletes the full file and starts a fresh one.
	RotateTruncate RotationPolicy = "truncate"
)

func ParseRotationPolicy(s string) (RotationPolicy, error) {
	switch RotationPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RotateRename:
		return RotateRename, nil
	case RotateTruncate, "delete":
		return RotateTruncate, nil
	default:
		return "", fmt.Errorf("unknown rotation policy %q", s)
	}
}

// archiveLayout sorts lexically in time order.
const archiveLayout = "20060102T150405.000Z"

// Rotation reports a rotation that just happened.
type Rotation struct {
	PreviousSize int64
	ArchivedPath string // empty under RotateTruncate
}

// rotatingFile is an append-only file with a soft size ceiling: the size is
// checked before each write, so a single write may push the file past
// maxSize. Callers serialize access.
type rotatingFile struct {
	path    string
	maxSize int64
	policy  RotationPolicy
	header  []byte
	now     func() time.Time

	f    *os.File
	size int64
}

func newRotatingFile(path string, maxSize int64, policy RotationPolicy, header []byte) *rotatingFile {
	if policy == "" {
		policy = RotateRename
	}
	return &rotatingFile{
		path:    path,
		maxSize: maxSize,
		policy:  policy,
		header:  header,
		now:     time.Now,
	}
}

// open creates the file (and its directory) if needed and writes the header
// into an empty file.
func (rf *rotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", rf.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", rf.path, err)
	}
	rf.f = f
	rf.size = info.Size()
	if rf.size == 0 && len(rf.header) > 0 {
		return rf.write(rf.header)
	}
	return nil
}

func (rf *rotatingFile) closeFile() error {
	if rf.f == nil {
		return nil
	}
	err := rf.f.Close()
	rf.f = nil
	return err
}

// sync refreshes the size from disk, reopening the file when it vanished
// underneath us.
func (rf *rotatingFile) sync() error {
	info, err := os.Stat(rf.path)
	switch {
	case err == nil && rf.f != nil:
		rf.size = info.Size()
		return nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return err
	}
	rf.closeFile()
	return rf.open()
}

// prepare readies the file for one more write, rotating first when the size
// threshold has been reached. It returns a non-nil Rotation when it rotated.
func (rf *rotatingFile) prepare() (*Rotation, error) {
	if err := rf.sync(); err != nil {
		return nil, err
	}
	if rf.maxSize <= 0 || rf.size < rf.maxSize {
		return nil, nil
	}
	return rf.rotate()
}

func (rf *rotatingFile) rotate() (*Rotation, error) {
	rot := &Rotation{PreviousSize: rf.size}
	rf.closeFile()

	switch rf.policy {
	case RotateTruncate:
		if err := os.Remove(rf.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing %s: %w", rf.path, err)
		}
	default:
		archived, err := rf.archivePath()
		if err != nil {
			return nil, err
		}
		if err := os.Rename(rf.path, archived); err != nil {
			return nil, fmt.Errorf("archiving %s: %w", rf.path, err)
		}
		rot.ArchivedPath = archived
	}

	if err := rf.open(); err != nil {
		return nil, err
	}
	return rot, nil
}

// maxArchiveAttempts bounds the numeric suffixes tried for one timestamp.
const maxArchiveAttempts = 100

// archivePath returns an unused name next to the live file carrying a
// sortable UTC timestamp, e.g. http-logs-20261019T101530.123Z.csv.
func (rf *rotatingFile) archivePath() (string, error) {
	ext := filepath.Ext(rf.path)
	base := strings.TrimSuffix(rf.path, ext)
	stamp := rf.now().UTC().Format(archiveLayout)

	candidate := fmt.Sprintf("%s-%s%s", base, stamp, ext)
	for i := 1; i <= maxArchiveAttempts; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking archive name %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s-%s-%d%s", base, stamp, i, ext)
	}
	return "", fmt.Errorf("no free archive name for %s after %d attempts", rf.path, maxArchiveAttempts)
}

func (rf *rotatingFile) write(p []byte) error {
	if rf.f == nil {
		if err := rf.open(); err != nil {
			return err
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return err
}
