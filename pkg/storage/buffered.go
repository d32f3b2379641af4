package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ngoyal88/flowlog/pkg/host"
)

// DefaultBufferCapacity is used when a buffered store is configured without one.
const DefaultBufferCapacity = 1000

// BufferedConfig configures a BufferedStore.
type BufferedConfig struct {
	Capacity     int
	SnapshotPath string
	ExportDir    string
}

// Snapshot is the JSON file a BufferedStore persists across restarts.
type Snapshot struct {
	LastUpdated string      `json:"lastUpdated"`
	EntryCount  int         `json:"entryCount"`
	Entries     []LogRecord `json:"entries"`
}

// BufferedStore keeps the most recent records in memory. Records pushed out
// of the buffer are appended to the overflow CSV store before they are
// dropped, and the buffer itself is saved as a JSON snapshot periodically and
// on Close.
type BufferedStore struct {
	mu       sync.Mutex
	overflow *CSVStore
	entries  []LogRecord
	capacity int
	snapshot string
	export   string
	dirty    bool
	closed   bool
	log      host.Logger
	now      func() time.Time
}

func NewBufferedStore(overflow *CSVStore, cfg BufferedConfig, log host.Logger) *BufferedStore {
	if log == nil {
		log = host.Discard
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultBufferCapacity
	}
	b := &BufferedStore{
		overflow: overflow,
		capacity: cfg.Capacity,
		snapshot: cfg.SnapshotPath,
		export:   cfg.ExportDir,
		log:      log,
		now:      time.Now,
	}
	b.load()
	return b
}

func (b *BufferedStore) LivePath() string { return b.overflow.LivePath() }

// Len reports how many records are currently buffered.
func (b *BufferedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *BufferedStore) Append(rec LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.entries = append(b.entries, rec.normalized(b.now()))
	b.dirty = true
	b.trimLocked()
}

func (b *BufferedStore) AppendSystemEvent(eventType, details string, sev Severity) {
	if !b.overflow.systemEvents {
		return
	}
	b.Append(SystemRecord(eventType, details, sev))
}

// trimLocked flushes the records beyond capacity to the overflow file, oldest
// first, then forgets them.
func (b *BufferedStore) trimLocked() {
	excess := len(b.entries) - b.capacity
	if excess <= 0 {
		return
	}
	b.overflow.AppendAll(b.entries[:excess])
	b.entries = b.entries[excess:]
}

// Export writes the buffered records to a new timestamped file in the export
// directory.
func (b *BufferedStore) Export() ExportResult {
	b.mu.Lock()
	entries := append([]LogRecord(nil), b.entries...)
	b.mu.Unlock()

	if err := os.MkdirAll(b.export, 0o755); err != nil {
		b.log.Error(fmt.Sprintf("Failed to create export directory: %v", err))
		return exportFailure("Failed to prepare CSV export")
	}

	cols := b.overflow.Columns()
	name := fmt.Sprintf("flowlog-export-%s.csv", b.now().UTC().Format(archiveLayout))
	path := filepath.Join(b.export, name)

	content, err := encodeRow(cols)
	if err != nil {
		return exportFailure("Failed to prepare CSV export")
	}
	count := 0
	for _, rec := range entries {
		row, err := encodeRow(cols.Fields(rec))
		if err != nil {
			continue
		}
		content = append(content, row...)
		if !rec.IsSystem() {
			count++
		}
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		b.log.Error(fmt.Sprintf("Failed to write CSV export: %v", err))
		return exportFailure("Failed to prepare CSV export")
	}

	b.log.Info(fmt.Sprintf("CSV export written: %s (%d entries)", path, count))
	return ExportResult{
		Success:     true,
		FilePath:    path,
		FileName:    name,
		RecordCount: count,
		FileSize:    int64(len(content)),
	}
}

// Delete clears the buffer, its snapshot and the overflow file.
func (b *BufferedStore) Delete() DeletionResult {
	b.mu.Lock()
	b.entries = nil
	b.dirty = false
	removed := 0
	if b.snapshot != "" {
		switch err := os.Remove(b.snapshot); {
		case err == nil:
			removed++
		case !errors.Is(err, fs.ErrNotExist):
			b.log.Warn(fmt.Sprintf("Failed to remove snapshot: %v", err))
		}
	}
	b.mu.Unlock()

	res := b.overflow.Delete()
	if !res.Success {
		return res
	}
	res.DeletedCount += removed
	if res.DeletedCount > 0 {
		res.Message = fmt.Sprintf("Successfully deleted %d file(s)", res.DeletedCount)
	}
	return res
}

// Maintain saves a snapshot if anything changed and checks the overflow size.
func (b *BufferedStore) Maintain() {
	if err := b.SaveSnapshot(); err != nil {
		b.log.Warn(fmt.Sprintf("Failed to save snapshot: %v", err))
	}
	b.overflow.Maintain()
}

// SaveSnapshot writes the buffer to the snapshot file when it changed since
// the last save.
func (b *BufferedStore) SaveSnapshot() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == "" || !b.dirty {
		return nil
	}

	data, err := json.MarshalIndent(Snapshot{
		LastUpdated: FormatTimestamp(b.now()),
		EntryCount:  len(b.entries),
		Entries:     b.entries,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.snapshot), 0o755); err != nil {
		return err
	}
	tmp := b.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.snapshot); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

func (b *BufferedStore) load() {
	if b.snapshot == "" {
		return
	}
	data, err := os.ReadFile(b.snapshot)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		b.log.Warn(fmt.Sprintf("Failed to read snapshot: %v", err))
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		b.log.Warn(fmt.Sprintf("Ignoring corrupt snapshot %s: %v", b.snapshot, err))
		return
	}
	b.entries = snap.Entries
	b.trimLocked()
	b.log.Info(fmt.Sprintf("Restored %d buffered records from %s", len(b.entries), b.snapshot))
}

func (b *BufferedStore) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if err := b.SaveSnapshot(); err != nil {
		b.log.Warn(fmt.Sprintf("Failed to save snapshot: %v", err))
	}
	return b.overflow.Close()
}
