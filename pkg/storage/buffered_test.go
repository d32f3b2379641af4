package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newBuffered(t *testing.T, dir string, capacity int) *BufferedStore {
	t.Helper()
	overflow := NewCSVStore(CSVConfig{Path: filepath.Join(dir, "overflow.csv")}, nil)
	return NewBufferedStore(overflow, BufferedConfig{
		Capacity:     capacity,
		SnapshotPath: filepath.Join(dir, "buffer.json"),
		ExportDir:    filepath.Join(dir, "exports"),
	}, nil)
}

func TestBufferedStore_TrimFlushesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	b := newBuffered(t, dir, 3)
	defer b.Close()

	for i := 1; i <= 5; i++ {
		b.Append(testRecord(fmt.Sprintf("/r%d", i)))
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}

	flushed, err := ReadRecords(filepath.Join(dir, "overflow.csv"), ExtendedColumns)
	if err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 2 || flushed[0].URL != "/r1" || flushed[1].URL != "/r2" {
		t.Errorf("overflow = %+v, want /r1 and /r2", flushed)
	}
}

func TestBufferedStore_ExportWritesTimestampedCopy(t *testing.T) {
	dir := t.TempDir()
	b := newBuffered(t, dir, 10)
	defer b.Close()

	b.Append(testRecord("/a"))
	b.Append(testRecord("/b,c"))

	res := b.Export()
	if !res.Success {
		t.Fatalf("export failed: %+v", res)
	}
	if !strings.HasPrefix(res.FileName, "flowlog-export-") || filepath.Dir(res.FilePath) != filepath.Join(dir, "exports") {
		t.Errorf("unexpected artifact %q", res.FilePath)
	}
	if res.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", res.RecordCount)
	}

	got, err := ReadRecords(res.FilePath, ExtendedColumns)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].URL != "/b,c" {
		t.Errorf("exported records = %+v", got)
	}
	info, _ := os.Stat(res.FilePath)
	if info.Size() != res.FileSize {
		t.Errorf("FileSize = %d, want %d", res.FileSize, info.Size())
	}
}

func TestBufferedStore_SnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	b := newBuffered(t, dir, 10)
	b.Append(testRecord("/a"))
	b.Append(testRecord("/b"))
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "buffer.json"))
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("snapshot is not JSON: %v", err)
	}
	if snap.EntryCount != 2 || len(snap.Entries) != 2 || snap.LastUpdated == "" {
		t.Errorf("snapshot = %+v", snap)
	}

	restored := newBuffered(t, dir, 10)
	defer restored.Close()
	if restored.Len() != 2 {
		t.Errorf("restored %d records, want 2", restored.Len())
	}
}

func TestBufferedStore_RestoreRespectsCapacity(t *testing.T) {
	dir := t.TempDir()
	b := newBuffered(t, dir, 10)
	for i := 0; i < 6; i++ {
		b.Append(testRecord(fmt.Sprintf("/r%d", i)))
	}
	b.Close()

	small := newBuffered(t, dir, 4)
	defer small.Close()
	if small.Len() != 4 {
		t.Errorf("Len = %d, want 4", small.Len())
	}
	flushed, _, _ := CountRecords(filepath.Join(dir, "overflow.csv"))
	if flushed != 2 {
		t.Errorf("flushed %d on restore, want 2", flushed)
	}
}

func TestBufferedStore_Delete(t *testing.T) {
	dir := t.TempDir()
	b := newBuffered(t, dir, 1)
	defer b.Close()

	b.Append(testRecord("/a"))
	b.Append(testRecord("/b"))
	if err := b.SaveSnapshot(); err != nil {
		t.Fatal(err)
	}

	res := b.Delete()
	if !res.Success || res.DeletedCount != 2 {
		t.Fatalf("Delete = %+v, want snapshot and overflow removed", res)
	}
	if b.Len() != 0 {
		t.Errorf("buffer still holds %d records", b.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, "buffer.json")); !os.IsNotExist(err) {
		t.Errorf("snapshot still present: %v", err)
	}

	exp := b.Export()
	if !exp.Success || exp.RecordCount != 0 {
		t.Errorf("export after delete = %+v", exp)
	}
}

func TestBufferedStore_AppendAfterCloseIsDropped(t *testing.T) {
	dir := t.TempDir()
	b := newBuffered(t, dir, 3)
	b.Append(testRecord("/a"))
	b.Close()
	b.Append(testRecord("/late"))

	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}
