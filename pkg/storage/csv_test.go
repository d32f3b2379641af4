package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRecord(url string) LogRecord {
	return LogRecord{
		Timestamp:    "2026-10-19T10:00:00.000Z",
		Method:       "GET",
		URL:          url,
		StatusCode:   200,
		ResponseTime: 1,
		IP:           "1.2.3.4",
		UserAgent:    "ua",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

const extendedHeader = "timestamp,method,url,statusCode,responseTime,ip,userAgent,isEditorRequest,isDashboardRequest,hasRefreshIndicators,connectionIssues"

func TestCSVStore_HeaderFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "http.csv")
	s := NewCSVStore(CSVConfig{Path: path}, nil)
	defer s.Close()

	lines := readLines(t, path)
	if len(lines) != 1 || lines[0] != extendedHeader {
		t.Fatalf("fresh file = %q, want only the header", lines)
	}

	s.Append(testRecord("/a"))
	lines = readLines(t, path)
	if len(lines) != 2 || lines[0] != extendedHeader {
		t.Fatalf("after append = %q", lines)
	}
}

func TestCSVStore_ReopenDoesNotRepeatHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path}, nil)
	s.Append(testRecord("/a"))
	s.Close()

	s = NewCSVStore(CSVConfig{Path: path}, nil)
	s.Append(testRecord("/b"))
	s.Close()

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows: %q", len(lines), lines)
	}
}

func TestCSVStore_RoundTripEscaping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path}, nil)

	want := []LogRecord{
		testRecord("/plain"),
		testRecord("/search?q=a,b"),
		testRecord(`/quote?"x"`),
		testRecord("/multi\nline"),
	}
	want[1].UserAgent = `Mozilla/5.0 (X11, "Linux")`
	want[2].ConnectionIssues = "connection-close"
	want[3].IsEditorRequest = true
	want[3].HasRefreshIndicators = true
	want[3].StatusCode = 404

	for _, r := range want {
		s.Append(r)
	}
	s.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"/search?q=a,b"`) {
		t.Errorf("comma field not quoted:\n%s", raw)
	}
	if !strings.Contains(string(raw), `"/quote?""x"""`) {
		t.Errorf("quote field not escaped:\n%s", raw)
	}

	got, err := ReadRecords(path, ExtendedColumns)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d:\n got %+v\nwant %+v", i, got[i], want[i])
		}
	}
}

func TestCSVStore_ReducedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path, Columns: ReducedColumns}, nil)
	rec := testRecord("/a")
	rec.HasRefreshIndicators = true
	s.Append(rec)
	s.Close()

	lines := readLines(t, path)
	if strings.Contains(lines[0], ColHasRefreshIndicators) {
		t.Errorf("reduced header contains %s: %q", ColHasRefreshIndicators, lines[0])
	}
	if n := len(strings.Split(lines[1], ",")); n != len(ReducedColumns) {
		t.Errorf("row has %d fields, want %d", n, len(ReducedColumns))
	}
}

func TestCSVStore_RotateRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "http.csv")
	s := NewCSVStore(CSVConfig{Path: path, MaxBytes: int64(len(extendedHeader) + 2), Rotation: RotateRename}, nil)
	defer s.Close()

	s.Append(testRecord("/first"))
	if archives, _ := filepath.Glob(filepath.Join(dir, "http-*.csv")); len(archives) != 0 {
		t.Fatalf("rotated before the threshold was reached: %v", archives)
	}

	s.Append(testRecord("/second"))
	archives, _ := filepath.Glob(filepath.Join(dir, "http-*.csv"))
	if len(archives) != 1 {
		t.Fatalf("got %d archives, want exactly 1", len(archives))
	}

	old := readLines(t, archives[0])
	if len(old) != 2 || old[0] != extendedHeader || !strings.Contains(old[1], "/first") {
		t.Errorf("archive = %q", old)
	}
	live := readLines(t, path)
	if len(live) != 2 || live[0] != extendedHeader || !strings.Contains(live[1], "/second") {
		t.Errorf("live = %q", live)
	}
}

func TestCSVStore_RotateTruncateWritesResetMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "http.csv")
	s := NewCSVStore(CSVConfig{
		Path:         path,
		MaxBytes:     int64(len(extendedHeader) + 2),
		Rotation:     RotateTruncate,
		SystemEvents: true,
	}, nil)
	defer s.Close()

	s.Append(testRecord("/first"))
	s.Append(testRecord("/second"))

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("truncate policy left %d files", len(entries))
	}
	live := readLines(t, path)
	if len(live) != 3 {
		t.Fatalf("live = %q, want header, marker, record", live)
	}
	if !strings.Contains(live[1], ","+MethodSystem+","+EventCSVReset+",") {
		t.Errorf("missing reset marker: %q", live[1])
	}
	if !strings.Contains(live[2], "/second") {
		t.Errorf("record not written after rotation: %q", live[2])
	}
}

func TestCSVStore_OneMegabyteThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "http.csv")
	s := NewCSVStore(CSVConfig{Path: path, MaxBytes: MBToBytes(1)}, nil)

	const total = 20000
	for i := 0; i < total; i++ {
		s.Append(testRecord("/a"))
	}
	s.Close()

	archives, _ := filepath.Glob(filepath.Join(dir, "http-*.csv"))
	if len(archives) != 1 {
		t.Fatalf("got %d rotations, want exactly 1", len(archives))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= MBToBytes(1) {
		t.Errorf("live file is %d bytes, want < 1MB", info.Size())
	}

	old := readLines(t, archives[0])
	if old[0] != extendedHeader {
		t.Errorf("archive does not start with the header: %q", old[0])
	}
	archived, _, err := CountRecords(archives[0])
	if err != nil {
		t.Fatal(err)
	}
	live, _, err := CountRecords(path)
	if err != nil {
		t.Fatal(err)
	}
	if archived+live != total {
		t.Errorf("archived %d + live %d != %d", archived, live, total)
	}
}

func TestCSVStore_WriteFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewCSVStore(CSVConfig{Path: filepath.Join(blocker, "http.csv")}, nil)
	s.Append(testRecord("/a"))
	s.AppendSystemEvent(EventInit, "", SeverityInfo)

	res := s.Export()
	if res.Success {
		t.Fatalf("export succeeded on an unwritable path: %+v", res)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestCSVStore_ExportCountsRequestsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path, SystemEvents: true}, nil)
	defer s.Close()

	s.AppendSystemEvent(EventInit, "", SeverityInfo)
	s.Append(testRecord("/a"))
	s.Append(testRecord("/b"))

	res := s.Export()
	if !res.Success {
		t.Fatalf("export failed: %+v", res)
	}
	if res.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", res.RecordCount)
	}
	if res.FileName != "http.csv" || res.FilePath != path {
		t.Errorf("unexpected artifact %q / %q", res.FileName, res.FilePath)
	}
	info, _ := os.Stat(path)
	if res.FileSize != info.Size() {
		t.Errorf("FileSize = %d, want %d", res.FileSize, info.Size())
	}
}

func TestCSVStore_ExportMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path}, nil)
	s.Close()
	os.Remove(path)

	res := s.Export()
	if res.Success || !res.NotFound {
		t.Errorf("got %+v, want a not-found failure", res)
	}
}

func TestCSVStore_DeleteThenExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path}, nil)
	defer s.Close()
	s.Append(testRecord("/a"))
	s.Append(testRecord("/b"))

	del := s.Delete()
	if !del.Success || del.DeletedCount != 1 {
		t.Fatalf("Delete = %+v", del)
	}

	lines := readLines(t, path)
	if lines[0] != extendedHeader {
		t.Errorf("fresh file does not start with the header: %q", lines[0])
	}
	if len(lines) != 2 || !strings.Contains(lines[1], EventCSVDeleted) {
		t.Errorf("want header + deletion marker, got %q", lines)
	}

	res := s.Export()
	if !res.Success || res.RecordCount != 0 {
		t.Errorf("export after delete = %+v, want success with 0 records", res)
	}
}

func TestCSVStore_DeleteWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path}, nil)
	defer s.Close()
	os.Remove(path)

	del := s.Delete()
	if !del.Success || del.DeletedCount != 0 {
		t.Errorf("Delete = %+v, want success with 0 files", del)
	}
}

func TestSystemRecord(t *testing.T) {
	r := SystemRecord(EventServerError, "boom", SeverityError)
	if r.Method != MethodSystem || r.URL != EventServerError || r.StatusCode != 500 {
		t.Errorf("unexpected marker %+v", r)
	}
	if r.ConnectionIssues != "boom" {
		t.Errorf("server event details not kept: %+v", r)
	}
	if r := SystemRecord(EventFlowsStarted, "ignored", SeverityWarn); r.StatusCode != 300 || r.ConnectionIssues != "" {
		t.Errorf("unexpected marker %+v", r)
	}
}

func TestCSVStore_ArchiveNameTooLongDropsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), strings.Repeat("a", 240)+".csv")
	s := NewCSVStore(CSVConfig{Path: path, MaxBytes: 10}, nil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.Append(testRecord("/a"))
		s.Append(testRecord("/b"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Append still blocked after 3s")
	}

	if lines := readLines(t, path); len(lines) != 1 || lines[0] != extendedHeader {
		t.Errorf("live file = %q, want only the header", lines)
	}
}

func TestArchivePath_GivesUpWhenEveryNameIsTaken(t *testing.T) {
	dir := t.TempDir()
	rf := newRotatingFile(filepath.Join(dir, "http.csv"), 10, RotateRename, nil)
	fixed := time.Date(2026, 10, 19, 10, 15, 30, 123e6, time.UTC)
	rf.now = func() time.Time { return fixed }
	stamp := fixed.Format(archiveLayout)

	names := []string{fmt.Sprintf("http-%s.csv", stamp)}
	for i := 1; i < maxArchiveAttempts; i++ {
		names = append(names, fmt.Sprintf("http-%s-%d.csv", stamp, i))
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got, err := rf.archivePath(); err == nil {
		t.Fatalf("archivePath = %q, want an error", got)
	}

	last := filepath.Join(dir, names[len(names)-1])
	if err := os.Remove(last); err != nil {
		t.Fatal(err)
	}
	got, err := rf.archivePath()
	if err != nil {
		t.Fatal(err)
	}
	if got != last {
		t.Errorf("archivePath = %q, want %q", got, last)
	}
}

func TestCSVStore_AppendAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.csv")
	s := NewCSVStore(CSVConfig{Path: path, SystemEvents: true}, nil)
	s.Append(testRecord("/a"))
	s.Close()

	s.Append(testRecord("/late"))
	s.AppendAll([]LogRecord{testRecord("/later")})
	s.AppendSystemEvent(EventStopped, "late marker", SeverityInfo)
	s.Maintain()

	if lines := readLines(t, path); len(lines) != 2 {
		t.Fatalf("got %d lines, want header + 1 row: %q", len(lines), lines)
	}
	if s.file.f != nil {
		t.Error("closed store reopened its file")
	}
}
