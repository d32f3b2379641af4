package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: ":9090"
proxy:
  target: "http://localhost:1880"
redis:
  enabled: false
nodes:
  - id: http-log
    format: combined
    filter_paths: ["/metrics", " /health "]
    system_events: true
    monitor_interval: 1m
    csv:
      enabled: true
      rotation: truncate
      max_size_mb: 1
    text_log:
      enabled: true
  - name: unnamed
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFrom(t *testing.T) {
	t.Setenv("ADMIN_KEY", "from-env")
	cfg, err := LoadFrom(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != ":9090" || cfg.Server.AdminPrefix != "/admin" || cfg.DataDir != "./data" {
		t.Errorf("server = %+v data_dir = %q", cfg.Server, cfg.DataDir)
	}
	if cfg.Proxy.Target != "http://localhost:1880" {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
	if cfg.Auth.AdminKey != "from-env" {
		t.Errorf("admin key = %q", cfg.Auth.AdminKey)
	}
	if len(cfg.Nodes) != 2 {
		t.Fatalf("got %d nodes", len(cfg.Nodes))
	}

	n := cfg.Nodes[0]
	if n.ID != "http-log" || n.Format != "combined" || !n.SystemEvents || n.MonitorInterval != time.Minute {
		t.Errorf("node = %+v", n)
	}
	if !n.CSV.Enabled || n.CSV.Rotation != "truncate" || n.CSV.MaxSizeMB != 1 || !n.Text.Enabled {
		t.Errorf("node stores = %+v %+v", n.CSV, n.Text)
	}
}

func TestLoadFrom_DuplicateIDs(t *testing.T) {
	_, err := LoadFrom(writeConfig(t, "nodes:\n  - id: a\n  - id: a\n"))
	if err == nil || !strings.Contains(err.Error(), "duplicate node id") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadFrom_Missing(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestWithDefaults(t *testing.T) {
	n := NodeConfig{
		ID:          "n1",
		IncludeBody: true,
		FilterPaths: []string{" /metrics ", "", "/health"},
	}.WithDefaults("/var/lib/flowlog")

	if n.Name != "n1" || n.Format != DefaultFormat || n.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("node = %+v", n)
	}
	if len(n.FilterPaths) != 2 || n.FilterPaths[0] != "/metrics" {
		t.Errorf("filter paths = %q", n.FilterPaths)
	}
	if n.MonitorInterval != DefaultMonitorInterval || n.MemoryThresholdMB != DefaultMemoryThresholdMB {
		t.Errorf("monitor = %v %d", n.MonitorInterval, n.MemoryThresholdMB)
	}

	want := map[string]string{
		"csv export dir": "/var/lib/flowlog/logs/exports",
		"csv path":       "/var/lib/flowlog/logs/exports/flowlog-n1.csv",
		"snapshot path":  "/var/lib/flowlog/logs/flowlog-n1-buffer.json",
		"text path":      "/var/lib/flowlog/logs/flowlog-n1.log",
	}
	got := map[string]string{
		"csv export dir": n.CSV.ExportDir,
		"csv path":       n.CSV.Path,
		"snapshot path":  n.CSV.SnapshotPath,
		"text path":      n.Text.Path,
	}
	for k, v := range want {
		if got[k] != filepath.FromSlash(v) {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if n.CSV.Rotation != "rename" || n.CSV.Columns != "extended" || n.CSV.Mode != "direct" || n.CSV.BufferSize != DefaultBufferSize {
		t.Errorf("csv = %+v", n.CSV)
	}
}

func TestWithDefaults_GeneratesID(t *testing.T) {
	a := NodeConfig{}.WithDefaults("")
	b := NodeConfig{}.WithDefaults("")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids %q and %q", a.ID, b.ID)
	}
	if a.CSV.Path == b.CSV.Path {
		t.Error("two nodes share a CSV path")
	}
}

func TestStore_OnChange(t *testing.T) {
	s := &Store{}
	s.set(&Config{DataDir: "one"})

	var seen []string
	s.OnChange(func(c *Config) { seen = append(seen, c.DataDir) })
	s.set(&Config{DataDir: "two"})
	s.notify()

	if len(seen) != 1 || seen[0] != "two" {
		t.Errorf("seen = %v", seen)
	}

	got := s.Get()
	got.DataDir = "mutated"
	if s.Get().DataDir != "two" {
		t.Error("Get returned shared state")
	}
}
