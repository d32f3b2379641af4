package format

import (
	"net/http"
	"strings"
	"testing"
)

func TestClassifier_Editor(t *testing.T) {
	c := DefaultClassifier
	for url, want := range map[string]bool{
		"/":               true,
		"/?deploy=1":      true,
		"/red/main.js":    true,
		"/flows":          false,
		"/dashboard/home": false,
	} {
		if got := c.IsEditor(url); got != want {
			t.Errorf("IsEditor(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestClassifier_Dashboard(t *testing.T) {
	c := DefaultClassifier
	if !c.IsDashboard("/dashboard/page1") || !c.IsDashboard("/ui/") {
		t.Error("expected dashboard paths to match")
	}
	if c.IsDashboard("/api/ui") {
		t.Error("prefix match must anchor at the start")
	}
}

func TestClassifier_StaticAsset(t *testing.T) {
	c := DefaultClassifier
	for url, want := range map[string]bool{
		"/vendor/jquery/jquery.min.js?v=3": true,
		"/red/images/logo.svg":             true,
		"/favicon.ICO":                     true,
		"/flows":                           false,
		"/api/data.json":                   false,
		"/search?q=a.css":                  false,
	} {
		if got := c.IsStaticAsset(url); got != want {
			t.Errorf("IsStaticAsset(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestHasRefreshIndicators(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		status int
		want   bool
	}{
		{"plain", http.Header{}, 200, false},
		{"cache-control", http.Header{"Cache-Control": {"No-Cache"}}, 200, true},
		{"pragma", http.Header{"Pragma": {"no-cache"}}, 304, true},
		{"client error", nil, 404, true},
		{"server error", http.Header{}, 500, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRefreshIndicators(tt.header, tt.status); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionIssues(t *testing.T) {
	if got := ConnectionIssues(http.Header{"Connection": {"Close"}}); got != "connection-close" {
		t.Errorf("got %q", got)
	}
	if got := ConnectionIssues(http.Header{"Connection": {"keep-alive"}}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := ConnectionIssues(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestRecord(t *testing.T) {
	ex := sampleExchange()
	ex.UserAgent = strings.Repeat("a", 150)
	ex.ResponseHeader.Set("Connection", "close")

	rec := Record(ex, DefaultClassifier)
	if rec.Timestamp != "2026-10-19T10:15:30.165Z" {
		t.Errorf("Timestamp = %q", rec.Timestamp)
	}
	if rec.Method != "POST" || rec.URL != "/flows?x=1" || rec.StatusCode != 201 {
		t.Errorf("unexpected request fields: %+v", rec)
	}
	if rec.ResponseTime != 42 {
		t.Errorf("ResponseTime = %d", rec.ResponseTime)
	}
	if rec.IP != "10.0.0.7" {
		t.Errorf("IP = %q", rec.IP)
	}
	if len(rec.UserAgent) != 100 {
		t.Errorf("UserAgent not truncated: %d", len(rec.UserAgent))
	}
	if rec.ConnectionIssues != "connection-close" {
		t.Errorf("ConnectionIssues = %q", rec.ConnectionIssues)
	}
}

func TestRecord_EmptyExchange(t *testing.T) {
	rec := Record(nil, DefaultClassifier)
	if rec.Timestamp != "" || rec.StatusCode != 0 || rec.IsEditorRequest {
		t.Errorf("expected zero record, got %+v", rec)
	}
}
