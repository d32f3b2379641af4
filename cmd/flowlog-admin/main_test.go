package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"success":false,"error":"Missing credentials"}`)
			return
		}
		switch r.URL.Path {
		case "/admin/flowlog/n1/export-csv":
			io.WriteString(w, `{"success":true,"recordCount":3}`)
		case "/admin/flowlog/n1/download-csv", "/admin/flowlog/n1/download-csv/old.csv":
			w.Header().Set("Content-Disposition", `attachment; filename="flowlog-n1.csv"`)
			io.WriteString(w, "timestamp,method\n")
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"success":false,"error":"Node not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunRemote_Export(t *testing.T) {
	srv := fakeServer(t)
	var out bytes.Buffer
	if err := runRemote("export", []string{"-server", srv.URL, "-key", "k", "n1"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"recordCount": 3`) {
		t.Errorf("output = %s", out.String())
	}

	if err := runRemote("export", []string{"-server", srv.URL, "-key", "k", "missing"}, io.Discard); err == nil {
		t.Error("expected an error for an unknown node")
	}
	if err := runRemote("export", []string{"-server", srv.URL, "-key", "", "n1"}, io.Discard); err == nil {
		t.Error("expected an error without credentials")
	}
}

func TestRunRemote_Download(t *testing.T) {
	srv := fakeServer(t)
	dest := filepath.Join(t.TempDir(), "copy.csv")

	var out bytes.Buffer
	if err := runRemote("download", []string{"-server", srv.URL, "-key", "k", "-out", dest, "n1", "old.csv"}, &out); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "timestamp,method\n" {
		t.Errorf("downloaded %q", data)
	}

	err = runRemote("download", []string{"-server", srv.URL, "-key", "k", "-out", dest, "nope"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "Node not found") {
		t.Errorf("err = %v", err)
	}
}

func TestRunRemote_NeedsNode(t *testing.T) {
	if err := runRemote("delete", nil, io.Discard); err == nil {
		t.Fatal("expected a usage error")
	}
}

func TestWriteAdminKey_KeepsOtherVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FLOWLOG_REDIS_ADDRESS=redis:6379\nADMIN_KEY=old\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := writeAdminKey(path, "new"); err != nil {
		t.Fatal(err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if env["ADMIN_KEY"] != "new" || env["FLOWLOG_REDIS_ADDRESS"] != "redis:6379" {
		t.Errorf("env = %v", env)
	}

	fresh := filepath.Join(t.TempDir(), ".env")
	if err := writeAdminKey(fresh, "k"); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}

func TestGenerateAdminKey(t *testing.T) {
	a, err := generateAdminKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateAdminKey()
	if !strings.HasPrefix(a, "admin_") || a == b {
		t.Errorf("keys %q %q", a, b)
	}
}
