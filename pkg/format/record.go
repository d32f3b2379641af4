package format

import (
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/ngoyal88/flowlog/pkg/storage"
)

// Classifier holds the path heuristics used to tag requests. They are
// guesses about the flow runtime's UI layout, not verified diagnostics: the
// editor is served at the root and under /red/, dashboards under /dashboard
// and /ui.
type Classifier struct {
	EditorPrefixes    []string
	DashboardPrefixes []string
	StaticPrefixes    []string
	StaticExtensions  []string
}

// DefaultClassifier matches the flow runtime's stock layout.
var DefaultClassifier = Classifier{
	EditorPrefixes:    []string{"/red/"},
	DashboardPrefixes: []string{"/dashboard", "/ui"},
	StaticPrefixes:    []string{"/vendor/", "/icons/", "/static/", "/assets/", "/red/images/"},
	StaticExtensions: []string{
		".js", ".mjs", ".css", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg",
		".ico", ".woff", ".woff2", ".ttf", ".eot", ".webp",
	},
}

// IsEditor reports requests for the flow editor: the root page, the root with
// a query string, or anything under an editor prefix.
func (c Classifier) IsEditor(url string) bool {
	if url == "/" || strings.HasPrefix(url, "/?") {
		return true
	}
	return hasAnyPrefix(url, c.EditorPrefixes)
}

func (c Classifier) IsDashboard(url string) bool {
	return hasAnyPrefix(url, c.DashboardPrefixes)
}

// IsStaticAsset matches static prefixes or a static file extension on the
// path (query string ignored).
func (c Classifier) IsStaticAsset(url string) bool {
	p := url
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if hasAnyPrefix(p, c.StaticPrefixes) {
		return true
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range c.StaticExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// HasRefreshIndicators flags requests that look like forced reloads
// (Cache-Control or Pragma no-cache) and failed responses.
func HasRefreshIndicators(reqHeader http.Header, status int) bool {
	if status >= 400 {
		return true
	}
	if reqHeader == nil {
		return false
	}
	for _, name := range []string{"Cache-Control", "Pragma"} {
		for _, v := range reqHeader.Values(name) {
			if strings.Contains(strings.ToLower(v), "no-cache") {
				return true
			}
		}
	}
	return false
}

// ConnectionIssues returns "connection-close" when the response forces the
// connection closed.
func ConnectionIssues(respHeader http.Header) string {
	if respHeader == nil {
		return ""
	}
	for _, v := range respHeader.Values("Connection") {
		if strings.Contains(strings.ToLower(v), "close") {
			return "connection-close"
		}
	}
	return ""
}

// Record builds the structured form of ex.
func Record(ex *Exchange, c Classifier) storage.LogRecord {
	if ex == nil {
		ex = &Exchange{}
	}
	rec := storage.LogRecord{
		Method:               ex.Method,
		URL:                  ex.URL,
		StatusCode:           ex.Status,
		ResponseTime:         ex.ResponseTimeMillis(),
		IP:                   clientIP(ex.RemoteAddr),
		UserAgent:            storage.TruncateUserAgent(ex.UserAgent),
		IsEditorRequest:      c.IsEditor(ex.URL),
		IsDashboardRequest:   c.IsDashboard(ex.URL),
		HasRefreshIndicators: HasRefreshIndicators(ex.RequestHeader, ex.Status),
		ConnectionIssues:     ConnectionIssues(ex.ResponseHeader),
	}
	if !ex.Start.IsZero() {
		rec.Timestamp = storage.FormatTimestamp(ex.Start.Add(ex.Elapsed))
	}
	return rec
}

// clientIP strips the port from a RemoteAddr.
func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
