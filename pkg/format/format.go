// Package format renders captured HTTP exchanges as log lines and as
// structured records.
package format

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ngoyal88/flowlog/pkg/storage"
)

// Style selects the line layout.
type Style string

const (
	Combined Style = "combined"
	Common   Style = "common"
	Dev      Style = "dev"
	Short    Style = "short"
	Tiny     Style = "tiny"
	Custom   Style = "custom"
)

// ParseStyle maps a configured name to a Style; anything unknown is Custom.
func ParseStyle(s string) Style {
	switch st := Style(strings.ToLower(strings.TrimSpace(s))); st {
	case Combined, Common, Dev, Short, Tiny:
		return st
	default:
		return Custom
	}
}

// Exchange is everything known about one request/response pair once the
// response completed.
type Exchange struct {
	Start          time.Time
	Elapsed        time.Duration
	Method         string
	URL            string
	Proto          string
	RemoteAddr     string
	RemoteUser     string
	Referrer       string
	UserAgent      string
	RequestHeader  http.Header
	Status         int
	ResponseHeader http.Header
	BytesWritten   int64
	// Body is the captured request body: decoded JSON when it parsed, the
	// raw string otherwise, nil when nothing was captured.
	Body interface{}
}

// ResponseTimeMillis is the elapsed time in whole milliseconds, never negative.
func (ex *Exchange) ResponseTimeMillis() int64 {
	if ex.Elapsed < 0 {
		return 0
	}
	return ex.Elapsed.Milliseconds()
}

// Options are the formatting switches of one node.
type Options struct {
	Style          Style
	IncludeHeaders bool
	IncludeBody    bool
}

const clfLayout = "02/Jan/2006:15:04:05 -0700"

// Line renders ex in the configured style. It never fails: absent values
// print as "-" and the result never contains a raw line break.
func Line(ex *Exchange, opts Options) string {
	if ex == nil {
		ex = &Exchange{}
	}
	switch opts.Style {
	case Combined:
		return fmt.Sprintf(`%s - %s [%s] "%s %s %s" %s %s "%s" "%s"`,
			dash(clientIP(ex.RemoteAddr)), dash(ex.RemoteUser), clfDate(ex.Start),
			dash(ex.Method), dash(ex.URL), proto(ex.Proto), status(ex.Status), contentLength(ex),
			dash(ex.Referrer), dash(ex.UserAgent))
	case Common:
		return fmt.Sprintf(`%s - %s [%s] "%s %s %s" %s %s`,
			dash(clientIP(ex.RemoteAddr)), dash(ex.RemoteUser), clfDate(ex.Start),
			dash(ex.Method), dash(ex.URL), proto(ex.Proto), status(ex.Status), contentLength(ex))
	case Dev:
		return fmt.Sprintf("%s %s \x1b[%dm%s\x1b[0m %d ms - %s",
			dash(ex.Method), dash(ex.URL), StatusColor(ex.Status), status(ex.Status),
			ex.ResponseTimeMillis(), contentLength(ex))
	case Short:
		return fmt.Sprintf("%s %s %s %s %s %s %s - %d ms",
			dash(clientIP(ex.RemoteAddr)), dash(ex.RemoteUser), dash(ex.Method), dash(ex.URL),
			proto(ex.Proto), status(ex.Status), contentLength(ex), ex.ResponseTimeMillis())
	case Tiny:
		return fmt.Sprintf("%s %s %s %s - %d ms",
			dash(ex.Method), dash(ex.URL), status(ex.Status), contentLength(ex), ex.ResponseTimeMillis())
	default:
		return customLine(ex, opts, true)
	}
}

// Message is Line for outputs that prefix their own timestamp: the custom
// style leaves out its leading "[timestamp] ".
func Message(ex *Exchange, opts Options) string {
	switch opts.Style {
	case Combined, Common, Dev, Short, Tiny:
		return Line(ex, opts)
	}
	if ex == nil {
		ex = &Exchange{}
	}
	return customLine(ex, opts, false)
}

func customLine(ex *Exchange, opts Options, stamped bool) string {
	var b strings.Builder
	if stamped {
		ts := "-"
		if !ex.Start.IsZero() {
			ts = storage.FormatTimestamp(ex.Start)
		}
		fmt.Fprintf(&b, "[%s] ", ts)
	}
	fmt.Fprintf(&b, "%s %s %s %d ms", dash(ex.Method), dash(ex.URL), status(ex.Status), ex.ResponseTimeMillis())
	if opts.IncludeHeaders {
		b.WriteString(" headers=")
		b.WriteString(jsonOrDash(FlattenHeaders(ex.RequestHeader)))
	}
	if opts.IncludeBody && ex.Body != nil {
		b.WriteString(" body=")
		b.WriteString(jsonOrDash(ex.Body))
	}
	return b.String()
}

// StatusColor is the ANSI color used by the dev style: red for server errors,
// yellow for client errors, cyan for redirects, the terminal default otherwise.
func StatusColor(code int) int {
	switch {
	case code >= 500:
		return 31
	case code >= 400:
		return 33
	case code >= 300:
		return 36
	default:
		return 0
	}
}

// FlattenHeaders joins repeated header values with ", " and lowercases names.
func FlattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// jsonOrDash encodes v; encoding/json escapes control characters so the
// result is always single-line.
func jsonOrDash(v interface{}) string {
	if v == nil {
		return "-"
	}
	if m, ok := v.(map[string]string); ok && len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "-"
	}
	return string(data)
}

var unsafe = strings.NewReplacer("\r", `\r`, "\n", `\n`)

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return unsafe.Replace(s)
}

func status(code int) string {
	if code <= 0 {
		return "-"
	}
	return strconv.Itoa(code)
}

func proto(p string) string {
	if p == "" {
		return "HTTP/-"
	}
	return dash(p)
}

func clfDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(clfLayout)
}

func contentLength(ex *Exchange) string {
	if ex.ResponseHeader != nil {
		if v := ex.ResponseHeader.Get("Content-Length"); v != "" {
			return dash(v)
		}
	}
	if ex.BytesWritten > 0 {
		return strconv.FormatInt(ex.BytesWritten, 10)
	}
	return "-"
}
