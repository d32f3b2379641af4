package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxUserAgentLen bounds the user agent stored with each record.
const MaxUserAgentLen = 100

// MethodSystem marks rows written by flowlog itself rather than by a request.
const MethodSystem = "SYSTEM"

// LogRecord captures one completed HTTP exchange. Zero values are valid for
// every field.
type LogRecord struct {
	Timestamp            string `json:"timestamp"`
	Method               string `json:"method"`
	URL                  string `json:"url"`
	StatusCode           int    `json:"statusCode"`
	ResponseTime         int64  `json:"responseTime"`
	IP                   string `json:"ip"`
	UserAgent            string `json:"userAgent"`
	IsEditorRequest      bool   `json:"isEditorRequest"`
	IsDashboardRequest   bool   `json:"isDashboardRequest"`
	HasRefreshIndicators bool   `json:"hasRefreshIndicators"`
	ConnectionIssues     string `json:"connectionIssues"`
}

// IsSystem reports whether r is a marker row rather than a captured request.
func (r LogRecord) IsSystem() bool {
	return r.Method == MethodSystem
}

// normalized fills the timestamp and enforces the user agent bound.
func (r LogRecord) normalized(now time.Time) LogRecord {
	if r.Timestamp == "" {
		r.Timestamp = FormatTimestamp(now)
	}
	if r.ResponseTime < 0 {
		r.ResponseTime = 0
	}
	r.UserAgent = TruncateUserAgent(r.UserAgent)
	return r
}

// TruncateUserAgent cuts ua to MaxUserAgentLen runes.
func TruncateUserAgent(ua string) string {
	if len(ua) <= MaxUserAgentLen {
		return ua
	}
	runes := []rune(ua)
	if len(runes) <= MaxUserAgentLen {
		return ua
	}
	return string(runes[:MaxUserAgentLen])
}

// FormatTimestamp renders t the way records store it: UTC ISO-8601 with
// millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Column names, in declaration order.
const (
	ColTimestamp            = "timestamp"
	ColMethod               = "method"
	ColURL                  = "url"
	ColStatusCode           = "statusCode"
	ColResponseTime         = "responseTime"
	ColIP                   = "ip"
	ColUserAgent            = "userAgent"
	ColIsEditorRequest      = "isEditorRequest"
	ColIsDashboardRequest   = "isDashboardRequest"
	ColHasRefreshIndicators = "hasRefreshIndicators"
	ColConnectionIssues     = "connectionIssues"
)

// Columns is an ordered CSV schema.
type Columns []string

var (
	ExtendedColumns = Columns{
		ColTimestamp, ColMethod, ColURL, ColStatusCode, ColResponseTime, ColIP, ColUserAgent,
		ColIsEditorRequest, ColIsDashboardRequest, ColHasRefreshIndicators, ColConnectionIssues,
	}
	ReducedColumns = Columns{
		ColTimestamp, ColMethod, ColURL, ColStatusCode, ColResponseTime, ColIP, ColUserAgent,
		ColIsEditorRequest, ColIsDashboardRequest, ColConnectionIssues,
	}
)

// ParseColumns maps a schema name from configuration to its column set.
func ParseColumns(name string) (Columns, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "extended":
		return ExtendedColumns, nil
	case "reduced":
		return ReducedColumns, nil
	default:
		return nil, fmt.Errorf("unknown column set %q", name)
	}
}

// Fields renders r in column order.
func (c Columns) Fields(r LogRecord) []string {
	out := make([]string, len(c))
	for i, col := range c {
		out[i] = r.field(col)
	}
	return out
}

func (r LogRecord) field(col string) string {
	switch col {
	case ColTimestamp:
		return r.Timestamp
	case ColMethod:
		return r.Method
	case ColURL:
		return r.URL
	case ColStatusCode:
		return strconv.Itoa(r.StatusCode)
	case ColResponseTime:
		return strconv.FormatInt(r.ResponseTime, 10)
	case ColIP:
		return r.IP
	case ColUserAgent:
		return r.UserAgent
	case ColIsEditorRequest:
		return strconv.FormatBool(r.IsEditorRequest)
	case ColIsDashboardRequest:
		return strconv.FormatBool(r.IsDashboardRequest)
	case ColHasRefreshIndicators:
		return strconv.FormatBool(r.HasRefreshIndicators)
	case ColConnectionIssues:
		return r.ConnectionIssues
	}
	return ""
}

// ParseRecord is the inverse of Fields. Unknown or malformed values fall back
// to their zero value.
func (c Columns) ParseRecord(fields []string) LogRecord {
	var r LogRecord
	for i, col := range c {
		if i >= len(fields) {
			break
		}
		v := fields[i]
		switch col {
		case ColTimestamp:
			r.Timestamp = v
		case ColMethod:
			r.Method = v
		case ColURL:
			r.URL = v
		case ColStatusCode:
			r.StatusCode, _ = strconv.Atoi(v)
		case ColResponseTime:
			r.ResponseTime, _ = strconv.ParseInt(v, 10, 64)
		case ColIP:
			r.IP = v
		case ColUserAgent:
			r.UserAgent = v
		case ColIsEditorRequest:
			r.IsEditorRequest, _ = strconv.ParseBool(v)
		case ColIsDashboardRequest:
			r.IsDashboardRequest, _ = strconv.ParseBool(v)
		case ColHasRefreshIndicators:
			r.HasRefreshIndicators, _ = strconv.ParseBool(v)
		case ColConnectionIssues:
			r.ConnectionIssues = v
		}
	}
	return r
}

// Severity of a system marker row.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// System event types written as marker rows.
const (
	EventCSVReset        = "CSV-FILE-RESET"
	EventCSVDeleted      = "CSV-FILES-DELETED"
	EventInit            = "FLOWLOG-INIT"
	EventStopped         = "FLOWLOG-STOPPED"
	EventRemoved         = "FLOWLOG-REMOVED"
	EventFlowsStarted    = "FLOWS-STARTED"
	EventFlowsStopped    = "FLOWS-STOPPED"
	EventNodeTypeAdded   = "NODE-TYPE-ADDED"
	EventNodeTypeRemoved = "NODE-TYPE-REMOVED"
	EventModuleUpdated   = "MODULE-UPDATED"
	EventRuntimeState    = "RUNTIME-STATE"
	EventRuntimeVersion  = "RUNTIME-VERSION"
	EventNewConnection   = "NEW-CONNECTION"
	EventServerError     = "SERVER-ERROR"
	EventServerClosed    = "SERVER-CLOSED"
	EventHighMemory      = "HIGH-MEMORY-USAGE"
	EventMemoryStats     = "MEMORY-STATS"
	EventProcessExit     = "PROCESS-EXIT"
	EventProcessSIGINT   = "PROCESS-SIGINT"
	EventProcessSIGTERM  = "PROCESS-SIGTERM"
	EventUncaught        = "UNCAUGHT-EXCEPTION"
)

// SystemRecord builds a marker row. Details land in connectionIssues only for
// connection and server events, everything else is described by the event
// type alone.
func SystemRecord(eventType, details string, sev Severity) LogRecord {
	status := 200
	switch sev {
	case SeverityError:
		status = 500
	case SeverityWarn:
		status = 300
	}
	r := LogRecord{
		Timestamp:  FormatTimestamp(time.Now()),
		Method:     MethodSystem,
		URL:        eventType,
		StatusCode: status,
		IP:         "localhost",
		UserAgent:  "flowlog-system",
	}
	if strings.Contains(eventType, "CONNECTION") || strings.Contains(eventType, "SERVER") {
		r.ConnectionIssues = details
	}
	return r
}
