package storage

import (
	"context"
)

// RecordStore is the persistence side of a node: either a CSVStore appending
// directly to disk or a BufferedStore holding recent records in memory.
type RecordStore interface {
	// Append persists rec. Failures are logged and swallowed.
	Append(rec LogRecord)
	// AppendSystemEvent writes a marker row when system events are enabled.
	AppendSystemEvent(eventType, details string, sev Severity)
	Export() ExportResult
	Delete() DeletionResult
	// Maintain runs the periodic checks: size-triggered rotation, snapshots.
	Maintain()
	// LivePath is the file the store appends to.
	LivePath() string
	Close() error
}

// Sink receives structured payloads downstream of the stores.
type Sink interface {
	Emit(ctx context.Context, p *Payload) error
}

// Payload is what a node emits downstream for every captured exchange.
type Payload struct {
	NodeID        string            `json:"nodeId"`
	Record        LogRecord         `json:"record"`
	IsStaticAsset bool              `json:"isStaticAsset"`
	Line          string            `json:"line,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          interface{}       `json:"body,omitempty"`
}

// ExportResult describes the artifact produced by an export.
type ExportResult struct {
	Success     bool   `json:"success"`
	FilePath    string `json:"filePath,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	RecordCount int    `json:"recordCount"`
	FileSize    int64  `json:"fileSize,omitempty"`
	Error       string `json:"error,omitempty"`
	// NotFound distinguishes "nothing to export" from I/O failures.
	NotFound bool `json:"-"`
}

// DeletionResult describes a delete request.
type DeletionResult struct {
	Success      bool   `json:"success"`
	DeletedCount int    `json:"deletedCount"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

func exportFailure(msg string) ExportResult {
	return ExportResult{Success: false, Error: msg}
}

// mb renders a byte count as megabytes.
func mb(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

// MBToBytes converts a configured threshold in megabytes.
func MBToBytes(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(v * 1024 * 1024)
}
