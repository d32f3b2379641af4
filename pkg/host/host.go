// Package host describes the pieces of the flow runtime that flowlog plugs
// into: a logging sink, a status indicator and an event bus.
package host

import (
	"fmt"
	"log"
)

// Logger is the runtime's logging sink.
type Logger interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type stdLogger struct {
	l   *log.Logger
	tag string
}

// NewLogger returns a Logger that writes through the standard log package,
// prefixing every line with the given tag, e.g. "[FLOWLOG:abc123]".
func NewLogger(tag string) Logger {
	return &stdLogger{l: log.Default(), tag: tag}
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(l *log.Logger, tag string) Logger {
	if l == nil {
		l = log.Default()
	}
	return &stdLogger{l: l, tag: tag}
}

func (s *stdLogger) Info(msg string)  { s.l.Printf("[%s] %s", s.tag, msg) }
func (s *stdLogger) Warn(msg string)  { s.l.Printf("[%s] WARN: %s", s.tag, msg) }
func (s *stdLogger) Error(msg string) { s.l.Printf("[%s] ERROR: %s", s.tag, msg) }

// Discard drops everything.
var Discard Logger = discard{}

type discard struct{}

func (discard) Info(string)  {}
func (discard) Warn(string)  {}
func (discard) Error(string) {}

// Status is the small indicator the runtime shows next to a node.
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

var (
	StatusInitializing = Status{Fill: "yellow", Shape: "ring", Text: "initializing"}
	StatusError        = Status{Fill: "red", Shape: "ring", Text: "error"}
	StatusCleared      = Status{}
)

// StatusActive is the green indicator with a short description of what is
// being recorded.
func StatusActive(text string) Status {
	if text == "" {
		text = "logging active"
	}
	return Status{Fill: "green", Shape: "dot", Text: text}
}

func (s Status) String() string {
	if s.Text == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%s %s)", s.Text, s.Fill, s.Shape)
}
