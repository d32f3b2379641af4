package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngoyal88/flowlog/pkg/format"
	"github.com/ngoyal88/flowlog/pkg/host"
	"github.com/ngoyal88/flowlog/pkg/storage"
)

// Observer receives the exchanges a Hub captures.
type Observer interface {
	// Skip reports whether r is filtered out. It is consulted before any
	// capture work starts.
	Skip(r *http.Request) bool
	// BodyLimit is the number of request body bytes to capture, 0 for none.
	BodyLimit() int
	// Complete is called exactly once per exchange, after the response
	// completed.
	Complete(ex *format.Exchange)
	// ServerEvent reports connection, error, shutdown and panic events.
	ServerEvent(eventType, detail string, sev storage.Severity)
}

// Hub is the single interception point installed on a host server. Nodes
// subscribe observers to it instead of patching the server themselves.
type Hub struct {
	mu        sync.RWMutex
	next      uint64
	observers map[uint64]Observer
	log       host.Logger
	now       func() time.Time
}

func NewHub(log host.Logger) *Hub {
	if log == nil {
		log = host.Discard
	}
	return &Hub{
		observers: make(map[uint64]Observer),
		log:       log,
		now:       time.Now,
	}
}

// Subscribe registers o and returns its disposer.
func (h *Hub) Subscribe(o Observer) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.observers[id] = o
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, id)
			h.mu.Unlock()
		})
	}
}

// Observers reports how many observers are subscribed.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) snapshot() []Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		out = append(out, o)
	}
	return out
}

// InstallServer hooks srv at the lowest level net/http offers: the root
// handler (before any routing or auth), connection state changes, the server
// error log and shutdown. Call it once, before the server starts.
func (h *Hub) InstallServer(srv *http.Server) {
	handler := srv.Handler
	if handler == nil {
		handler = http.DefaultServeMux
	}
	srv.Handler = h.Wrap(handler)

	prevState := srv.ConnState
	srv.ConnState = func(c net.Conn, st http.ConnState) {
		if st == http.StateNew {
			h.serverEvent(storage.EventNewConnection, "from "+c.RemoteAddr().String(), storage.SeverityInfo)
		}
		if prevState != nil {
			prevState(c, st)
		}
	}

	srv.ErrorLog = log.New(&errorLogWriter{hub: h, next: srv.ErrorLog}, "", 0)
	srv.RegisterOnShutdown(func() {
		h.serverEvent(storage.EventServerClosed, "server-shutdown-detected", storage.SeverityWarn)
	})
}

// Wrap decorates next so every exchange is reported to the interested
// observers. It is the fallback for hosts that only expose a handler chain.
func (h *Hub) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		interested := h.interested(r)

		// An outer hook layer already captures this exchange: join it
		// instead of wrapping the response a second time.
		if cw, ok := w.(*captureWriter); ok {
			cw.attach(interested)
			next.ServeHTTP(w, r)
			return
		}
		if len(interested) == 0 {
			exchangesTotal.WithLabelValues("filtered").Inc()
			next.ServeHTTP(w, r)
			return
		}

		cw := &captureWriter{
			ResponseWriter: w,
			hub:            h,
			req:            r,
			start:          h.now(),
			observers:      interested,
		}
		cw.captureBody(r, maxBodyLimit(interested))

		defer func() {
			if p := recover(); p != nil {
				if p != http.ErrAbortHandler {
					h.serverEvent(storage.EventUncaught, fmt.Sprint(p), storage.SeverityError)
					cw.markPanicked()
				}
				cw.finish()
				panic(p)
			}
		}()

		next.ServeHTTP(cw, r)
		cw.finish()
	})
}

func (h *Hub) interested(r *http.Request) []Observer {
	all := h.snapshot()
	out := all[:0]
	for _, o := range all {
		if !h.safeSkip(o, r) {
			out = append(out, o)
		}
	}
	return out
}

func (h *Hub) safeSkip(o Observer, r *http.Request) (skip bool) {
	defer func() {
		if p := recover(); p != nil {
			observerPanics.Inc()
			h.log.Error(fmt.Sprintf("observer filter panicked: %v", p))
			skip = true
		}
	}()
	return o.Skip(r)
}

func (h *Hub) deliver(o Observer, ex *format.Exchange) {
	defer func() {
		if p := recover(); p != nil {
			observerPanics.Inc()
			h.log.Error(fmt.Sprintf("observer failed for %s %s: %v", ex.Method, ex.URL, p))
		}
	}()
	o.Complete(ex)
}

func (h *Hub) serverEvent(eventType, detail string, sev storage.Severity) {
	for _, o := range h.snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					observerPanics.Inc()
					h.log.Error(fmt.Sprintf("observer failed on %s: %v", eventType, p))
				}
			}()
			o.ServerEvent(eventType, detail, sev)
		}()
	}
}

func maxBodyLimit(obs []Observer) int {
	limit := 0
	for _, o := range obs {
		if n := o.BodyLimit(); n > limit {
			limit = n
		}
	}
	return limit
}

// Complete finishes the record of the exchange behind w right away. Later
// completions of the same exchange, including the automatic one when the
// handler returns, are ignored. It is a no-op for writers no Hub wraps.
func Complete(w http.ResponseWriter) {
	for {
		switch v := w.(type) {
		case *captureWriter:
			v.finish()
			return
		case interface{ Unwrap() http.ResponseWriter }:
			w = v.Unwrap()
		default:
			return
		}
	}
}

// captureWriter observes a response without altering it. done is the
// per-response marker that keeps an exchange from being recorded twice.
type captureWriter struct {
	http.ResponseWriter
	hub   *Hub
	req   *http.Request
	start time.Time

	mu        sync.Mutex
	observers []Observer
	status    int
	bytes     int64
	hijacked  bool
	panicked  bool
	body      interface{}

	done atomic.Bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.mu.Lock()
	if cw.status == 0 && (code >= 200 || code == http.StatusSwitchingProtocols) {
		cw.status = code
	}
	cw.mu.Unlock()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	cw.mu.Unlock()
	n, err := cw.ResponseWriter.Write(p)
	cw.mu.Lock()
	cw.bytes += int64(n)
	cw.mu.Unlock()
	return n, err
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := cw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		cw.mu.Lock()
		cw.hijacked = true
		cw.mu.Unlock()
	}
	return conn, rw, err
}

func (cw *captureWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

func (cw *captureWriter) attach(obs []Observer) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	for _, o := range obs {
		if !containsObserver(cw.observers, o) {
			cw.observers = append(cw.observers, o)
		}
	}
}

func (cw *captureWriter) markPanicked() {
	cw.mu.Lock()
	cw.panicked = true
	cw.mu.Unlock()
}

// captureBody buffers up to limit bytes of the request body and splices them
// back in front of the unread remainder, so the handler reads exactly the
// bytes the client sent.
func (cw *captureWriter) captureBody(r *http.Request, limit int) {
	if limit <= 0 || r.Body == nil || r.Body == http.NoBody {
		return
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)))
	r.Body = &splicedBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), closer: r.Body}
	if err != nil || len(buf) == 0 {
		return
	}
	cw.body = decodeBody(buf)
}

// decodeBody returns the parsed JSON value, or the raw text when the bytes
// are not JSON.
func decodeBody(buf []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(buf, &v); err == nil {
		return v
	}
	return string(buf)
}

type splicedBody struct {
	io.Reader
	closer io.Closer
}

func (b *splicedBody) Close() error { return b.closer.Close() }

// finish builds the exchange and hands it to every observer, once.
func (cw *captureWriter) finish() {
	if !cw.done.CompareAndSwap(false, true) {
		return
	}
	elapsed := cw.hub.now().Sub(cw.start)

	cw.mu.Lock()
	status := cw.status
	switch {
	case cw.hijacked && status == 0:
		status = http.StatusSwitchingProtocols
	case cw.panicked && status == 0:
		status = http.StatusInternalServerError
	case status == 0:
		status = http.StatusOK
	}
	observers := append([]Observer(nil), cw.observers...)
	written := cw.bytes
	body := cw.body
	cw.body = nil
	cw.mu.Unlock()

	r := cw.req
	user, _, _ := r.BasicAuth()
	ex := &format.Exchange{
		Start:          cw.start,
		Elapsed:        elapsed,
		Method:         r.Method,
		URL:            requestURI(r),
		Proto:          r.Proto,
		RemoteAddr:     r.RemoteAddr,
		RemoteUser:     user,
		Referrer:       r.Referer(),
		UserAgent:      r.UserAgent(),
		RequestHeader:  r.Header.Clone(),
		Status:         status,
		ResponseHeader: cw.ResponseWriter.Header().Clone(),
		BytesWritten:   written,
		Body:           body,
	}

	exchangesTotal.WithLabelValues("captured").Inc()
	requestDuration.WithLabelValues(statusClass(status)).Observe(elapsed.Seconds())
	for _, o := range observers {
		cw.hub.deliver(o, ex)
	}
}

// requestURI is the path and query as the client sent them.
func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.URL != nil {
		return r.URL.RequestURI()
	}
	return ""
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}

func containsObserver(obs []Observer, o Observer) bool {
	for _, x := range obs {
		if x == o {
			return true
		}
	}
	return false
}

// errorLogWriter forwards http.Server error output to observers.
type errorLogWriter struct {
	hub  *Hub
	next *log.Logger
}

func (w *errorLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if w.next != nil {
		w.next.Print(msg)
	} else {
		log.Print(msg)
	}
	w.hub.serverEvent(storage.EventServerError, msg, storage.SeverityError)
	return len(p), nil
}
