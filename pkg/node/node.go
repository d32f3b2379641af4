// Package node is the lifecycle controller of flowlog: one Node per
// configured logger, owning its stores and every subscription it makes on
// the host.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ngoyal88/flowlog/pkg/config"
	"github.com/ngoyal88/flowlog/pkg/format"
	"github.com/ngoyal88/flowlog/pkg/host"
	"github.com/ngoyal88/flowlog/pkg/middleware"
	"github.com/ngoyal88/flowlog/pkg/storage"
)

// ErrExportDisabled is returned by download lookups on nodes without CSV
// persistence.
var ErrExportDisabled = errors.New("CSV export not enabled")

// Deps are the host collaborators a node plugs into. Hub is required; the
// rest are optional.
type Deps struct {
	Hub     *middleware.Hub
	Bus     *host.Bus
	Sink    storage.Sink
	Log     *log.Logger
	DataDir string
	// NoSignals skips the SIGINT/SIGTERM subscription.
	NoSignals bool
}

// Node records the HTTP traffic of its host into the configured stores.
type Node struct {
	cfg        config.NodeConfig
	deps       Deps
	log        host.Logger
	classifier format.Classifier
	opts       format.Options

	store storage.RecordStore
	text  *storage.TextStore
	emit  *emitter

	mu        sync.Mutex
	status    host.Status
	disposers []func()
	listeners map[uint64]func(*storage.Payload)
	nextID    uint64
	ticks     int
	closed    bool
}

// New applies defaults to cfg and returns a node that has not started yet.
func New(cfg config.NodeConfig, deps Deps) *Node {
	cfg = cfg.WithDefaults(deps.DataDir)
	return &Node{
		cfg:       cfg,
		deps:      deps,
		log:       host.NewLoggerTo(deps.Log, "FLOWLOG:"+cfg.ID),
		status:    host.StatusInitializing,
		listeners: make(map[uint64]func(*storage.Payload)),
	}
}

func (n *Node) ID() string                { return n.cfg.ID }
func (n *Node) Name() string              { return n.cfg.Name }
func (n *Node) Config() config.NodeConfig { return n.cfg }

// Status is the indicator shown for the node.
func (n *Node) Status() host.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) setStatus(s host.Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// Start parses the configuration, opens the stores and installs every
// subscription. A failure leaves the node registered in the error status.
func (n *Node) Start() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("installation panicked: %v", p)
		}
		if err != nil {
			n.log.Error(fmt.Sprintf("Failed to start request logging: %v", err))
			n.setStatus(host.StatusError)
			n.release()
		}
	}()

	if n.deps.Hub == nil {
		return errors.New("no interception hub available")
	}
	if err := n.openStores(); err != nil {
		return err
	}
	n.classifier = format.DefaultClassifier
	if len(n.cfg.EditorPrefixes) > 0 {
		n.classifier.EditorPrefixes = n.cfg.EditorPrefixes
	}
	if len(n.cfg.DashboardPrefixes) > 0 {
		n.classifier.DashboardPrefixes = n.cfg.DashboardPrefixes
	}
	n.opts = format.Options{
		Style:          format.ParseStyle(n.cfg.Format),
		IncludeHeaders: n.cfg.IncludeHeaders,
		IncludeBody:    n.cfg.IncludeBody,
	}
	if n.cfg.Emit && n.deps.Sink != nil {
		n.emit = newEmitter(n.deps.Sink, n.log)
		n.addDisposer(n.emit.close)
	}

	n.systemEvent(storage.EventInit, "request logging started", storage.SeverityInfo)
	n.addDisposer(n.deps.Hub.Subscribe(&recorder{n: n}))
	n.subscribeBus()
	if !n.deps.NoSignals {
		n.subscribeSignals()
	}
	n.startMonitor()

	n.setStatus(host.StatusActive(n.describe()))
	n.log.Info(fmt.Sprintf("Request logging active (%s)", n.describe()))
	return nil
}

func (n *Node) openStores() error {
	if n.cfg.CSV.Enabled {
		cols, err := storage.ParseColumns(n.cfg.CSV.Columns)
		if err != nil {
			return err
		}
		policy, err := storage.ParseRotationPolicy(n.cfg.CSV.Rotation)
		if err != nil {
			return err
		}
		csvStore := storage.NewCSVStore(storage.CSVConfig{
			Path:         n.cfg.CSV.Path,
			MaxBytes:     storage.MBToBytes(n.cfg.CSV.MaxSizeMB),
			Rotation:     policy,
			Columns:      cols,
			SystemEvents: n.cfg.SystemEvents,
		}, n.log)
		switch n.cfg.CSV.Mode {
		case "direct":
			n.store = csvStore
		case "buffered":
			n.store = storage.NewBufferedStore(csvStore, storage.BufferedConfig{
				Capacity:     n.cfg.CSV.BufferSize,
				SnapshotPath: n.cfg.CSV.SnapshotPath,
				ExportDir:    n.cfg.CSV.ExportDir,
			}, n.log)
		default:
			csvStore.Close()
			return fmt.Errorf("unknown csv mode %q", n.cfg.CSV.Mode)
		}
	}
	if n.cfg.Text.Enabled {
		n.text = storage.NewTextStore(n.cfg.Text.Path, storage.MBToBytes(n.cfg.Text.MaxSizeMB), n.log)
	}
	return nil
}

func (n *Node) describe() string {
	var parts []string
	if n.cfg.CSV.Enabled {
		parts = append(parts, "csv")
	}
	if n.cfg.Text.Enabled {
		parts = append(parts, "file")
	}
	if n.cfg.Console {
		parts = append(parts, "console")
	}
	if n.emit != nil {
		parts = append(parts, "emit")
	}
	if len(parts) == 0 {
		return "logging active"
	}
	return "logging to " + strings.Join(parts, "+")
}

func (n *Node) addDisposer(fn func()) {
	n.mu.Lock()
	n.disposers = append(n.disposers, fn)
	n.mu.Unlock()
}

// release runs the disposers newest first. Each runs at most once.
func (n *Node) release() {
	n.mu.Lock()
	disposers := n.disposers
	n.disposers = nil
	n.mu.Unlock()
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}

// Disposers reports how many subscriptions the node currently holds.
func (n *Node) Disposers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.disposers)
}

// Close releases every subscription and closes the stores. removed tells a
// deleted node from one that is only being redeployed.
func (n *Node) Close(removed bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.release()

	if removed {
		n.systemEvent(storage.EventRemoved, "node removed", storage.SeverityInfo)
	} else {
		n.systemEvent(storage.EventStopped, "node stopped", storage.SeverityInfo)
	}

	var errs []error
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.text != nil {
		if err := n.text.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.setStatus(host.StatusCleared)
	n.log.Info("Request logging stopped")
	return errors.Join(errs...)
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// OnPayload subscribes fn to the payload of every recorded exchange. fn runs
// synchronously on the request goroutine.
func (n *Node) OnPayload(fn func(*storage.Payload)) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *Node) payloadListeners() []func(*storage.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]func(*storage.Payload), 0, len(n.listeners))
	for _, fn := range n.listeners {
		out = append(out, fn)
	}
	return out
}

// systemEvent writes a marker row when system events are enabled.
func (n *Node) systemEvent(eventType, details string, sev storage.Severity) {
	if n.store == nil {
		return
	}
	n.store.AppendSystemEvent(eventType, details, sev)
}

// ExportToCSV produces the downloadable artifact of the node's records.
func (n *Node) ExportToCSV() storage.ExportResult {
	if !n.cfg.CSV.Enabled || n.store == nil {
		return storage.ExportResult{Success: false, Error: ErrExportDisabled.Error()}
	}
	return n.store.Export()
}

// DeleteCSVFiles removes the live CSV file and starts a fresh one.
func (n *Node) DeleteCSVFiles() storage.DeletionResult {
	if !n.cfg.CSV.Enabled || n.store == nil {
		return storage.DeletionResult{Success: false, Error: ErrExportDisabled.Error()}
	}
	return n.store.Delete()
}

// ExportDir is the directory downloads are served from.
func (n *Node) ExportDir() string { return n.cfg.CSV.ExportDir }

// OpenDownload opens the file a download request names. An empty name is
// the live CSV file. Names that leave the export directory are reported as
// storage.ErrNotFound.
func (n *Node) OpenDownload(name string) (*os.File, os.FileInfo, error) {
	if !n.cfg.CSV.Enabled || n.store == nil {
		return nil, nil, ErrExportDisabled
	}
	if name == "" {
		return storage.OpenFile(n.store.LivePath())
	}
	return storage.OpenDownload(n.cfg.CSV.ExportDir, name)
}

// recorder is the node's hub observer.
type recorder struct {
	n *Node
}

func (r *recorder) Skip(req *http.Request) bool {
	path := req.URL.Path
	for _, p := range r.n.cfg.FilterPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (r *recorder) BodyLimit() int {
	if !r.n.cfg.IncludeBody {
		return 0
	}
	return r.n.cfg.MaxBodyBytes
}

func (r *recorder) Complete(ex *format.Exchange) {
	if r.n.isClosed() {
		return
	}
	r.n.record(ex)
}

func (r *recorder) ServerEvent(eventType, detail string, sev storage.Severity) {
	n := r.n
	if n.isClosed() {
		return
	}
	if eventType == storage.EventNewConnection && !n.cfg.SystemEvents {
		return
	}
	switch sev {
	case storage.SeverityError:
		n.log.Error(fmt.Sprintf("%s: %s", eventType, detail))
	case storage.SeverityWarn:
		n.log.Warn(fmt.Sprintf("%s: %s", eventType, detail))
	}
	n.systemEvent(eventType, detail, sev)
}

// record is the capture path: text line, CSV row, downstream payload. None
// of the outputs depends on another.
func (n *Node) record(ex *format.Exchange) {
	if n.cfg.MaskSensitive {
		masked := *ex
		masked.RequestHeader = middleware.MaskHeader(ex.RequestHeader)
		masked.Body = middleware.MaskBody(ex.Body)
		ex = &masked
	}

	line := format.Line(ex, n.opts)
	if n.cfg.Console {
		n.log.Info(line)
	}
	if n.text != nil {
		n.text.WriteLine(format.Message(ex, n.opts))
	}

	rec := format.Record(ex, n.classifier)
	if n.store != nil {
		n.store.Append(rec)
	}

	listeners := n.payloadListeners()
	if n.emit == nil && len(listeners) == 0 {
		return
	}
	p := &storage.Payload{
		NodeID:        n.cfg.ID,
		Record:        rec,
		IsStaticAsset: n.classifier.IsStaticAsset(ex.URL),
		Line:          line,
	}
	if n.cfg.IncludeHeaders {
		p.Headers = format.FlattenHeaders(ex.RequestHeader)
	}
	if n.cfg.IncludeBody {
		p.Body = ex.Body
	}
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					n.log.Warn(fmt.Sprintf("payload subscriber failed: %v", rec))
				}
			}()
			fn(p)
		}()
	}
	if n.emit != nil {
		n.emit.push(p)
	}
}

func (n *Node) subscribeBus() {
	bus := n.deps.Bus
	if bus == nil {
		return
	}
	on := func(name string, fn func(host.Event)) {
		n.addDisposer(bus.On(name, fn))
	}
	on(host.EventFlowsStarted, func(host.Event) {
		n.systemEvent(storage.EventFlowsStarted, "", storage.SeverityInfo)
	})
	on(host.EventFlowsStopped, func(host.Event) {
		n.systemEvent(storage.EventFlowsStopped, "", storage.SeverityWarn)
	})
	on(host.EventRuntime, func(ev host.Event) {
		switch ev.ID {
		case host.RuntimeStateID:
			n.log.Info(fmt.Sprintf("Runtime state: %v", ev.Payload))
			n.systemEvent(storage.EventRuntimeState, fmt.Sprint(ev.Payload), storage.SeverityInfo)
		case host.RuntimeVersionID:
			n.systemEvent(storage.EventRuntimeVersion, fmt.Sprint(ev.Payload), storage.SeverityInfo)
		}
	})
	on(host.EventNodeAdded, func(ev host.Event) {
		n.systemEvent(storage.EventNodeTypeAdded, ev.ID, storage.SeverityInfo)
	})
	on(host.EventNodeRemoved, func(ev host.Event) {
		n.systemEvent(storage.EventNodeTypeRemoved, ev.ID, storage.SeverityInfo)
	})
	on(host.EventModuleUpdated, func(ev host.Event) {
		n.systemEvent(storage.EventModuleUpdated, ev.ID, storage.SeverityInfo)
	})
	on(host.EventProcessExit, func(ev host.Event) {
		n.systemEvent(storage.EventProcessExit, fmt.Sprint(ev.Payload), storage.SeverityWarn)
		n.flush()
	})
}

func (n *Node) subscribeSignals() {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-ch:
				if sig == syscall.SIGTERM {
					n.systemEvent(storage.EventProcessSIGTERM, "", storage.SeverityWarn)
				} else {
					n.systemEvent(storage.EventProcessSIGINT, "", storage.SeverityWarn)
				}
				n.flush()
			case <-done:
				return
			}
		}
	}()
	n.addDisposer(func() {
		signal.Stop(ch)
		close(done)
	})
}

// flush persists whatever is only held in memory.
func (n *Node) flush() {
	if b, ok := n.store.(*storage.BufferedStore); ok {
		if err := b.SaveSnapshot(); err != nil {
			n.log.Warn(fmt.Sprintf("Failed to save snapshot: %v", err))
		}
	}
}

func (n *Node) startMonitor() {
	ticker := time.NewTicker(n.cfg.MonitorInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				n.monitor()
			case <-done:
				return
			}
		}
	}()
	n.addDisposer(func() {
		ticker.Stop()
		close(done)
	})
}

// monitor runs one periodic check: memory pressure, a memory report every
// tenth tick, and store maintenance.
func (n *Node) monitor() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := m.HeapAlloc / (1024 * 1024)

	n.mu.Lock()
	n.ticks++
	tick := n.ticks
	n.mu.Unlock()

	if heapMB > uint64(n.cfg.MemoryThresholdMB) {
		n.log.Warn(fmt.Sprintf("High memory usage: %dMB heap", heapMB))
		n.systemEvent(storage.EventHighMemory, fmt.Sprintf("%dMB heap", heapMB), storage.SeverityWarn)
	}
	if tick%10 == 0 {
		n.systemEvent(storage.EventMemoryStats, fmt.Sprintf("heap=%dMB sys=%dMB goroutines=%d", heapMB, m.Sys/(1024*1024), runtime.NumGoroutine()), storage.SeverityInfo)
	}
	if n.store != nil {
		n.store.Maintain()
	}
}

// emitter delivers payloads to the sink on its own goroutine, in the order
// they were recorded.
type emitter struct {
	sink    storage.Sink
	log     host.Logger
	queue   chan *storage.Payload
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
}

const emitQueueSize = 1024

func newEmitter(sink storage.Sink, log host.Logger) *emitter {
	e := &emitter{
		sink:    sink,
		log:     log,
		queue:   make(chan *storage.Payload, emitQueueSize),
		done:    make(chan struct{}),
		timeout: 2 * time.Second,
	}
	go e.run()
	return e
}

func (e *emitter) run() {
	defer close(e.done)
	for p := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.sink.Emit(ctx, p); err != nil {
			e.log.Warn(fmt.Sprintf("Failed to emit payload: %v", err))
		}
		cancel()
	}
}

// push never blocks the request: a full queue drops the payload.
func (e *emitter) push(p *storage.Payload) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- p:
	default:
		e.log.Warn("Emit queue full, dropping payload")
	}
}

// close drains the queue, waiting at most five seconds.
func (e *emitter) close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
			e.log.Warn("Timed out draining emit queue")
		}
	})
}
