package node

import (
	"errors"
	"sort"
	"sync"

	"github.com/ngoyal88/flowlog/pkg/config"
	"github.com/ngoyal88/flowlog/pkg/host"
)

// Manager is the registry of running nodes.
type Manager struct {
	deps  Deps
	mu    sync.RWMutex
	nodes map[string]*Node
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, nodes: make(map[string]*Node)}
}

// Get returns the node registered under id.
func (m *Manager) Get(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// List returns the registered nodes ordered by id.
func (m *Manager) List() []*Node {
	m.mu.RLock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Deploy replaces the running nodes with cfgs. Nodes whose id disappears
// are closed as removed, the rest as stopped. A node that fails to start
// stays registered in the error status.
func (m *Manager) Deploy(cfgs []config.NodeConfig) error {
	m.emit(host.Event{Name: host.EventFlowsStopped})

	keep := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if c.ID != "" {
			keep[c.ID] = true
		}
	}

	m.mu.Lock()
	old := m.nodes
	m.nodes = make(map[string]*Node, len(cfgs))
	m.mu.Unlock()

	var errs []error
	for id, n := range old {
		if err := n.Close(!keep[id]); err != nil {
			errs = append(errs, err)
		}
	}

	for _, c := range cfgs {
		n := New(c, m.deps)
		if err := n.Start(); err != nil {
			errs = append(errs, err)
		}
		m.mu.Lock()
		m.nodes[n.ID()] = n
		m.mu.Unlock()
	}

	m.emit(host.Event{Name: host.EventFlowsStarted})
	return errors.Join(errs...)
}

// CloseAll closes every node and empties the registry.
func (m *Manager) CloseAll(removed bool) error {
	m.mu.Lock()
	old := m.nodes
	m.nodes = make(map[string]*Node)
	m.mu.Unlock()

	var errs []error
	for _, n := range old {
		if err := n.Close(removed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) emit(ev host.Event) {
	if m.deps.Bus != nil {
		m.deps.Bus.Emit(ev)
	}
}
