package host

import (
	"log"
	"sync"
)

// Runtime event names.
const (
	EventFlowsStarted  = "flows:started"
	EventFlowsStopped  = "flows:stopped"
	EventRuntime       = "runtime-event"
	EventNodeAdded     = "registry:node-added"
	EventNodeRemoved   = "registry:node-removed"
	EventModuleUpdated = "registry:module-updated"
	EventProcessExit   = "process:exit"
	RuntimeStateID     = "runtime-state"
	RuntimeVersionID   = "runtime-version"
)

// Event is one message on the bus. ID carries the runtime-event id, the
// node type or the module name depending on the event.
type Event struct {
	Name    string
	ID      string
	Payload interface{}
}

// Bus is an in-process publish/subscribe bus. Handlers run synchronously on
// the publisher's goroutine.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string]map[uint64]func(Event)
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]func(Event))}
}

// On subscribes fn to events named name. The returned function removes the
// subscription and is safe to call more than once.
func (b *Bus) On(name string, fn func(Event)) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]func(Event))
	}
	b.handlers[name][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[name], id)
			if len(b.handlers[name]) == 0 {
				delete(b.handlers, name)
			}
			b.mu.Unlock()
		})
	}
}

// Emit delivers ev to every subscriber of ev.Name. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.handlers[ev.Name]))
	for _, fn := range b.handlers[ev.Name] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[EVENTS] handler for %s panicked: %v", ev.Name, r)
				}
			}()
			fn(ev)
		}()
	}
}

// Subscribers reports how many handlers are registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
