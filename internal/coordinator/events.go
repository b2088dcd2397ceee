package coordinator

import (
	"encoding/json"
	"sync"
)

// EventKind names a signal the coordinator publishes to the application.
type EventKind string

const (
	EventInstallPromptAvailable EventKind = "install-prompt-available"
	EventInstallStateChanged    EventKind = "install-state-changed"
	EventUpdateAvailable        EventKind = "update-available"
	EventCacheUpdated           EventKind = "cache-updated"
	EventNotificationClick      EventKind = "notification-click"
)

// Event is one published signal.
type Event struct {
	Kind    EventKind
	State   InstallState
	Version string
	URLs    []string
	Action  string
	// Data is the notification payload's data member, relayed untouched.
	Data json.RawMessage
}

// Listener receives events of the kind it subscribed to.
type Listener func(Event)

type registry struct {
	mu        sync.RWMutex
	next      int
	listeners map[EventKind]map[int]Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[EventKind]map[int]Listener)}
}

func (r *registry) subscribe(kind EventKind, fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	if r.listeners[kind] == nil {
		r.listeners[kind] = make(map[int]Listener)
	}
	r.listeners[kind][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.listeners[kind], id)
		})
	}
}

// publish calls listeners outside the lock so they may subscribe or
// unsubscribe.
func (r *registry) publish(evt Event) {
	r.mu.RLock()
	fns := make([]Listener, 0, len(r.listeners[evt.Kind]))
	for _, fn := range r.listeners[evt.Kind] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = make(map[EventKind]map[int]Listener)
}
