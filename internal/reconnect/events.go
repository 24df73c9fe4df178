package reconnect

import "sync"

// Listener receives lifecycle events from an Engine. Callbacks run on the
// goroutine that observed the event and must not block for long.
type Listener interface {
	// OnDisconnect fires for every failure signal observed on the active transport.
	OnDisconnect(sig Signal)
	// OnReconnect fires once per successful recovery with the new transport.
	// Subscribers must treat t as the new active connection.
	OnReconnect(t Transport)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Disconnect func(sig Signal)
	Reconnect  func(t Transport)
}

func (f ListenerFuncs) OnDisconnect(sig Signal) {
	if f.Disconnect != nil {
		f.Disconnect(sig)
	}
}

func (f ListenerFuncs) OnReconnect(t Transport) {
	if f.Reconnect != nil {
		f.Reconnect(t)
	}
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

// listeners is a thread-safe, ordered set of subscribers.
type listeners struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []listenerEntry
}

func (l *listeners) add(listener Listener) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, listenerEntry{id: id, listener: listener})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listeners) snapshot() []Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Listener, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.listener
	}
	return out
}

func (l *listeners) disconnect(sig Signal) {
	for _, listener := range l.snapshot() {
		listener.OnDisconnect(sig)
	}
}

func (l *listeners) reconnect(t Transport) {
	for _, listener := range l.snapshot() {
		listener.OnReconnect(t)
	}
}

func (l *listeners) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
