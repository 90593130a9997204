package remote

import (
	"context"
	"sync"
)

// MemSource is an in-memory Source for tests and local development.
// Mutations are delivered synchronously to every active watcher before the
// mutating call returns. A mutation made while a delivery is running, from a
// watcher or another goroutine, is queued and delivered in order by that
// running delivery.
type MemSource struct {
	mu       sync.Mutex
	docs     map[string]any
	watchers map[int]*memWatch
	nextID   int
	queue    []memDelivery
	draining bool
}

type memWatch struct {
	path string
	fn   func(Event)
}

// memDelivery is one event bound for the watchers registered when it was
// emitted.
type memDelivery struct {
	ids []int
	ev  Event
}

// NewMemSource returns an empty in-memory source.
func NewMemSource() *MemSource {
	return &MemSource{
		docs:     make(map[string]any),
		watchers: make(map[int]*memWatch),
	}
}

// Name returns "mem".
func (m *MemSource) Name() string { return "mem" }

// Watch registers fn and delivers the current document before returning,
// or queues it when called from inside a delivery.
func (m *MemSource) Watch(_ context.Context, path string, fn func(Event)) (CancelFunc, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = &memWatch{path: p, fn: fn}
	m.dispatchLocked(memDelivery{ids: []int{id}, ev: documentEvent(m.docs[p])})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}, nil
}

// Set replaces the document at path.
func (m *MemSource) Set(path string, doc map[string]any) {
	p, err := cleanPath(path)
	if err != nil {
		return
	}
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	m.mu.Lock()
	m.docs[p] = cp
	m.emitLocked(p, documentEvent(cp))
}

// Delete removes the document at path.
func (m *MemSource) Delete(path string) {
	p, err := cleanPath(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.docs, p)
	m.emitLocked(p, Event{})
}

// Fail delivers a channel failure to watchers of path. The stored document is kept.
func (m *MemSource) Fail(path string, err error) {
	p, cerr := cleanPath(path)
	if cerr != nil {
		return
	}
	m.mu.Lock()
	m.emitLocked(p, Event{Err: err})
}

// WatcherCount returns the number of active watches.
func (m *MemSource) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// emitLocked queues ev for the watchers of path. It is called with m.mu held
// and returns with it released.
func (m *MemSource) emitLocked(path string, ev Event) {
	var ids []int
	for id := 0; id < m.nextID; id++ {
		if w, ok := m.watchers[id]; ok && w.path == path {
			ids = append(ids, id)
		}
	}
	m.dispatchLocked(memDelivery{ids: ids, ev: ev})
}

// dispatchLocked queues d and, unless a delivery is already running, drains
// the queue. It is called with m.mu held and returns with it released.
func (m *MemSource) dispatchLocked(d memDelivery) {
	m.queue = append(m.queue, d)
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.mu.Lock()
			m.draining = false
			m.queue = nil
			m.mu.Unlock()
			panic(r)
		}
	}()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		for _, id := range next.ids {
			m.mu.Lock()
			w, ok := m.watchers[id]
			m.mu.Unlock()
			if ok {
				w.fn(next.ev)
			}
		}
	}
}

var _ Source = (*MemSource)(nil)
