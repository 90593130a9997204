// Package configsync maintains a live, validated snapshot of the remote store
// configuration document.
//
// A Subscription owns exactly one watch on a remote.Source. It moves through
// idle → loading → live/errored and finally closed; every transition is
// delivered synchronously to registered listeners, in order.
package configsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tienda-app/tienda-go/internal/models"
	"github.com/tienda-app/tienda-go/internal/remote"
)

// ErrClosed is returned by Open once the subscription has been closed.
var ErrClosed = errors.New("configsync: subscription closed")

// Handle identifies the single live channel held by a Subscription.
type Handle struct {
	ID       string
	Path     string
	Source   string
	OpenedAt time.Time
}

// Listener receives every state transition.
type Listener func(models.SubscriptionState)

type listenerEntry struct {
	id int
	fn Listener
}

// Subscription keeps one live channel to a configuration document.
type Subscription struct {
	src  remote.Source
	path string
	log  *slog.Logger
	now  func() time.Time

	// deliver serializes event handling so listeners observe one order.
	deliver sync.Mutex

	mu        sync.Mutex
	state     models.SubscriptionState
	handle    *Handle
	cancel    remote.CancelFunc
	gen       uint64
	closed    bool
	listeners []listenerEntry
	nextID    int
}

// Option configures a Subscription.
type Option func(*Subscription)

// WithPath overrides the document path (default models.DefaultPath).
func WithPath(path string) Option {
	return func(s *Subscription) { s.path = path }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscription) { s.log = l }
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Subscription) { s.now = now }
}

// New creates an idle subscription over src.
func New(src remote.Source, opts ...Option) *Subscription {
	s := &Subscription{
		src:  src,
		path: models.DefaultPath,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = models.SubscriptionState{Status: models.StatusIdle, UpdatedAt: s.now()}
	return s
}

// Path returns the watched document path.
func (s *Subscription) Path() string { return s.path }

// Open establishes the live channel. Calling Open while open returns the
// existing handle without starting a second watch. Failures to establish the
// channel are reported through the state as a TransportError, not returned.
func (s *Subscription) Open(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.handle = &Handle{
		ID:       uuid.New().String(),
		Path:     s.path,
		Source:   s.src.Name(),
		OpenedAt: s.now(),
	}
	s.gen++
	gen := s.gen
	h := s.handle
	s.mu.Unlock()

	s.transition(gen, func(st *models.SubscriptionState) {
		st.Status = models.StatusLoading
	})

	cancel, err := s.src.Watch(ctx, s.path, func(ev remote.Event) {
		s.handleEvent(gen, ev)
	})
	if err != nil {
		s.log.Error("configsync: open channel failed", "path", s.path, "source", s.src.Name(), "err", err)
		s.transition(gen, func(st *models.SubscriptionState) {
			st.Status = models.StatusErrored
			st.Err = models.TransportError(err)
		})
		return h, nil
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		cancel()
		return h, nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Debug("configsync: channel open", "path", s.path, "source", s.src.Name(), "handle", h.ID)
	return h, nil
}

// Close releases the channel. It is safe to call more than once and on a
// subscription that was never opened. Events arriving afterwards are discarded.
//
// Close waits for a delivery already in progress, so no listener runs once it
// returns. It must not be called from inside a listener.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	cancel := s.cancel
	s.cancel = nil
	s.state.Status = models.StatusClosed
	s.state.UpdatedAt = s.now()
	s.listeners = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait out a delivery that started before closed was set.
	s.deliver.Lock()
	s.deliver.Unlock()
	s.log.Debug("configsync: closed", "path", s.path)
}

// State returns the current state.
func (s *Subscription) State() models.SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnChange registers fn for every subsequent transition. The returned
// function removes it. Listeners run inside the delivery and must not call
// Close; mutations of a MemSource made from a listener are queued behind it.
func (s *Subscription) OnChange(fn Listener) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if !s.closed {
		s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// handleEvent decodes one channel event and applies the matching transition.
func (s *Subscription) handleEvent(gen uint64, ev remote.Event) {
	switch {
	case ev.Err != nil:
		s.log.Warn("configsync: channel error", "path", s.path, "err", ev.Err)
		s.transition(gen, func(st *models.SubscriptionState) {
			st.Status = models.StatusErrored
			st.Err = models.TransportError(ev.Err)
		})
	case !ev.Exists:
		s.log.Warn("configsync: document not found", "path", s.path)
		s.transition(gen, func(st *models.SubscriptionState) {
			st.Status = models.StatusErrored
			st.Err = models.NotFoundError()
			st.Snapshot = models.ConfigSnapshot{}
			st.HasSnapshot = false
		})
	default:
		snap := Decode(ev.Data)
		applied := s.transition(gen, func(st *models.SubscriptionState) {
			st.Status = models.StatusLive
			st.Err = nil
			st.Snapshot = snap
			st.HasSnapshot = true
		})
		if applied {
			s.log.Debug("configsync: snapshot", "path", s.path,
				"storeOpen", snap.StoreOpen, "acceptingOrders", snap.AcceptingOrders)
		}
	}
}

// transition applies fn to a copy of the state and notifies listeners, unless
// gen is stale (the subscription closed since the event was produced).
// Listeners are skipped from the moment Close starts, even mid-delivery.
func (s *Subscription) transition(gen uint64, fn func(*models.SubscriptionState)) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return false
	}
	next := s.state
	fn(&next)
	next.UpdatedAt = s.now()
	s.state = next
	listeners := make([]Listener, len(s.listeners))
	for i, l := range s.listeners {
		listeners[i] = l.fn
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		if !s.current(gen) {
			break
		}
		fn(next)
	}
	return true
}

// current reports whether events of generation gen may still be delivered.
func (s *Subscription) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}
