// Package configctx is the per-session broadcast point for the store
// configuration. A Scope owns one configsync.Subscription for its lifetime,
// caches the latest view, and fans it out to any number of consumers without
// each of them opening a channel of its own.
//
// A Scope is passed explicitly, either directly or attached to a
// context.Context with WithScope. Reading without one is a wiring bug and
// panics with a ScopeMissing error.
package configctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tienda-app/tienda-go/internal/configsync"
	"github.com/tienda-app/tienda-go/internal/events"
	"github.com/tienda-app/tienda-go/internal/models"
	"github.com/tienda-app/tienda-go/internal/remote"
)

// ErrScopeMissing is returned by FromContext when no open scope is attached.
var ErrScopeMissing = models.ScopeMissingError()

// Watcher is called synchronously with every new view, in order.
type Watcher func(models.ConfigView)

type watcherEntry struct {
	id int
	fn Watcher
}

// Scope holds the cached configuration for one session.
type Scope struct {
	sub    *configsync.Subscription
	bus    *events.Bus
	log    *slog.Logger
	source string

	mu       sync.RWMutex
	state    models.SubscriptionState
	closed   bool
	watchers []watcherEntry
	nextID   int

	removeListener func()
	closeOnce      sync.Once
}

// Option configures a Scope.
type Option func(*options)

type options struct {
	path string
	log  *slog.Logger
}

// WithPath overrides the watched document path.
func WithPath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithLogger sets the logger for the scope and its subscription.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Enter creates the scope's subscription and opens it. The caller must Close
// the scope when the session ends; Run does this automatically.
func Enter(ctx context.Context, src remote.Source, opts ...Option) (*Scope, error) {
	o := options{path: models.DefaultPath, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	sub := configsync.New(src, configsync.WithPath(o.path), configsync.WithLogger(o.log))
	s := &Scope{
		sub:    sub,
		bus:    events.NewBus(),
		log:    o.log,
		source: src.Name(),
		state:  sub.State(),
	}
	s.removeListener = sub.OnChange(s.update)

	if _, err := sub.Open(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("configctx: open subscription: %w", err)
	}
	s.log.Info("configctx: scope entered", "path", o.path, "source", src.Name(), "status", s.State().Status)
	return s, nil
}

// Run enters a scope, attaches it to ctx and calls fn. The scope is closed on
// every exit path, including a panic in fn, which is re-raised after release.
func Run(ctx context.Context, src remote.Source, fn func(ctx context.Context, s *Scope) error, opts ...Option) error {
	s, err := Enter(ctx, src, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(WithScope(ctx, s), s)
}

// update caches the new state and re-broadcasts it. It runs inside the
// subscription's delivery, so watchers see views in channel order.
func (s *Scope) update(st models.SubscriptionState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = st
	watchers := make([]Watcher, len(s.watchers))
	for i, w := range s.watchers {
		watchers[i] = w.fn
	}
	s.mu.Unlock()

	v := st.View()
	for _, fn := range watchers {
		if s.Closed() {
			return
		}
		fn(v)
	}
	if s.Closed() {
		return
	}
	s.bus.Publish(v)
}

// Read returns the cached view without any network round-trip.
// It panics with a ScopeMissing error if the scope has been closed.
func (s *Scope) Read() models.ConfigView {
	return s.State().View()
}

// State returns the cached subscription state.
// It panics with a ScopeMissing error if the scope has been closed.
func (s *Scope) State() models.SubscriptionState {
	if s == nil {
		panic(models.ScopeMissingError())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		panic(models.ScopeMissingError())
	}
	return s.state
}

// Path returns the watched document path.
func (s *Scope) Path() string {
	if s == nil {
		panic(models.ScopeMissingError())
	}
	return s.sub.Path()
}

// Source returns the name of the remote backend.
func (s *Scope) Source() string {
	if s == nil {
		panic(models.ScopeMissingError())
	}
	return s.source
}

// Closed reports whether the scope has been torn down. A nil scope counts as
// closed.
func (s *Scope) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Watch registers fn for every subsequent view. The returned function
// removes it. Watchers run inside the delivery: they must not block and must
// not call Close.
func (s *Scope) Watch(fn Watcher) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if !s.closed {
		s.watchers = append(s.watchers, watcherEntry{id: id, fn: fn})
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, w := range s.watchers {
				if w.id == id {
					s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe returns a buffered channel of views for streaming consumers.
// Call Unsubscribe with the same id when done. The channel is closed when the
// scope closes.
func (s *Scope) Subscribe(id string) <-chan models.ConfigView {
	return s.bus.Subscribe(id)
}

// Unsubscribe releases a channel obtained from Subscribe.
func (s *Scope) Unsubscribe(id string) {
	s.bus.Unsubscribe(id)
}

// SubscriberCount returns the number of streaming consumers.
func (s *Scope) SubscriberCount() int {
	return s.bus.SubscriberCount()
}

// Close tears the scope down: the subscription channel is released, every
// streaming consumer is closed and further reads panic. Close is idempotent.
// It waits for a delivery already in progress; no watcher runs once it returns.
func (s *Scope) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.watchers = nil
		s.mu.Unlock()

		if s.removeListener != nil {
			s.removeListener()
		}
		s.sub.Close()
		s.bus.Close()
		s.log.Info("configctx: scope closed", "path", s.sub.Path())
	})
}

type scopeKey struct{}

// WithScope returns a copy of ctx carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the open scope attached to ctx, or ErrScopeMissing.
func FromContext(ctx context.Context) (*Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok || s == nil || s.Closed() {
		return nil, ErrScopeMissing
	}
	return s, nil
}

// MustFromContext is like FromContext but panics when no open scope is attached.
func MustFromContext(ctx context.Context) *Scope {
	s, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return s
}

// Read returns the view of the scope attached to ctx. It panics with a
// ScopeMissing error when there is none.
func Read(ctx context.Context) models.ConfigView {
	return MustFromContext(ctx).Read()
}

// IsScopeMissing reports whether v, typically a recovered panic value, is a
// ScopeMissing error.
func IsScopeMissing(v any) bool {
	err, ok := v.(error)
	return ok && errors.Is(err, ErrScopeMissing)
}
