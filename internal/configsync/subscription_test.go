package configsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tienda-app/tienda-go/internal/configsync"
	"github.com/tienda-app/tienda-go/internal/models"
	"github.com/tienda-app/tienda-go/internal/remote"
)

const path = models.DefaultPath

// fakeSource hands the callback to the test instead of delivering anything.
type fakeSource struct {
	mu        sync.Mutex
	fn        func(remote.Event)
	watches   int
	cancelled int
	err       error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Watch(_ context.Context, _ string, fn func(remote.Event)) (remote.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.watches++
	f.fn = fn
	return func() {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) send(ev remote.Event) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(ev)
}

func doc(t *testing.T, v map[string]any) remote.Event {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return remote.Event{Exists: true, Data: data}
}

// collect records every state a listener receives.
type collect struct {
	mu     sync.Mutex
	states []models.SubscriptionState
}

func (c *collect) fn(st models.SubscriptionState) {
	c.mu.Lock()
	c.states = append(c.states, st)
	c.mu.Unlock()
}

func (c *collect) snapshot() []models.SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SubscriptionState(nil), c.states...)
}

func openMem(t *testing.T, src *remote.MemSource) *configsync.Subscription {
	t.Helper()
	sub := configsync.New(src)
	if _, err := sub.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(sub.Close)
	return sub
}

func TestDecode_PerFieldDefaults(t *testing.T) {
	tests := []struct {
		name string
		data string
		want models.ConfigSnapshot
	}{
		{"both true", `{"tienda_abierta":true,"hacer_pedidos":true}`, models.ConfigSnapshot{StoreOpen: true, AcceptingOrders: true}},
		{"open only", `{"tienda_abierta":true,"hacer_pedidos":false}`, models.ConfigSnapshot{StoreOpen: true}},
		{"missing orders", `{"tienda_abierta":true}`, models.ConfigSnapshot{StoreOpen: true}},
		{"missing open", `{"hacer_pedidos":true}`, models.ConfigSnapshot{AcceptingOrders: true}},
		{"missing both", `{}`, models.ConfigSnapshot{}},
		{"null field", `{"tienda_abierta":null,"hacer_pedidos":true}`, models.ConfigSnapshot{AcceptingOrders: true}},
		{"string field", `{"tienda_abierta":"true","hacer_pedidos":true}`, models.ConfigSnapshot{AcceptingOrders: true}},
		{"number field", `{"tienda_abierta":1}`, models.ConfigSnapshot{}},
		{"extra fields", `{"tienda_abierta":true,"horario":"9-18"}`, models.ConfigSnapshot{StoreOpen: true}},
		{"not an object", `true`, models.ConfigSnapshot{}},
		{"array", `[true,true]`, models.ConfigSnapshot{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := configsync.Decode(json.RawMessage(tt.data)); got != tt.want {
				t.Errorf("Decode(%s) = %+v, want %+v", tt.data, got, tt.want)
			}
		})
	}
}

func TestSubscription_IdleBeforeOpen(t *testing.T) {
	sub := configsync.New(remote.NewMemSource())
	st := sub.State()
	if st.Status != models.StatusIdle {
		t.Errorf("Status = %q, want idle", st.Status)
	}
	if !st.View().Loading {
		t.Error("idle view: Loading = false, want true")
	}
	if sub.Path() != models.DefaultPath {
		t.Errorf("Path = %q, want %q", sub.Path(), models.DefaultPath)
	}
}

func TestSubscription_LoadingUntilFirstEvent(t *testing.T) {
	src := &fakeSource{}
	sub := configsync.New(src)
	defer sub.Close()
	if _, err := sub.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := sub.State()
	if st.Status != models.StatusLoading {
		t.Errorf("Status = %q, want loading", st.Status)
	}
	v := st.View()
	if !v.Loading || v.StoreOpen || v.AcceptingOrders || v.Error != nil {
		t.Errorf("loading view = %+v", v)
	}

	src.send(doc(t, map[string]any{"tienda_abierta": true}))
	if st := sub.State(); st.Status != models.StatusLive || !st.HasSnapshot {
		t.Errorf("after first event = %+v, want live with snapshot", st)
	}
}

func TestSubscription_ScenarioOpenNotAccepting(t *testing.T) {
	src := remote.NewMemSource()
	src.Set(path, map[string]any{"tienda_abierta": true, "hacer_pedidos": false})
	sub := openMem(t, src)

	st := sub.State()
	if st.Status != models.StatusLive {
		t.Fatalf("Status = %q, want live", st.Status)
	}
	want := models.ConfigSnapshot{StoreOpen: true, AcceptingOrders: false}
	if st.Snapshot != want {
		t.Errorf("Snapshot = %+v, want %+v", st.Snapshot, want)
	}
	if st.Err != nil {
		t.Errorf("Err = %v, want nil", st.Err)
	}
	if v := st.View(); v.Error != nil || v.Loading {
		t.Errorf("View = %+v, want no error, not loading", v)
	}
}

func TestSubscription_ScenarioDocumentAbsent(t *testing.T) {
	src := remote.NewMemSource()
	sub := openMem(t, src)

	st := sub.State()
	if st.Status != models.StatusErrored {
		t.Fatalf("Status = %q, want errored", st.Status)
	}
	if st.Snapshot != (models.ConfigSnapshot{}) {
		t.Errorf("Snapshot = %+v, want fail-closed", st.Snapshot)
	}
	if !errors.Is(st.Err, models.NotFoundError()) {
		t.Errorf("Err = %v, want NotFound", st.Err)
	}
	if got := st.View().ErrorString(); got != "No se encontró la configuración" {
		t.Errorf("error = %q", got)
	}
}

func TestSubscription_NotFoundOverwritesLiveValue(t *testing.T) {
	src := remote.NewMemSource()
	src.Set(path, map[string]any{"tienda_abierta": true, "hacer_pedidos": true})
	sub := openMem(t, src)

	src.Delete(path)
	st := sub.State()
	if st.Snapshot != (models.ConfigSnapshot{}) {
		t.Errorf("after delete: Snapshot = %+v, want fail-closed", st.Snapshot)
	}
	if models.KindOf(st.Err) != models.KindNotFound {
		t.Errorf("after delete: kind = %q, want NotFound", models.KindOf(st.Err))
	}
}

func TestSubscription_ScenarioTransportErrorKeepsLastGood(t *testing.T) {
	src := remote.NewMemSource()
	src.Set(path, map[string]any{"tienda_abierta": true, "hacer_pedidos": true})
	sub := openMem(t, src)

	cause := errors.New("connection reset")
	src.Fail(path, cause)

	st := sub.State()
	if st.Status != models.StatusErrored {
		t.Fatalf("Status = %q, want errored", st.Status)
	}
	want := models.ConfigSnapshot{StoreOpen: true, AcceptingOrders: true}
	if st.Snapshot != want {
		t.Errorf("Snapshot = %+v, want %+v retained", st.Snapshot, want)
	}
	if !errors.Is(st.Err, cause) {
		t.Errorf("Err = %v, want wrapping cause", st.Err)
	}
	if got := st.View().ErrorString(); got != "Error al conectar con Firebase" {
		t.Errorf("error = %q", got)
	}
}

func TestSubscription_TransportErrorBeforeAnyValueFailsClosed(t *testing.T) {
	src := &fakeSource{}
	sub := configsync.New(src)
	defer sub.Close()
	sub.Open(context.Background())

	src.send(remote.Event{Err: errors.New("permission denied")})
	st := sub.State()
	if st.Snapshot != (models.ConfigSnapshot{}) || st.HasSnapshot {
		t.Errorf("state = %+v, want fail-closed without snapshot", st)
	}
	if st.View().Loading {
		t.Error("errored view reports loading")
	}
}

func TestSubscription_RecoveryClearsError(t *testing.T) {
	src := remote.NewMemSource()
	sub := openMem(t, src)

	src.Fail(path, errors.New("offline"))
	src.Set(path, map[string]any{"hacer_pedidos": true})

	st := sub.State()
	if st.Status != models.StatusLive || st.Err != nil {
		t.Errorf("state = %+v, want live without error", st)
	}
	if st.Snapshot != (models.ConfigSnapshot{AcceptingOrders: true}) {
		t.Errorf("Snapshot = %+v", st.Snapshot)
	}
}

func TestSubscription_OpenIsIdempotent(t *testing.T) {
	src := remote.NewMemSource()
	sub := configsync.New(src)
	defer sub.Close()

	h1, err := sub.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := sub.Open(context.Background())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if h1 != h2 {
		t.Error("second Open returned a different handle")
	}
	if h1.ID == "" || h1.Path != path || h1.Source != "mem" {
		t.Errorf("handle = %+v", h1)
	}
	if n := src.WatcherCount(); n != 1 {
		t.Errorf("WatcherCount = %d, want 1", n)
	}

	var c collect
	sub.OnChange(c.fn)
	src.Set(path, map[string]any{"tienda_abierta": true})
	if n := len(c.snapshot()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	never := configsync.New(remote.NewMemSource())
	never.Close()
	never.Close()
	if st := never.State(); st.Status != models.StatusClosed {
		t.Errorf("never-opened Close: Status = %q, want closed", st.Status)
	}

	src := remote.NewMemSource()
	sub := configsync.New(src)
	sub.Open(context.Background())
	sub.Close()
	sub.Close()
	if n := src.WatcherCount(); n != 0 {
		t.Errorf("WatcherCount after Close = %d, want 0", n)
	}
	if _, err := sub.Open(context.Background()); !errors.Is(err, configsync.ErrClosed) {
		t.Errorf("Open after Close error = %v, want ErrClosed", err)
	}
}

func TestSubscription_EventAfterCloseDiscarded(t *testing.T) {
	src := &fakeSource{}
	sub := configsync.New(src)
	sub.Open(context.Background())
	src.send(doc(t, map[string]any{"tienda_abierta": true}))

	var c collect
	sub.OnChange(c.fn)
	sub.Close()

	// A queued event that the channel already dispatched arrives late.
	src.send(doc(t, map[string]any{"hacer_pedidos": true}))

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("notifications after Close = %d, want 0", n)
	}
	st := sub.State()
	if st.Status != models.StatusClosed {
		t.Errorf("Status = %q, want closed", st.Status)
	}
	if st.Snapshot.AcceptingOrders {
		t.Error("late event was applied")
	}
	if src.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", src.cancelled)
	}
}

func TestSubscription_WatchFailureIsFunnelled(t *testing.T) {
	src := &fakeSource{err: errors.New("dial tcp: refused")}
	sub := configsync.New(src)
	defer sub.Close()

	h, err := sub.Open(context.Background())
	if err != nil {
		t.Fatalf("Open error = %v, want nil (funnelled into state)", err)
	}
	if h == nil {
		t.Fatal("Open returned nil handle")
	}
	st := sub.State()
	if st.Status != models.StatusErrored || models.KindOf(st.Err) != models.KindTransport {
		t.Errorf("state = %+v, want errored/TransportError", st)
	}
}

func TestSubscription_ListenersSeeSameOrderedSequence(t *testing.T) {
	src := remote.NewMemSource()
	sub := openMem(t, src)

	var a, b collect
	sub.OnChange(a.fn)
	sub.OnChange(b.fn)

	seq := []map[string]any{
		{"tienda_abierta": true, "hacer_pedidos": false},
		{"tienda_abierta": true, "hacer_pedidos": true},
		{"tienda_abierta": false},
		{},
	}
	for _, d := range seq {
		src.Set(path, d)
	}
	src.Fail(path, errors.New("blip"))
	src.Delete(path)

	got, other := a.snapshot(), b.snapshot()
	if len(got) != len(seq)+2 {
		t.Fatalf("listener a got %d states, want %d", len(got), len(seq)+2)
	}
	if len(other) != len(got) {
		t.Fatalf("listener b got %d states, a got %d", len(other), len(got))
	}
	for i := range got {
		if got[i].Snapshot != other[i].Snapshot || got[i].Status != other[i].Status {
			t.Errorf("state %d differs: a=%+v b=%+v", i, got[i], other[i])
		}
	}
	if got[0].Snapshot != (models.ConfigSnapshot{StoreOpen: true}) {
		t.Errorf("first = %+v", got[0].Snapshot)
	}
	if got[2].Snapshot != (models.ConfigSnapshot{}) {
		t.Errorf("third = %+v", got[2].Snapshot)
	}
}

func TestSubscription_RemoveListener(t *testing.T) {
	src := remote.NewMemSource()
	sub := openMem(t, src)

	var c collect
	remove := sub.OnChange(c.fn)
	src.Set(path, map[string]any{"tienda_abierta": true})
	remove()
	remove()
	src.Set(path, map[string]any{"tienda_abierta": false})

	if n := len(c.snapshot()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestSubscription_CustomPath(t *testing.T) {
	src := remote.NewMemSource()
	src.Set("tiendas/centro/configuracion", map[string]any{"tienda_abierta": true})
	sub := configsync.New(src, configsync.WithPath("tiendas/centro/configuracion"))
	defer sub.Close()
	sub.Open(context.Background())

	if !sub.State().Snapshot.StoreOpen {
		t.Error("custom path snapshot not decoded")
	}
}

func TestSubscription_CloseWaitsForInFlightDelivery(t *testing.T) {
	src := &fakeSource{}
	sub := configsync.New(src)
	sub.Open(context.Background())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sub.OnChange(func(models.SubscriptionState) {
		once.Do(func() { close(entered) })
		<-release
	})
	var late collect
	sub.OnChange(late.fn)

	go src.send(doc(t, map[string]any{"tienda_abierta": true}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("event was never delivered")
	}

	closed := make(chan struct{})
	go func() {
		sub.Close()
		close(closed)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sub.State().Status != models.StatusClosed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	select {
	case <-closed:
		t.Fatal("Close returned while a listener was still running")
	default:
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the delivery finished")
	}

	if n := len(late.snapshot()); n != 0 {
		t.Errorf("second listener notified %d times by a delivery Close interrupted", n)
	}
	if st := sub.State(); st.Status != models.StatusClosed {
		t.Errorf("Status = %q, want closed", st.Status)
	}
}
