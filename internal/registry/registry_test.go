package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

type fakeInstanceStore struct {
	byName map[string]store.InstanceConfig
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{byName: map[string]store.InstanceConfig{}}
}

func (f *fakeInstanceStore) Create(ctx context.Context, cfg store.InstanceConfig) error {
	if _, ok := f.byName[cfg.Name]; ok {
		return store.ErrInstanceConflict
	}
	f.byName[cfg.Name] = cfg
	return nil
}

func (f *fakeInstanceStore) Get(ctx context.Context, name string) (store.InstanceConfig, error) {
	cfg, ok := f.byName[name]
	if !ok {
		return store.InstanceConfig{}, store.ErrInstanceNotFound
	}
	return cfg, nil
}

func (f *fakeInstanceStore) List(ctx context.Context) ([]store.InstanceConfig, error) {
	var out []store.InstanceConfig
	for _, cfg := range f.byName {
		out = append(out, cfg)
	}
	return out, nil
}

func (f *fakeInstanceStore) Update(ctx context.Context, cfg store.InstanceConfig) error {
	if _, ok := f.byName[cfg.Name]; !ok {
		return store.ErrInstanceNotFound
	}
	f.byName[cfg.Name] = cfg
	return nil
}

func (f *fakeInstanceStore) Delete(ctx context.Context, name string) error {
	if len(f.byName) <= 1 {
		return store.ErrSoleInstance
	}
	delete(f.byName, name)
	return nil
}

func TestCreateAndLoad(t *testing.T) {
	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	cfg := store.InstanceConfig{Name: "prod-wa", ChannelType: "whatsapp"}
	if err := r.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := r.Status("prod-wa")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateReady {
		t.Fatalf("expected ready state after load, got %s", status.State)
	}
}

func TestDeleteSoleInstanceRefused(t *testing.T) {
	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	cfg := store.InstanceConfig{Name: "only-one", ChannelType: "discord"}
	if err := r.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := r.Delete(context.Background(), "only-one")
	if err == nil {
		t.Fatal("expected error deleting the sole remaining instance")
	}
}

func TestConnectUnknownChannelType(t *testing.T) {
	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	cfg := store.InstanceConfig{Name: "weird", ChannelType: "telegram"}
	if err := r.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.Connect(context.Background(), "weird"); err == nil {
		t.Fatal("expected error connecting an unknown channel type")
	}

	status, err := r.Status("weird")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateError {
		t.Fatalf("expected error state, got %s", status.State)
	}
}

func TestConnectUnknownInstance(t *testing.T) {
	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	if err := r.Connect(context.Background(), "missing"); err != store.ErrInstanceNotFound {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestListStatusSnapshot(t *testing.T) {
	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	for _, name := range []string{"a", "b"} {
		cfg := store.InstanceConfig{Name: name, ChannelType: "discord"}
		if err := r.Create(context.Background(), cfg); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}

	statuses := r.ListStatus()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

// TestInstanceContextLifecycle verifies the per-instance context returned by
// InstanceContext (and consumed by router.InstanceLifecycle) is live before
// Connect, stays live across a successful Connect, is cancelled by
// Disconnect, and a later access returns a fresh live context rather than
// the cancelled one.
func TestInstanceContextLifecycle(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"instance":{"state":"open"}}`))
	}))
	defer gw.Close()

	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	cfg := store.InstanceConfig{
		Name:        "prod-wa",
		ChannelType: "whatsapp",
		Credentials: map[string]string{
			store.CredEvolutionURL:       gw.URL,
			store.CredWhatsAppInstanceID: "inst1",
		},
	}
	if err := r.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := r.InstanceContext("prod-wa")
	if before.Err() != nil {
		t.Fatal("expected a live context before Connect")
	}

	if err := r.Connect(context.Background(), "prod-wa"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	duringConnect := r.InstanceContext("prod-wa")
	if duringConnect != before {
		t.Fatal("expected Connect to reuse the same lifecycle context")
	}
	if duringConnect.Err() != nil {
		t.Fatal("expected the lifecycle context to still be live after Connect")
	}

	if err := r.Disconnect(context.Background(), "prod-wa"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if before.Err() == nil {
		t.Fatal("expected Disconnect to cancel the lifecycle context")
	}

	after := r.InstanceContext("prod-wa")
	if after == before {
		t.Fatal("expected a fresh lifecycle context after Disconnect")
	}
	if after.Err() != nil {
		t.Fatal("expected the fresh lifecycle context to be live")
	}
}

func TestInstanceContextUnknownInstance(t *testing.T) {
	fs := newFakeInstanceStore()
	r := New(fs, bus.New())

	ctx := r.InstanceContext("missing")
	if ctx.Err() != nil {
		t.Fatal("expected a live background context for an unknown instance")
	}
}

func TestCredentialsChanged(t *testing.T) {
	a := map[string]string{"discord_bot_token": "x"}
	b := map[string]string{"discord_bot_token": "y"}
	if !credentialsChanged(a, b) {
		t.Fatal("expected change to be detected")
	}
	if credentialsChanged(a, a) {
		t.Fatal("expected no change for identical maps")
	}
}
