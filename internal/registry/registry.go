// Package registry implements the Instance Registry (C2): an in-memory map
// of running channel instances plus a read-through cache of their configs,
// grounded on the gateway's channels.Manager (map + sync.RWMutex lifecycle)
// and instance_loader.go's DB-backed hydration at startup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/channels"
	"github.com/namastexlabs/automagik-omni/internal/channels/discord"
	"github.com/namastexlabs/automagik-omni/internal/channels/whatsapp"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// State is a position in the instance lifecycle state machine (§4.2).
type State string

const (
	StateUnloaded     State = "unloaded"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError        State = "error"
)

var (
	ErrUnknownChannelType = errors.New("registry: unknown channel_type")
	ErrAlreadyConnecting  = errors.New("registry: instance is already connecting")
)

// runningInstance is one entry in the registry's in-memory map.
type runningInstance struct {
	mu sync.Mutex // exclusivity: serializes connect/disconnect/restart for this instance

	cfg     store.InstanceConfig
	adapter channels.Channel

	state          State
	lastTransition time.Time
	lastError      string

	// ctx/cancel are this instance's lifecycle cancellation scope: the same
	// context passed to adapter.Start, and the one the Message Router
	// chains its per-task instanceCtx to (router.InstanceLifecycle),
	// so Disconnect/Delete cancels both the adapter's connection and any
	// pending/in-flight router task for this instance (§5). Cancelled by
	// Disconnect; lazily recreated by ensureLifecycleLocked on next access.
	ctx    context.Context
	cancel context.CancelFunc
}

// ensureLifecycleLocked returns ri's current lifecycle context, creating a
// fresh one if this is the first access since load or the previous one was
// cancelled by Disconnect/Delete. Caller must hold ri.mu.
func ensureLifecycleLocked(ri *runningInstance) context.Context {
	if ri.ctx == nil || ri.ctx.Err() != nil {
		ri.ctx, ri.cancel = context.WithCancel(context.Background())
	}
	return ri.ctx
}

// StatusView is the admin-facing snapshot of one instance's registry state.
type StatusView struct {
	Name               string
	State              State
	LastStateTransition time.Time
	LastError          string
}

// Registry is the process-wide singleton instance map.
type Registry struct {
	instances store.InstanceStore
	bus       *bus.MessageBus

	mu      sync.RWMutex
	running map[string]*runningInstance

	inboundMu sync.RWMutex
	inbound   bus.InboundHandler
}

func New(instances store.InstanceStore, msgBus *bus.MessageBus) *Registry {
	return &Registry{
		instances: instances,
		bus:       msgBus,
		running:   make(map[string]*runningInstance),
	}
}

// SetInboundHandler installs the Message Router's bus.InboundHandler. Every
// instance already loaded (and every instance loaded hereafter) is
// subscribed to the bus under this handler, so a Channel Adapter's inbound
// events reach the router regardless of load order between Registry
// construction and router construction.
func (r *Registry) SetInboundHandler(handler bus.InboundHandler) {
	r.inboundMu.Lock()
	r.inbound = handler
	r.inboundMu.Unlock()

	r.mu.RLock()
	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.bus.Subscribe(name, handler)
	}
}

// LoadAll hydrates the registry from the Config Store at startup, loading
// (but not necessarily connecting) every persisted instance.
func (r *Registry) LoadAll(ctx context.Context) error {
	cfgs, err := r.instances.List(ctx)
	if err != nil {
		return fmt.Errorf("registry: list instances: %w", err)
	}
	for _, cfg := range cfgs {
		if err := r.load(cfg); err != nil {
			slog.Error("registry: failed to load instance", "instance", cfg.Name, "error", err)
			continue
		}
		if cfg.IsActive {
			if err := r.Connect(ctx, cfg.Name); err != nil {
				slog.Error("registry: failed to connect instance at startup", "instance", cfg.Name, "error", err)
			}
		}
	}
	return nil
}

func (r *Registry) load(cfg store.InstanceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ri, ok := r.running[cfg.Name]
	if !ok {
		ri = &runningInstance{state: StateUnloaded}
		r.running[cfg.Name] = ri
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()

	ri.cfg = cfg
	r.transition(ri, StateReady, "")

	r.inboundMu.RLock()
	handler := r.inbound
	r.inboundMu.RUnlock()
	if handler != nil {
		r.bus.Subscribe(cfg.Name, handler)
	}
	return nil
}

// newAdapter builds the Channel Adapter variant for cfg.ChannelType. This
// is the registry's sole factory — each variant is instantiated exactly
// once per running instance, preserving §4.2's exclusivity invariant.
func (r *Registry) newAdapter(cfg store.InstanceConfig) (channels.Channel, error) {
	switch cfg.ChannelType {
	case "discord":
		return discord.New(cfg.Name, cfg.Credentials[store.CredDiscordBotToken], r.bus)
	case "whatsapp":
		return whatsapp.New(
			cfg.Name,
			cfg.Credentials[store.CredEvolutionURL],
			cfg.Credentials[store.CredEvolutionKey],
			cfg.Credentials[store.CredWhatsAppInstanceID],
			r.bus,
		)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannelType, cfg.ChannelType)
	}
}

// Create persists a new instance and loads it (ready, not connected).
func (r *Registry) Create(ctx context.Context, cfg store.InstanceConfig) error {
	if err := r.instances.Create(ctx, cfg); err != nil {
		return fmt.Errorf("registry: create instance: %w", err)
	}
	return r.load(cfg)
}

// Delete disconnects (if connected) and removes an instance. Refuses to
// delete the sole remaining instance (enforced by the Config Store).
func (r *Registry) Delete(ctx context.Context, name string) error {
	_ = r.Disconnect(ctx, name)

	if err := r.instances.Delete(ctx, name); err != nil {
		return fmt.Errorf("registry: delete instance: %w", err)
	}

	r.bus.Unsubscribe(name)
	r.mu.Lock()
	ri, ok := r.running[name]
	delete(r.running, name)
	r.mu.Unlock()
	if ok {
		ri.mu.Lock()
		if ri.cancel != nil {
			ri.cancel()
		}
		ri.mu.Unlock()
	}
	return nil
}

// Update applies a config change. Credential changes force a restart;
// other fields (agent URL, timeouts, auto_split) apply immediately without
// disturbing an active connection (§4.2 hot reload).
func (r *Registry) Update(ctx context.Context, cfg store.InstanceConfig) error {
	if err := r.instances.Update(ctx, cfg); err != nil {
		return fmt.Errorf("registry: update instance: %w", err)
	}

	r.mu.RLock()
	ri, ok := r.running[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return r.load(cfg)
	}

	ri.mu.Lock()
	credsChanged := credentialsChanged(ri.cfg.Credentials, cfg.Credentials)
	wasConnected := ri.state == StateConnected
	ri.cfg = cfg
	ri.mu.Unlock()

	if credsChanged && wasConnected {
		return r.Restart(ctx, cfg.Name)
	}
	return nil
}

func credentialsChanged(a, b map[string]string) bool {
	if len(a) != len(b) {
		return true
	}
	for k, v := range a {
		if b[k] != v {
			return true
		}
	}
	return false
}

// Connect brings an instance from ready to connected, serialized on the
// instance's own lock. A duplicate concurrent connect call observes the
// lock and returns once the first call has settled, without starting a
// second adapter. The adapter is started against the instance's own
// lifecycle context (ensureLifecycleLocked), not the caller's ctx — the
// caller's ctx may be a short-lived request context (an HTTP handler's
// r.Context()) that outlives neither the adapter's connection nor the
// Message Router's in-flight tasks for this instance, both of which must
// stay alive until Disconnect/Delete, not until this call returns.
func (r *Registry) Connect(ctx context.Context, name string) error {
	ri, err := r.get(name)
	if err != nil {
		return err
	}

	ri.mu.Lock()
	defer ri.mu.Unlock()

	if ri.state == StateConnected || ri.state == StateConnecting {
		return nil
	}

	adapter, err := r.newAdapter(ri.cfg)
	if err != nil {
		r.transition(ri, StateError, err.Error())
		return fmt.Errorf("registry: build adapter for %s: %w", name, err)
	}

	r.transition(ri, StateConnecting, "")
	instanceCtx := ensureLifecycleLocked(ri)

	if err := adapter.Start(instanceCtx); err != nil {
		r.transition(ri, StateError, err.Error())
		return fmt.Errorf("registry: start adapter for %s: %w", name, err)
	}

	ri.adapter = adapter
	r.transition(ri, StateConnected, "")
	return nil
}

// Disconnect tears an instance's adapter down, returning it to ready.
// Cancelling ri.cancel here cancels the same lifecycle context the Message
// Router chains its in-flight tasks' instanceCtx to (InstanceContext,
// router.InstanceLifecycle), so a disconnect cancels pending/in-flight
// router work for this instance, not just the adapter's connection (§5).
func (r *Registry) Disconnect(ctx context.Context, name string) error {
	ri, err := r.get(name)
	if err != nil {
		return err
	}

	ri.mu.Lock()
	defer ri.mu.Unlock()

	if ri.adapter == nil {
		return nil
	}

	r.transition(ri, StateDisconnecting, "")
	if ri.cancel != nil {
		ri.cancel()
	}
	if err := ri.adapter.Stop(ctx); err != nil {
		r.transition(ri, StateError, err.Error())
		return fmt.Errorf("registry: stop adapter for %s: %w", name, err)
	}
	ri.adapter = nil
	r.transition(ri, StateReady, "")
	return nil
}

// Restart is disconnect followed by connect under the same per-instance
// lock held by Disconnect/Connect in sequence.
func (r *Registry) Restart(ctx context.Context, name string) error {
	if err := r.Disconnect(ctx, name); err != nil {
		return err
	}
	return r.Connect(ctx, name)
}

// InstanceContext returns name's current lifecycle cancellation scope —
// live from first access until the next Disconnect/Delete, which cancels
// it. It satisfies router.InstanceLifecycle, letting the Message Router
// chain each in-flight task's instanceCtx to the same handle
// Connect passes to adapter.Start, so a disconnect or delete cancels
// pending/in-flight router work for that instance, not just the adapter's
// own connection (§5). An unknown instance name gets a background context
// with no cancellation source — there is no lifecycle to chain to.
func (r *Registry) InstanceContext(name string) context.Context {
	r.mu.RLock()
	ri, ok := r.running[name]
	r.mu.RUnlock()
	if !ok {
		return context.Background()
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ensureLifecycleLocked(ri)
}

// Adapter returns the live Channel Adapter for a connected instance, or
// bus.ErrChannelUnavailable if it is not currently connected.
func (r *Registry) Adapter(name string) (channels.Channel, error) {
	ri, err := r.get(name)
	if err != nil {
		return nil, err
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.adapter == nil {
		return nil, bus.ErrChannelUnavailable
	}
	return ri.adapter, nil
}

// Status returns the admin-facing status snapshot for one instance.
func (r *Registry) Status(name string) (StatusView, error) {
	ri, err := r.get(name)
	if err != nil {
		return StatusView{}, err
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return StatusView{
		Name:                name,
		State:               ri.state,
		LastStateTransition: ri.lastTransition,
		LastError:           ri.lastError,
	}, nil
}

// ListStatus returns a consistent-as-of-now snapshot of every instance's
// status, for admin listing.
func (r *Registry) ListStatus() []StatusView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StatusView, 0, len(r.running))
	for name, ri := range r.running {
		ri.mu.Lock()
		out = append(out, StatusView{
			Name:                name,
			State:               ri.state,
			LastStateTransition: ri.lastTransition,
			LastError:           ri.lastError,
		})
		ri.mu.Unlock()
	}
	return out
}

// MarkError promotes an instance to the error state in response to an
// adapter-reported failure (e.g. loss of connection). The registry does
// not retry by itself (§4.2) — restart is user- or supervisor-initiated.
func (r *Registry) MarkError(name, reason string) {
	ri, err := r.get(name)
	if err != nil {
		return
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	r.transition(ri, StateError, reason)
}

func (r *Registry) get(name string) (*runningInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ri, ok := r.running[name]
	if !ok {
		return nil, store.ErrInstanceNotFound
	}
	return ri, nil
}

// transition updates ri.state; caller must hold ri.mu.
func (r *Registry) transition(ri *runningInstance, state State, errMsg string) {
	ri.state = state
	ri.lastTransition = time.Now().UTC()
	ri.lastError = errMsg
}

// Shutdown disconnects every connected instance. Each Disconnect call
// cancels that instance's lifecycle context (InstanceContext), which in
// turn cancels any pending/in-flight Message Router task still chained to
// it, per §5.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if err := r.Disconnect(ctx, name); err != nil {
			slog.Error("registry: shutdown disconnect failed", "instance", name, "error", err)
		}
	}
}
