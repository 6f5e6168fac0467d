// Package router implements the Message Router (C10): the
// Received → AdmissionChecked → Identified → AgentInFlight → Delivering →
// Terminal state machine every inbound event passes through, grounded on
// the gateway's channels.Manager.HandleAgentEvent dispatch shape,
// generalized into a full router.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/access"
	"github.com/namastexlabs/automagik-omni/internal/agentclient"
	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/delivery"
	"github.com/namastexlabs/automagik-omni/internal/identity"
	"github.com/namastexlabs/automagik-omni/internal/sessions"
	"github.com/namastexlabs/automagik-omni/internal/store"
	"github.com/namastexlabs/automagik-omni/internal/tracing"
)

// defaultAgentTimeout is used when an instance's agent_timeout_ms is unset.
const defaultAgentTimeout = 30 * time.Second

// InstanceLifecycle exposes the Instance Registry's per-instance
// cancellation scope. A router task's instanceCtx is chained to it
// (§5: "each router task holds a cancellation handle chained to the
// instance lifecycle") so Registry.Disconnect/Delete cancels pending and
// in-flight tasks for that instance, not just the adapter's own
// connection. Satisfied by *registry.Registry without an import cycle —
// router never imports registry.
type InstanceLifecycle interface {
	InstanceContext(instanceName string) context.Context
}

// Router owns the per-session FIFO queues and dedup cache, and drives each
// inbound event through the state machine to a terminal trace.
type Router struct {
	instances store.InstanceStore
	access    store.AccessRuleStore
	identity  *identity.Resolver
	traces    *tracing.Collector
	msgBus    *bus.MessageBus

	dedup *dedupCache
	queues *sessionQueues

	lifecycleMu sync.RWMutex
	lifecycle   InstanceLifecycle

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Router with a plain, non-telemetry trace collector.
// Background processing (per-session workers, dedup GC) is scoped to a
// context the Router owns; call Shutdown to cancel it.
func New(instances store.InstanceStore, accessStore store.AccessRuleStore, users store.UserStore, traceStore store.TraceStore, msgBus *bus.MessageBus) *Router {
	return NewWithCollector(instances, accessStore, users, msgBus, tracing.NewCollector(traceStore))
}

// NewWithCollector builds a Router around a caller-supplied trace
// Collector, so the process can wire an OTEL-mirroring collector
// (tracing.NewCollectorWithTelemetry) when AUTOMAGIK_OMNI_OTEL_ENDPOINT is
// configured, while tests and other callers can pass a plain collector.
func NewWithCollector(instances store.InstanceStore, accessStore store.AccessRuleStore, users store.UserStore, msgBus *bus.MessageBus, collector *tracing.Collector) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		instances: instances,
		access:    accessStore,
		identity:  identity.NewResolver(users),
		traces:    collector,
		msgBus:    msgBus,
		dedup:     newDedupCache(10 * time.Second),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.queues = newSessionQueues(64, r.process)
	return r
}

// SetLifecycle wires the Instance Registry's per-instance cancellation
// scope into the router, mirroring Registry.SetInboundHandler's
// set-after-construction convention (the two components are built
// independently in cmd/serve.go, then cross-wired). Safe to call
// concurrently with in-flight process() calls; a task already past the
// point where it reads r.lifecycle keeps using whatever it already read.
func (r *Router) SetLifecycle(l InstanceLifecycle) {
	r.lifecycleMu.Lock()
	r.lifecycle = l
	r.lifecycleMu.Unlock()
}

// deriveInstanceCtx returns a context cancelled when either the Router
// shuts down (r.ctx) or, if a lifecycle source is wired, the named
// instance's own lifecycle context is cancelled by
// Registry.Disconnect/Delete. Without a wired lifecycle it falls back to
// r.ctx alone, matching this package's pre-registry-wiring behavior for
// callers (tests) that never call SetLifecycle.
func (r *Router) deriveInstanceCtx(instanceName string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.ctx)

	r.lifecycleMu.RLock()
	lifecycle := r.lifecycle
	r.lifecycleMu.RUnlock()
	if lifecycle == nil {
		return ctx, cancel
	}

	instanceCtx := lifecycle.InstanceContext(instanceName)
	stop := context.AfterFunc(instanceCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Handle is the bus.InboundHandler every instance subscribes to the Message
// Bus. It never blocks on agent/network I/O: it only enqueues onto the
// peer's per-session FIFO queue and returns.
func (r *Router) Handle(evt bus.InboundEvent) {
	key := evt.InstanceName + "\x00" + evt.FromPeer
	if !r.queues.enqueue(key, evt) {
		slog.Warn("router: session queue full, dropping event", "instance", evt.InstanceName, "peer", evt.FromPeer)
		r.recordOverloaded(evt)
	}
}

// Shutdown cancels every in-flight router task. Each task finalizes its
// trace with error_stage=cancelled before its context.Done() fires.
func (r *Router) Shutdown() {
	r.cancel()
	r.queues.drain()
}

// recordOverloaded opens and immediately finalizes a failed trace for an
// event dropped by session-queue backpressure, so the drop is never silent.
func (r *Router) recordOverloaded(evt bus.InboundEvent) {
	mt := tracing.Normalize(evt.ChannelType, evt.MessageTypeRaw)
	traceID := r.traces.Open(r.ctx, tracing.TraceSeed{
		InstanceName: evt.InstanceName,
		ChannelType:  evt.ChannelType,
		MessageID:    evt.ChannelMessageID,
		SessionName:  "",
		MessageType:  mt,
		HasMedia:     len(evt.MediaList) > 0,
	})
	r.traces.UpdateStatus(r.ctx, traceID, store.StatusFailed, "session queue overloaded", "overloaded")
	r.traces.Finalize(r.ctx, traceID, 0, 0, false, false)
}

// process runs one inbound event through the full state machine. It is
// always called from the event's session worker goroutine, so per-session
// ordering is guaranteed by construction.
func (r *Router) process(evt bus.InboundEvent) {
	receivedAt := time.Now().UTC()

	// Idempotency: a repeated channel delivery of the same
	// (instance, channel_message_id) within the dedup TTL produces no
	// second agent call.
	if existing, dup := r.dedup.seen(evt.InstanceName, evt.ChannelMessageID); dup {
		slog.Debug("router: duplicate delivery suppressed", "instance", evt.InstanceName, "message_id", evt.ChannelMessageID, "trace_id", existing)
		return
	}

	cfg, err := r.instances.Get(r.ctx, evt.InstanceName)
	if err != nil {
		slog.Error("router: instance lookup failed", "instance", evt.InstanceName, "error", err)
		return
	}

	mt := tracing.Normalize(evt.ChannelType, evt.MessageTypeRaw)

	// 1. Received.
	traceID := r.traces.Open(r.ctx, tracing.TraceSeed{
		InstanceName:     evt.InstanceName,
		ChannelType:      evt.ChannelType,
		MessageID:        evt.ChannelMessageID,
		SenderPhone:      senderPhone(evt),
		SenderName:       evt.PeerDisplayName,
		MessageType:      mt,
		HasMedia:         len(evt.MediaList) > 0,
		HasQuotedMessage: evt.QuotedMessageID != "",
	})
	r.dedup.mark(evt.InstanceName, evt.ChannelMessageID, traceID)

	webhookPayload := evt.RawPayload
	if len(webhookPayload) == 0 {
		webhookPayload, _ = json.Marshal(evt)
	}
	r.traces.RecordPayload(r.ctx, traceID, store.StageWebhookReceived, "application/json", webhookPayload, 0, len(evt.MediaList) > 0)

	instanceCtx, cancel := r.deriveInstanceCtx(evt.InstanceName)
	defer cancel()

	// 2. AdmissionChecked.
	candidates, err := r.access.ListCandidates(instanceCtx, evt.InstanceName)
	if err != nil {
		slog.Error("router: list access candidates failed", "instance", evt.InstanceName, "error", err)
		candidates = nil
	}
	decision := access.Evaluate(evt.InstanceName, admissionPeerID(evt), candidates)
	if !decision.Allowed {
		r.traces.UpdateStatus(instanceCtx, traceID, store.StatusAccessDenied, "", "admission")
		r.traces.Finalize(instanceCtx, traceID, 0, time.Since(receivedAt).Milliseconds(), false, false)
		return
	}
	r.traces.UpdateStatus(instanceCtx, traceID, store.StatusProcessing, "", "")

	// 3. Identified.
	userID, err := r.identity.Resolve(instanceCtx, evt.ChannelType, admissionPeerID(evt), evt.PeerDisplayName)
	if err != nil {
		slog.Error("router: identity resolution failed", "instance", evt.InstanceName, "error", err)
	}
	sessionKey := sessions.Derive(evt.ChannelType, cfg.SessionIDPrefix, peerMetadataFor(evt, userID))

	// 4. AgentInFlight.
	timeout := time.Duration(cfg.AgentTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	client := agentclient.New(cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentID, timeout)
	req := agentclient.Request{SessionName: sessionKey, UserID: userID, Text: evt.Text, Media: toAgentMedia(evt.MediaList)}

	reqPayload, _ := json.Marshal(req)
	r.traces.RecordPayload(instanceCtx, traceID, store.StageAgentRequest, "application/json", reqPayload, 0, false)

	agentStart := time.Now()
	var resp agentclient.Response
	var metrics agentclient.Metrics
	if cfg.AgentStreamMode {
		var accumulated string
		resp, metrics, err = client.Streaming(instanceCtx, req, func(ch agentclient.Chunk) {
			accumulated += ch.Content
		})
		r.traces.RecordStreamingChunk(instanceCtx, traceID, accumulated)
	} else {
		resp, metrics, err = client.Buffered(instanceCtx, req)
		respPayload, _ := json.Marshal(resp)
		r.traces.RecordPayload(instanceCtx, traceID, store.StageAgentResponse, "application/json", respPayload, 0, false)
	}
	agentMs := time.Since(agentStart).Milliseconds()

	if err != nil {
		stage := "agent_request"
		if metrics.ChunkCount > 0 || resp.Text != "" {
			stage = "agent_response"
		}
		if instanceCtx.Err() != nil {
			stage = "cancelled"
		}
		// instanceCtx may already be cancelled; the terminal trace write
		// still has to reach the store.
		traceCtx := context.WithoutCancel(instanceCtx)
		r.traces.UpdateStatus(traceCtx, traceID, store.StatusFailed, err.Error(), stage)
		r.traces.Finalize(traceCtx, traceID, agentMs, time.Since(receivedAt).Milliseconds(), false, false)
		return
	}

	// 5. Delivering.
	outMsg := bus.OutboundMessage{
		InstanceName: evt.InstanceName,
		ChannelType:  evt.ChannelType,
		Peer:         evt.FromPeer,
		Text:         resp.Text,
		Media:        toBusMedia(resp.Media),
	}
	sender := func(ctx context.Context, msg bus.OutboundMessage) error {
		return r.msgBus.PublishOutbound(ctx, msg)
	}
	results := delivery.Deliver(instanceCtx, sender, outMsg, cfg.EnableAutoSplit)
	sendOK := delivery.AllSucceeded(results)

	outboundPayload, _ := json.Marshal(results)
	r.traces.RecordPayload(instanceCtx, traceID, store.StageOutboundSent, "application/json", outboundPayload, 0, len(resp.Media) > 0)

	// 6. Terminal.
	status := store.StatusCompleted
	if !sendOK {
		status = store.StatusFailed
	}
	r.traces.UpdateStatus(instanceCtx, traceID, status, "", "")
	r.traces.Finalize(instanceCtx, traceID, agentMs, time.Since(receivedAt).Milliseconds(), true, sendOK)
}

// admissionPeerID returns the identifier Access Control and Identity
// Resolution key off of: the channel-native phone/peer JID for WhatsApp,
// or the discord user id for Discord.
func admissionPeerID(evt bus.InboundEvent) string {
	if evt.ChannelType == "discord" {
		if id := evt.Metadata["discord_user_id"]; id != "" {
			return id
		}
	}
	return evt.FromPeer
}

func senderPhone(evt bus.InboundEvent) string {
	if evt.ChannelType == "whatsapp" {
		return evt.FromPeer
	}
	return ""
}

func peerMetadataFor(evt bus.InboundEvent, userID string) sessions.PeerMetadata {
	if evt.ChannelType == "discord" {
		kind := sessions.PeerDirect
		if evt.PeerKind == "group" {
			kind = sessions.PeerGroup
		}
		return sessions.PeerMetadata{Kind: kind, GuildID: evt.Metadata["discord_guild_id"], UserID: evt.Metadata["discord_user_id"]}
	}
	return sessions.PeerMetadata{Kind: sessions.PeerDirect, UserInternalID: userID}
}

func toAgentMedia(media []bus.MediaRef) []agentclient.MediaRef {
	if len(media) == 0 {
		return nil
	}
	out := make([]agentclient.MediaRef, len(media))
	for i, m := range media {
		out[i] = agentclient.MediaRef{URL: m.URL, ContentType: m.ContentType, Caption: m.Caption}
	}
	return out
}

func toBusMedia(media []agentclient.MediaRef) []bus.MediaRef {
	if len(media) == 0 {
		return nil
	}
	out := make([]bus.MediaRef, len(media))
	for i, m := range media {
		out[i] = bus.MediaRef{URL: m.URL, ContentType: m.ContentType, Caption: m.Caption}
	}
	return out
}
