package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/agentclient"
	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/store"
	"github.com/namastexlabs/automagik-omni/internal/tracing"
)

// --- fake Config Store backends ---

type fakeInstanceStore struct {
	mu     sync.Mutex
	byName map[string]store.InstanceConfig
}

func newFakeInstanceStore(cfgs ...store.InstanceConfig) *fakeInstanceStore {
	f := &fakeInstanceStore{byName: map[string]store.InstanceConfig{}}
	for _, c := range cfgs {
		f.byName[c.Name] = c
	}
	return f
}

func (f *fakeInstanceStore) Create(ctx context.Context, cfg store.InstanceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[cfg.Name]; ok {
		return store.ErrInstanceConflict
	}
	f.byName[cfg.Name] = cfg
	return nil
}

func (f *fakeInstanceStore) Get(ctx context.Context, name string) (store.InstanceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.byName[name]
	if !ok {
		return store.InstanceConfig{}, store.ErrInstanceNotFound
	}
	return cfg, nil
}

func (f *fakeInstanceStore) List(ctx context.Context) ([]store.InstanceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.InstanceConfig
	for _, c := range f.byName {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeInstanceStore) Update(ctx context.Context, cfg store.InstanceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[cfg.Name]; !ok {
		return store.ErrInstanceNotFound
	}
	f.byName[cfg.Name] = cfg
	return nil
}

func (f *fakeInstanceStore) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byName, name)
	return nil
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]store.User
	links map[string]string // provider\x00externalID -> userID
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}, links: map[string]string{}}
}

func (f *fakeUserStore) CreateUser(ctx context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetUser(ctx context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrInstanceNotFound
	}
	return u, nil
}

func (f *fakeUserStore) LookupExternalID(ctx context.Context, provider, externalID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.links[provider+"\x00"+externalID]
	return id, ok, nil
}

func (f *fakeUserStore) LinkExternalID(ctx context.Context, link store.UserExternalID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := link.Provider + "\x00" + link.ExternalID
	if existing, ok := f.links[key]; ok {
		return existing, false, nil
	}
	f.links[key] = link.UserID
	return link.UserID, true, nil
}

type fakeAccessRuleStore struct {
	mu    sync.Mutex
	rules []store.AccessRule
}

func newFakeAccessRuleStore(rules ...store.AccessRule) *fakeAccessRuleStore {
	return &fakeAccessRuleStore{rules: rules}
}

func (f *fakeAccessRuleStore) CreateRule(ctx context.Context, rule store.AccessRule) (store.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
	return rule, nil
}

func (f *fakeAccessRuleStore) ListRules(ctx context.Context, instanceName string) ([]store.AccessRule, error) {
	return f.ListCandidates(ctx, instanceName)
}

func (f *fakeAccessRuleStore) ListCandidates(ctx context.Context, instanceName string) ([]store.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AccessRule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

func (f *fakeAccessRuleStore) DeleteRule(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return store.ErrRuleNotFound
}

// fakeTraceStore records every trace/payload write in memory and signals
// finalized on every Finalize call, so tests can wait for a specific trace
// to reach its terminal write without polling.
type fakeTraceStore struct {
	mu       sync.Mutex
	traces   map[string]store.MessageTrace
	payloads map[string][]store.TracePayload
	finalized chan string
}

func newFakeTraceStore() *fakeTraceStore {
	return &fakeTraceStore{
		traces:    map[string]store.MessageTrace{},
		payloads:  map[string][]store.TracePayload{},
		finalized: make(chan string, 64),
	}
}

func (f *fakeTraceStore) OpenTrace(ctx context.Context, t store.MessageTrace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces[t.TraceID] = t
	return nil
}

func (f *fakeTraceStore) UpdateStatus(ctx context.Context, traceID string, status store.TraceStatus, errMessage, errStage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.traces[traceID]
	t.Status = status
	t.ErrorMessage = errMessage
	t.ErrorStage = errStage
	f.traces[traceID] = t
	return nil
}

func (f *fakeTraceStore) Finalize(ctx context.Context, traceID string, completedAt time.Time, agentMs, totalMs int64, agentOK, sendOK bool) error {
	f.mu.Lock()
	t := f.traces[traceID]
	t.CompletedAt = &completedAt
	t.AgentProcessingTimeMs = agentMs
	t.TotalProcessingTimeMs = totalMs
	t.AgentResponseSuccess = agentOK
	t.ChannelSendSuccess = sendOK
	f.traces[traceID] = t
	f.mu.Unlock()

	f.finalized <- traceID
	return nil
}

func (f *fakeTraceStore) GetTrace(ctx context.Context, traceID string) (store.MessageTrace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.traces[traceID]
	if !ok {
		return store.MessageTrace{}, store.ErrTraceNotFound
	}
	return t, nil
}

func (f *fakeTraceStore) FindByMessageID(ctx context.Context, instanceName, messageID string) (store.MessageTrace, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.traces {
		if t.InstanceName == instanceName && t.MessageID == messageID {
			return t, true, nil
		}
	}
	return store.MessageTrace{}, false, nil
}

func (f *fakeTraceStore) ListTraces(ctx context.Context, filter store.TraceFilter) ([]store.MessageTrace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.MessageTrace
	for _, t := range f.traces {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTraceStore) UpsertPayload(ctx context.Context, p store.TracePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[p.TraceID] = append(f.payloads[p.TraceID], p)
	return nil
}

func (f *fakeTraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[traceID], nil
}

func (f *fakeTraceStore) Analytics(ctx context.Context, filter store.TraceFilter) (store.TraceAnalytics, error) {
	return store.TraceAnalytics{}, nil
}

// waitFinalized blocks until traceStore.Finalize has been called at least
// once, returning the finalized trace_id, or fails the test after timeout.
func waitFinalized(t *testing.T, traces *fakeTraceStore) string {
	t.Helper()
	select {
	case id := <-traces.finalized:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a trace to finalize")
		return ""
	}
}

// fakeAgentServer spins up an httptest server implementing both the
// buffered and streaming agent endpoints the Agent Client calls.
func fakeAgentServer(t *testing.T, buffered agentclient.Response, streamChunks []agentclient.Chunk) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/message", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(buffered)
	})
	mux.HandleFunc("/v1/agent/message/stream", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range streamChunks {
			data, _ := json.Marshal(c)
			fmt.Fprintf(w, "%s\n", data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testRig bundles one Router with its backing fakes for a test case.
type testRig struct {
	router    *Router
	instances *fakeInstanceStore
	access    *fakeAccessRuleStore
	users     *fakeUserStore
	traces    *fakeTraceStore
	msgBus    *bus.MessageBus
	sent      chan bus.OutboundMessage
}

func newTestRig(t *testing.T, cfg store.InstanceConfig, rules ...store.AccessRule) *testRig {
	t.Helper()
	instances := newFakeInstanceStore(cfg)
	access := newFakeAccessRuleStore(rules...)
	users := newFakeUserStore()
	traces := newFakeTraceStore()
	msgBus := bus.New()

	sent := make(chan bus.OutboundMessage, 16)
	msgBus.RegisterSender(cfg.Name, func(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
		sent <- msg
		return bus.SendResult{MessageID: "sent-" + msg.Peer}, nil
	})

	r := NewWithCollector(instances, access, users, msgBus, tracing.NewCollector(traces))
	t.Cleanup(r.Shutdown)

	return &testRig{router: r, instances: instances, access: access, users: users, traces: traces, msgBus: msgBus, sent: sent}
}

func baseWhatsAppConfig(name, agentURL string) store.InstanceConfig {
	return store.InstanceConfig{
		Name:            name,
		ChannelType:     "whatsapp",
		AgentAPIURL:     agentURL,
		AgentTimeoutMs:  2000,
		EnableAutoSplit: true,
		SessionIDPrefix: "wa_",
	}
}

func TestHappyPathCompletesAndDelivers(t *testing.T) {
	srv := fakeAgentServer(t, agentclient.Response{Text: "hello back"}, nil)
	cfg := baseWhatsAppConfig("acme-wa", srv.URL)
	rig := newTestRig(t, cfg)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     "acme-wa",
		ChannelMessageID: "msg-1",
		FromPeer:         "5511999990000",
		Text:             "oi",
		MessageTypeRaw:   "conversation",
	})

	traceID := waitFinalized(t, rig.traces)
	tr, err := rig.traces.GetTrace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if tr.Status != store.StatusCompleted {
		t.Fatalf("expected completed status, got %s", tr.Status)
	}
	if !tr.ChannelSendSuccess || !tr.AgentResponseSuccess {
		t.Fatalf("expected both agent and channel success, got %+v", tr)
	}

	select {
	case msg := <-rig.sent:
		if msg.Text != "hello back" {
			t.Fatalf("unexpected delivered text: %q", msg.Text)
		}
	default:
		t.Fatal("expected one outbound send")
	}
}

func TestReactionMessageNormalized(t *testing.T) {
	srv := fakeAgentServer(t, agentclient.Response{Text: "ack"}, nil)
	cfg := baseWhatsAppConfig("acme-wa", srv.URL)
	rig := newTestRig(t, cfg)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     "acme-wa",
		ChannelMessageID: "msg-react",
		FromPeer:         "5511999990000",
		MessageTypeRaw:   "reactionmessage",
	})

	traceID := waitFinalized(t, rig.traces)
	tr, _ := rig.traces.GetTrace(context.Background(), traceID)
	if tr.MessageType != store.MsgReaction {
		t.Fatalf("expected reaction message type, got %s", tr.MessageType)
	}
}

func TestAdmissionDeniedByWildcardBlock(t *testing.T) {
	srv := fakeAgentServer(t, agentclient.Response{Text: "should never be sent"}, nil)
	cfg := baseWhatsAppConfig("acme-wa", srv.URL)
	rule := store.AccessRule{ID: "r1", InstanceName: "acme-wa", PhoneNumber: "551199*", RuleType: store.RuleBlock}
	rig := newTestRig(t, cfg, rule)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     "acme-wa",
		ChannelMessageID: "msg-blocked",
		FromPeer:         "5511999990000",
		Text:             "spam",
		MessageTypeRaw:   "conversation",
	})

	traceID := waitFinalized(t, rig.traces)
	tr, _ := rig.traces.GetTrace(context.Background(), traceID)
	if tr.Status != store.StatusAccessDenied {
		t.Fatalf("expected access_denied status, got %s", tr.Status)
	}

	select {
	case msg := <-rig.sent:
		t.Fatalf("expected no outbound send for a denied message, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamingAutoSplitsLongReply(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "lorem ipsum dolor sit amet. "
	}
	srv := fakeAgentServer(t, agentclient.Response{}, []agentclient.Chunk{
		{Content: long, Done: true},
	})
	cfg := baseWhatsAppConfig("acme-wa", srv.URL)
	cfg.AgentStreamMode = true
	rig := newTestRig(t, cfg)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     "acme-wa",
		ChannelMessageID: "msg-stream",
		FromPeer:         "5511999990000",
		Text:             "tell me a long story",
		MessageTypeRaw:   "conversation",
	})

	traceID := waitFinalized(t, rig.traces)
	tr, _ := rig.traces.GetTrace(context.Background(), traceID)
	if tr.Status != store.StatusCompleted {
		t.Fatalf("expected completed status, got %s", tr.Status)
	}

	chunkCount := 0
drain:
	for {
		select {
		case <-rig.sent:
			chunkCount++
		default:
			break drain
		}
	}
	if chunkCount < 2 {
		t.Fatalf("expected the long reply to be auto-split into multiple sends, got %d", chunkCount)
	}
}

func TestDuplicateWebhookDeduped(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/message", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		json.NewEncoder(w).Encode(agentclient.Response{Text: "ok"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := baseWhatsAppConfig("acme-wa", srv.URL)
	rig := newTestRig(t, cfg)

	evt := bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     "acme-wa",
		ChannelMessageID: "dup-1",
		FromPeer:         "5511999990000",
		Text:             "oi",
		MessageTypeRaw:   "conversation",
	}

	rig.router.Handle(evt)
	firstTraceID := waitFinalized(t, rig.traces)

	// The second delivery of the same channel_message_id, within the dedup
	// TTL, must not reach the agent a second time.
	rig.router.Handle(evt)

	select {
	case <-rig.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first delivery's outbound send")
	}

	// Give the (suppressed) duplicate a moment to have been processed, then
	// assert it produced no second agent call and no second finalize.
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	gotCalls := calls
	mu.Unlock()
	if gotCalls != 1 {
		t.Fatalf("expected exactly one agent call across the duplicate delivery, got %d", gotCalls)
	}

	select {
	case dupID := <-rig.traces.finalized:
		t.Fatalf("expected no second finalize for the duplicate, got trace_id %s (first was %s)", dupID, firstTraceID)
	default:
	}
}

// fakeLifecycle is a minimal InstanceLifecycle standing in for the
// Instance Registry: it hands out one cancellable context per instance name
// and lets the test cancel it to simulate Registry.Disconnect/Delete.
type fakeLifecycle struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeLifecycle() *fakeLifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeLifecycle{ctx: ctx, cancel: cancel}
}

func (f *fakeLifecycle) InstanceContext(instanceName string) context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

func (f *fakeLifecycle) cancelNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel()
}

func TestInstanceLifecycleCancelsInFlightTask(t *testing.T) {
	reachedAgent := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/message", func(w http.ResponseWriter, r *http.Request) {
		close(reachedAgent)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		json.NewEncoder(w).Encode(agentclient.Response{Text: "too late"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := baseWhatsAppConfig("acme-wa", srv.URL)
	rig := newTestRig(t, cfg)

	lifecycle := newFakeLifecycle()
	rig.router.SetLifecycle(lifecycle)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     "acme-wa",
		ChannelMessageID: "msg-cancel",
		FromPeer:         "5511999990000",
		Text:             "oi",
		MessageTypeRaw:   "conversation",
	})

	select {
	case <-reachedAgent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the agent request to start")
	}

	// Simulate Registry.Disconnect/Delete cancelling this instance's
	// lifecycle context while the task is AgentInFlight.
	lifecycle.cancelNow()
	close(release)

	traceID := waitFinalized(t, rig.traces)
	tr, err := rig.traces.GetTrace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if tr.Status != store.StatusFailed {
		t.Fatalf("expected failed status, got %s", tr.Status)
	}
	if tr.ErrorStage != "cancelled" {
		t.Fatalf("expected error_stage=cancelled, got %q", tr.ErrorStage)
	}

	select {
	case msg := <-rig.sent:
		t.Fatalf("expected no outbound send for a cancelled task, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRepeatedDiscordContactResolvesToLinkedUser(t *testing.T) {
	cfg := store.InstanceConfig{Name: "acme-discord", ChannelType: "discord", AgentTimeoutMs: 2000}
	srv := fakeAgentServer(t, agentclient.Response{Text: "hi"}, nil)
	cfg.AgentAPIURL = srv.URL
	rig := newTestRig(t, cfg)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "discord",
		InstanceName:     "acme-discord",
		ChannelMessageID: "d-msg-1",
		FromPeer:         "user#1234",
		PeerKind:         "direct",
		Text:             "hey",
		MessageTypeRaw:   "default",
		Metadata:         map[string]string{"discord_user_id": "u-123"},
	})
	waitFinalized(t, rig.traces)

	rig.router.Handle(bus.InboundEvent{
		ChannelType:      "discord",
		InstanceName:     "acme-discord",
		ChannelMessageID: "d-msg-2",
		FromPeer:         "user#1234",
		PeerKind:         "direct",
		Text:             "again",
		MessageTypeRaw:   "default",
		Metadata:         map[string]string{"discord_user_id": "u-123"},
	})
	waitFinalized(t, rig.traces)

	userID, ok, err := rig.users.LookupExternalID(context.Background(), "discord", "u-123")
	if err != nil || !ok {
		t.Fatalf("expected a linked user for u-123, ok=%v err=%v", ok, err)
	}
	if userID == "" {
		t.Fatal("expected a non-empty resolved user id")
	}
}
