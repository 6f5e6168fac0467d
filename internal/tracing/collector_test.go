package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

type fakeTraceStore struct {
	traces   map[string]store.MessageTrace
	payloads map[string][]store.TracePayload
}

func newFakeTraceStore() *fakeTraceStore {
	return &fakeTraceStore{traces: map[string]store.MessageTrace{}, payloads: map[string][]store.TracePayload{}}
}

func (f *fakeTraceStore) OpenTrace(ctx context.Context, t store.MessageTrace) error {
	f.traces[t.TraceID] = t
	return nil
}

func (f *fakeTraceStore) UpdateStatus(ctx context.Context, traceID string, status store.TraceStatus, errMessage, errStage string) error {
	t := f.traces[traceID]
	t.Status = status
	t.ErrorMessage = errMessage
	t.ErrorStage = errStage
	f.traces[traceID] = t
	return nil
}

func (f *fakeTraceStore) Finalize(ctx context.Context, traceID string, completedAt time.Time, agentMs, totalMs int64, agentOK, sendOK bool) error {
	t := f.traces[traceID]
	t.CompletedAt = &completedAt
	t.AgentProcessingTimeMs = agentMs
	t.TotalProcessingTimeMs = totalMs
	t.AgentResponseSuccess = agentOK
	t.ChannelSendSuccess = sendOK
	f.traces[traceID] = t
	return nil
}

func (f *fakeTraceStore) GetTrace(ctx context.Context, traceID string) (store.MessageTrace, error) {
	return f.traces[traceID], nil
}

func (f *fakeTraceStore) FindByMessageID(ctx context.Context, instanceName, messageID string) (store.MessageTrace, bool, error) {
	for _, t := range f.traces {
		if t.InstanceName == instanceName && t.MessageID == messageID {
			return t, true, nil
		}
	}
	return store.MessageTrace{}, false, nil
}

func (f *fakeTraceStore) ListTraces(ctx context.Context, filter store.TraceFilter) ([]store.MessageTrace, error) {
	var out []store.MessageTrace
	for _, t := range f.traces {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTraceStore) UpsertPayload(ctx context.Context, p store.TracePayload) error {
	f.payloads[p.TraceID] = append(f.payloads[p.TraceID], p)
	return nil
}

func (f *fakeTraceStore) ListPayloads(ctx context.Context, traceID string) ([]store.TracePayload, error) {
	return f.payloads[traceID], nil
}

func (f *fakeTraceStore) Analytics(ctx context.Context, filter store.TraceFilter) (store.TraceAnalytics, error) {
	return store.TraceAnalytics{}, nil
}

func TestCollectorOpenAndFinalize(t *testing.T) {
	fs := newFakeTraceStore()
	c := NewCollector(fs)

	traceID := c.Open(context.Background(), TraceSeed{
		InstanceName: "prod-wa",
		ChannelType:  "whatsapp",
		MessageID:    "3EB01",
		SessionName:  "s1",
		MessageType:  store.MsgText,
	})
	if traceID == "" {
		t.Fatal("expected non-empty trace id")
	}
	if fs.traces[traceID].Status != store.StatusReceived {
		t.Fatalf("expected initial status received, got %s", fs.traces[traceID].Status)
	}

	c.UpdateStatus(context.Background(), traceID, store.StatusProcessing, "", "")
	c.Finalize(context.Background(), traceID, 120, 250, true, true)

	final := fs.traces[traceID]
	if !final.AgentResponseSuccess || !final.ChannelSendSuccess {
		t.Fatalf("expected success flags set, got %+v", final)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestRecordPayloadSmallNotCompressed(t *testing.T) {
	fs := newFakeTraceStore()
	c := NewCollector(fs)

	traceID := c.Open(context.Background(), TraceSeed{InstanceName: "i", ChannelType: "discord", MessageID: "m1", SessionName: "s1"})
	c.RecordPayload(context.Background(), traceID, store.StageWebhookReceived, "application/json", []byte(`{"hi":"there"}`), 200, false)

	payloads := fs.payloads[traceID]
	if len(payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(payloads))
	}
	if payloads[0].CompressionRatio != 1.0 {
		t.Fatalf("expected no compression for small payload, got ratio %f", payloads[0].CompressionRatio)
	}
}

func TestRecordPayloadLargeCompressed(t *testing.T) {
	fs := newFakeTraceStore()
	c := NewCollector(fs)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('a' + i%5)
	}

	traceID := c.Open(context.Background(), TraceSeed{InstanceName: "i", ChannelType: "discord", MessageID: "m2", SessionName: "s1"})
	c.RecordPayload(context.Background(), traceID, store.StageAgentResponse, "text/plain", big, 0, false)

	payloads := fs.payloads[traceID]
	if len(payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(payloads))
	}
	if payloads[0].PayloadSizeCompressed >= payloads[0].PayloadSizeOriginal {
		t.Fatalf("expected compression to shrink payload, got %d >= %d", payloads[0].PayloadSizeCompressed, payloads[0].PayloadSizeOriginal)
	}
}

func TestNormalizeMessageType(t *testing.T) {
	if got := Normalize("whatsapp", "imageMessage"); got != store.MsgImage {
		t.Fatalf("got %s", got)
	}
	if got := Normalize("whatsapp", "somethingUnseen"); got != store.MsgUnknown {
		t.Fatalf("got %s", got)
	}
	if got := Normalize("discord", "default"); got != store.MsgText {
		t.Fatalf("got %s", got)
	}
}
