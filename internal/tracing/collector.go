// Package tracing implements the Trace Recorder (C9): append-style writes
// over the Config Store's trace tables, payload compression over a
// threshold, and best-effort-durable semantics — a trace write never
// blocks or cancels message delivery.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/trace"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// compressThreshold is the payload size, in bytes, above which a payload is
// compressed before storage (§6 suggests 512B).
const compressThreshold = 512

// Collector writes MessageTrace/TracePayload rows to a TraceStore. Every
// method logs and swallows store errors: the Message Router must never
// stall or fail a delivery because a trace write failed. It optionally
// mirrors the same trace as an OTEL span, so a trace_id doubles as a
// correlation key between the Config Store and an APM backend.
type Collector struct {
	store store.TraceStore
	otel  *otelTracer

	spansMu sync.Mutex
	spans   map[string]trace.Span
}

func NewCollector(s store.TraceStore) *Collector {
	return &Collector{store: s, spans: make(map[string]trace.Span)}
}

// NewCollectorWithTelemetry builds a Collector that also mirrors every
// trace as an OTEL span exported per cfg. Call the returned shutdown func
// on process exit to flush the exporter.
func NewCollectorWithTelemetry(s store.TraceStore, cfg OtelConfig) (*Collector, func(context.Context) error) {
	tracer, shutdown := newOtelTracer(cfg)
	return &Collector{store: s, otel: tracer, spans: make(map[string]trace.Span)}, shutdown
}

// Open records the receipt of an inbound message and returns its trace_id.
func (c *Collector) Open(ctx context.Context, evt TraceSeed) string {
	id, err := uuid.NewV7()
	if err != nil {
		slog.Error("tracing: new trace id", "error", err)
		return ""
	}
	traceID := id.String()

	t := store.MessageTrace{
		TraceID:          traceID,
		InstanceName:     evt.InstanceName,
		ChannelType:      evt.ChannelType,
		Direction:        "inbound",
		MessageID:        evt.MessageID,
		SessionName:      evt.SessionName,
		UserID:           evt.UserID,
		SenderPhone:      evt.SenderPhone,
		SenderName:       evt.SenderName,
		MessageType:      evt.MessageType,
		HasMedia:         evt.HasMedia,
		HasQuotedMessage: evt.HasQuotedMessage,
		Status:           store.StatusReceived,
		ReceivedAt:       time.Now().UTC(),
	}
	if err := c.store.OpenTrace(ctx, t); err != nil {
		slog.Error("tracing: open trace failed", "trace_id", traceID, "error", err)
	}

	if c.otel != nil {
		span := c.otel.startMessageSpan(ctx, traceID, evt)
		c.spansMu.Lock()
		c.spans[traceID] = span
		c.spansMu.Unlock()
	}
	return traceID
}

// UpdateStatus advances a trace's status. Once a trace reaches a terminal
// status, further non-terminal updates are the caller's responsibility to
// avoid — the store does not enforce monotonicity.
func (c *Collector) UpdateStatus(ctx context.Context, traceID string, status store.TraceStatus, errMessage, errStage string) {
	if traceID == "" {
		return
	}
	if err := c.store.UpdateStatus(ctx, traceID, status, errMessage, errStage); err != nil {
		slog.Error("tracing: update status failed", "trace_id", traceID, "status", status, "error", err)
	}
}

// Finalize records terminal timings and success flags for a trace, and
// ends the trace's mirrored OTEL span if one was started.
func (c *Collector) Finalize(ctx context.Context, traceID string, agentMs, totalMs int64, agentOK, sendOK bool) {
	if traceID == "" {
		return
	}
	if err := c.store.Finalize(ctx, traceID, time.Now().UTC(), agentMs, totalMs, agentOK, sendOK); err != nil {
		slog.Error("tracing: finalize failed", "trace_id", traceID, "error", err)
	}

	if c.otel == nil {
		return
	}
	c.spansMu.Lock()
	span, ok := c.spans[traceID]
	delete(c.spans, traceID)
	c.spansMu.Unlock()
	if !ok {
		return
	}
	status := "completed"
	errMsg := ""
	if !agentOK || !sendOK {
		status = "failed"
		errMsg = "agent or channel delivery failed"
	}
	c.otel.endMessageSpan(span, status, errMsg)
}

// RecordPayload compresses payload (if it exceeds compressThreshold) and
// writes a TracePayload row for the given stage. Media binary content must
// never be passed as payload — only references/flags.
func (c *Collector) RecordPayload(ctx context.Context, traceID string, stage store.PayloadStage, payloadType string, raw []byte, statusCode int, containsMedia bool) {
	if traceID == "" {
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		slog.Error("tracing: new payload id", "error", err)
		return
	}

	containsBase64 := looksLikeBase64Bearing(raw)
	compressed, ratio := compress(raw)

	p := store.TracePayload{
		ID:                    id.String(),
		TraceID:               traceID,
		Stage:                 stage,
		PayloadType:           payloadType,
		Timestamp:             time.Now().UTC(),
		StatusCode:            statusCode,
		PayloadSizeOriginal:   len(raw),
		PayloadSizeCompressed: len(compressed),
		CompressionRatio:      ratio,
		ContainsMedia:         containsMedia,
		ContainsBase64:        containsBase64,
		Payload:               compressed,
	}
	if err := c.store.UpsertPayload(ctx, p); err != nil {
		slog.Error("tracing: record payload failed", "trace_id", traceID, "stage", stage, "error", err)
	}
}

// RecordStreamingChunk coalesces streaming chunks into a single
// agent_response TracePayload row per trace (§9's open-question default),
// rather than one row per chunk.
func (c *Collector) RecordStreamingChunk(ctx context.Context, traceID string, accumulated string) {
	c.RecordPayload(ctx, traceID, store.StageAgentResponse, "text/plain", []byte(accumulated), 0, false)
}

// compress returns the payload (as-is, if below threshold) or its
// zstd-compressed form, plus the compression ratio (1.0 when uncompressed).
func compress(raw []byte) ([]byte, float64) {
	if len(raw) < compressThreshold {
		return raw, 1.0
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return raw, 1.0
	}
	defer enc.Close()

	compressed := enc.EncodeAll(raw, make([]byte, 0, len(raw)))
	if len(compressed) == 0 {
		return raw, 1.0
	}
	ratio := float64(len(raw)) / float64(len(compressed))
	return compressed, ratio
}

// looksLikeBase64Bearing is a best-effort heuristic: payloads carrying a
// "base64" marker (as Evolution's webhook envelopes do for media) or a JSON
// field literally named base64 are flagged so the payload is never
// re-encoded downstream.
func looksLikeBase64Bearing(raw []byte) bool {
	return strings.Contains(strings.ToLower(string(raw)), "base64")
}

// TraceSeed is the minimal data Open needs from an inbound event — kept
// separate from bus.InboundEvent so tracing has no import-time dependency
// on the bus package.
type TraceSeed struct {
	InstanceName     string
	ChannelType      string
	MessageID        string
	SessionName      string
	UserID           string
	SenderPhone      string
	SenderName       string
	MessageType      store.MessageType
	HasMedia         bool
	HasQuotedMessage bool
}
