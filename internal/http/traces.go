package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// tracesHandler serves the read-only trace browsing and analytics endpoints
// (spec.md §6: /traces, /traces/{id}, /traces/{id}/payloads,
// /analytics/summary).
type tracesHandler struct {
	traces store.TraceStore
}

func (h *tracesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := parseTraceFilter(r)
	traces, err := h.traces.ListTraces(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"traces": traces})
}

func (h *tracesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	trace, err := h.traces.GetTrace(r.Context(), traceID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (h *tracesHandler) handlePayloads(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	payloads, err := h.traces.ListPayloads(r.Context(), traceID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payloads": payloads})
}

func (h *tracesHandler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	filter := parseTraceFilter(r)
	analytics, err := h.traces.Analytics(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func parseTraceFilter(r *http.Request) store.TraceFilter {
	q := r.URL.Query()
	filter := store.TraceFilter{
		InstanceName: q.Get("instance_name"),
		SenderPhone:  q.Get("sender_phone"),
		SessionName:  q.Get("session_name"),
		Status:       store.TraceStatus(q.Get("status")),
		Limit:        50,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	return filter
}
