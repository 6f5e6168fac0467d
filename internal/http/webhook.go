package http

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/channels/whatsapp"
	"github.com/namastexlabs/automagik-omni/internal/channels"
	"github.com/namastexlabs/automagik-omni/internal/registry"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// webhookHandler is the Evolution-gateway ingress route
// (POST /webhook/evolution/{instance_name}), unauthenticated per spec.md §6
// — trusted by path + shared deployment network — but still rate-limited
// per instance to bound abuse from a misbehaving or compromised gateway.
type webhookHandler struct {
	stores   *store.Stores
	msgBus   *bus.MessageBus
	registry *registry.Registry
	limiter  *channels.WebhookRateLimiter
}

// handle always acknowledges 2xx once the event has been durably handed off
// to the Message Router (spec.md §7's webhook ack policy) — errors before
// that point return non-2xx so the gateway retries.
func (h *webhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	instanceName := r.PathValue("instance_name")

	if !h.limiter.Allow(instanceName) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	if _, err := h.stores.Instances.Get(r.Context(), instanceName); err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	evt, err := whatsapp.ParseWebhook(instanceName, body)
	if err != nil {
		if whatsapp.IsIgnoredEcho(err) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		slog.Warn("webhook: parse failed", "instance", instanceName, "error", err)
		writeJSON(w, http.StatusBadRequest, errJSON(err))
		return
	}

	h.msgBus.PublishInbound(evt)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
