package http

import (
	"net/http"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/registry"
)

// sendHandler serves the direct-send endpoints (spec.md §6:
// send-text|send-media|send-audio|send-reaction), dispatching straight to
// the connected Channel Adapter — these bypass the router/trace pipeline,
// for admin-initiated sends outside of an agent reply.
type sendHandler struct {
	registry *registry.Registry
}

type sendTextBody struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

type sendMediaBody struct {
	Peer        string `json:"peer"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Caption     string `json:"caption"`
}

type sendReactionBody struct {
	Peer      string `json:"peer"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (h *sendHandler) handleSendText(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body sendTextBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	adapter, err := h.registry.Adapter(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	id, err := adapter.SendText(r.Context(), body.Peer, body.Text)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

func (h *sendHandler) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body sendMediaBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	adapter, err := h.registry.Adapter(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	id, err := adapter.SendMedia(r.Context(), body.Peer, bus.MediaRef{URL: body.URL, ContentType: body.ContentType, Caption: body.Caption})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

func (h *sendHandler) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body sendMediaBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	adapter, err := h.registry.Adapter(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	id, err := adapter.SendAudio(r.Context(), body.Peer, bus.MediaRef{URL: body.URL, ContentType: body.ContentType})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

func (h *sendHandler) handleSendReaction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body sendReactionBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	adapter, err := h.registry.Adapter(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	if err := adapter.SendReaction(r.Context(), body.Peer, body.MessageID, body.Emoji); err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
