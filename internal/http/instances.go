package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/channels"
	"github.com/namastexlabs/automagik-omni/internal/registry"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// instancesHandler serves the instance CRUD + lifecycle endpoints
// (spec.md §6: GET/POST /instances, GET/PUT/DELETE /instances/{name},
// /qr, /status, /connect, /disconnect, /restart).
type instancesHandler struct {
	stores   *store.Stores
	registry *registry.Registry
}

type instanceView struct {
	Name            string            `json:"name"`
	ChannelType     string            `json:"channel_type"`
	Credentials     map[string]string `json:"credentials"`
	AgentAPIURL     string            `json:"agent_api_url"`
	AgentID         string            `json:"agent_id"`
	AgentTimeoutMs  int               `json:"agent_timeout_ms"`
	AgentStreamMode bool              `json:"agent_stream_mode"`
	IsDefault       bool              `json:"is_default"`
	IsActive        bool              `json:"is_active"`
	EnableAutoSplit bool              `json:"enable_auto_split"`
	SessionIDPrefix string            `json:"session_id_prefix"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// maskInstance redacts credential values for API responses — callers see
// which keys are set, never their values, matching the gateway's own
// maskInstanceHTTP convention.
func maskInstance(cfg store.InstanceConfig) instanceView {
	masked := make(map[string]string, len(cfg.Credentials))
	for k := range cfg.Credentials {
		masked[k] = "***"
	}
	return instanceView{
		Name:            cfg.Name,
		ChannelType:     cfg.ChannelType,
		Credentials:     masked,
		AgentAPIURL:     cfg.AgentAPIURL,
		AgentID:         cfg.AgentID,
		AgentTimeoutMs:  cfg.AgentTimeoutMs,
		AgentStreamMode: cfg.AgentStreamMode,
		IsDefault:       cfg.IsDefault,
		IsActive:        cfg.IsActive,
		EnableAutoSplit: cfg.EnableAutoSplit,
		SessionIDPrefix: cfg.SessionIDPrefix,
		CreatedAt:       cfg.CreatedAt,
		UpdatedAt:       cfg.UpdatedAt,
	}
}

func (h *instancesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.stores.Instances.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	out := make([]instanceView, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, maskInstance(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": out})
}

func (h *instancesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg store.InstanceConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if cfg.Name == "" || cfg.ChannelType == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "name and channel_type are required"})
		return
	}

	if err := h.registry.Create(r.Context(), cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrInstanceConflict) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errJSON(err))
		return
	}
	writeJSON(w, http.StatusCreated, maskInstance(cfg))
}

func (h *instancesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg, err := h.stores.Instances.Get(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, maskInstance(cfg))
}

func (h *instancesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	existing, err := h.stores.Instances.Get(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}

	var patch store.InstanceConfig
	if err := decodeJSON(w, r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	patch.Name = existing.Name
	if patch.ChannelType == "" {
		patch.ChannelType = existing.ChannelType
	}
	if patch.Credentials == nil {
		patch.Credentials = existing.Credentials
	}

	if err := h.registry.Update(r.Context(), patch); err != nil {
		writeJSON(w, http.StatusInternalServerError, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, maskInstance(patch))
}

func (h *instancesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.registry.Delete(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrSoleInstance) {
			status = http.StatusConflict
		} else if errors.Is(err, store.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *instancesHandler) handleQR(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	adapter, err := h.registry.Adapter(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	pairing, ok := adapter.(channels.PairingChannel)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "channel does not support pairing"})
		return
	}
	qr, err := pairing.Pair(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qrcode": qr})
}

func (h *instancesHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, err := h.registry.Status(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func statusView(s registry.StatusView) map[string]interface{} {
	return map[string]interface{}{
		"name":                  s.Name,
		"state":                 s.State,
		"last_state_transition": s.LastStateTransition,
		"last_error":            s.LastError,
	}
}

func (h *instancesHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.registry.Connect(r.Context(), name); err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connecting"})
}

func (h *instancesHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.registry.Disconnect(r.Context(), name); err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (h *instancesHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.registry.Restart(r.Context(), name); err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// proxyChannel resolves name's adapter and asserts it supports the
// contacts/chats proxy capability, writing the appropriate error response
// and returning ok=false if not.
func (h *instancesHandler) proxyChannel(w http.ResponseWriter, r *http.Request, name string) (channels.ProxyChannel, bool) {
	adapter, err := h.registry.Adapter(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errJSON(err))
		return nil, false
	}
	proxy, ok := adapter.(channels.ProxyChannel)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "channel does not support contacts/chats proxying"})
		return nil, false
	}
	return proxy, true
}

// handleContacts proxies the channel's address book (spec.md §6:
// GET /instances/{name}/contacts).
func (h *instancesHandler) handleContacts(w http.ResponseWriter, r *http.Request) {
	proxy, ok := h.proxyChannel(w, r, r.PathValue("name"))
	if !ok {
		return
	}
	contacts, err := proxy.ListContacts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contacts": contacts})
}

// handleChats proxies the channel's chat list (spec.md §6:
// GET /instances/{name}/chats).
func (h *instancesHandler) handleChats(w http.ResponseWriter, r *http.Request) {
	proxy, ok := h.proxyChannel(w, r, r.PathValue("name"))
	if !ok {
		return
	}
	chats, err := proxy.ListChats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

// handleChatMessages proxies a single chat's message history (spec.md §6:
// GET /instances/{name}/chats/{chat_id}/messages).
func (h *instancesHandler) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	proxy, ok := h.proxyChannel(w, r, r.PathValue("name"))
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := proxy.ListMessages(r.Context(), r.PathValue("chat_id"), limit)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errJSON(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}
