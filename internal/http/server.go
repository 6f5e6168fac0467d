// Package http implements the admin/data HTTP surface (spec.md §6): instance
// CRUD and lifecycle, send endpoints, access rule management, trace
// browsing, webhook ingress, health, and a websocket admin event stream —
// grounded on the gateway's internal/gateway/server.go mux-building pattern
// and internal/http/channel_instances.go's handler shape.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/channels"
	"github.com/namastexlabs/automagik-omni/internal/config"
	"github.com/namastexlabs/automagik-omni/internal/registry"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// Server is the admin HTTP server: one process-wide mux wiring every
// handler group, plus the websocket admin event stream.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	msgBus   *bus.MessageBus
	stores   *store.Stores

	rateLimiter *channels.WebhookRateLimiter
	upgrader    websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds a Server wired to the given registry and store bundle.
func NewServer(cfg *config.Config, reg *registry.Registry, msgBus *bus.MessageBus, stores *store.Stores) *Server {
	s := &Server{
		cfg:         cfg,
		registry:    reg,
		msgBus:      msgBus,
		stores:      stores,
		rateLimiter: channels.NewWebhookRateLimiter(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates a websocket upgrade's Origin header against the
// configured CORS allowlist. An empty allowlist or "*" entry allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.CORS.Origins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	slog.Warn("http: websocket origin rejected", "origin", origin)
	return false
}

// BuildMux registers every route group on a fresh mux, auth-wrapping every
// endpoint except /health and /webhook/*, per spec.md §6.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	wh := &webhookHandler{stores: s.stores, msgBus: s.msgBus, registry: s.registry, limiter: s.rateLimiter}
	mux.HandleFunc("POST /webhook/evolution/{instance_name}", wh.handle)

	ih := &instancesHandler{stores: s.stores, registry: s.registry}
	mux.HandleFunc("GET /api/v1/instances", s.auth(ih.handleList))
	mux.HandleFunc("POST /api/v1/instances", s.auth(ih.handleCreate))
	mux.HandleFunc("GET /api/v1/instances/{name}", s.auth(ih.handleGet))
	mux.HandleFunc("PUT /api/v1/instances/{name}", s.auth(ih.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/instances/{name}", s.auth(ih.handleDelete))
	mux.HandleFunc("GET /api/v1/instances/{name}/qr", s.auth(ih.handleQR))
	mux.HandleFunc("GET /api/v1/instances/{name}/status", s.auth(ih.handleStatus))
	mux.HandleFunc("POST /api/v1/instances/{name}/connect", s.auth(ih.handleConnect))
	mux.HandleFunc("POST /api/v1/instances/{name}/disconnect", s.auth(ih.handleDisconnect))
	mux.HandleFunc("POST /api/v1/instances/{name}/restart", s.auth(ih.handleRestart))
	mux.HandleFunc("GET /api/v1/instances/{name}/contacts", s.auth(ih.handleContacts))
	mux.HandleFunc("GET /api/v1/instances/{name}/chats", s.auth(ih.handleChats))
	mux.HandleFunc("GET /api/v1/instances/{name}/chats/{chat_id}/messages", s.auth(ih.handleChatMessages))

	sh := &sendHandler{registry: s.registry}
	mux.HandleFunc("POST /api/v1/instance/{name}/send-text", s.auth(sh.handleSendText))
	mux.HandleFunc("POST /api/v1/instance/{name}/send-media", s.auth(sh.handleSendMedia))
	mux.HandleFunc("POST /api/v1/instance/{name}/send-audio", s.auth(sh.handleSendAudio))
	mux.HandleFunc("POST /api/v1/instance/{name}/send-reaction", s.auth(sh.handleSendReaction))

	ah := &accessHandler{access: s.stores.Access}
	mux.HandleFunc("GET /api/v1/access/rules", s.auth(ah.handleList))
	mux.HandleFunc("POST /api/v1/access/rules", s.auth(ah.handleCreate))
	mux.HandleFunc("DELETE /api/v1/access/rules/{id}", s.auth(ah.handleDelete))
	mux.HandleFunc("POST /api/v1/access/check", s.auth(ah.handleCheck))

	th := &tracesHandler{traces: s.stores.Traces}
	mux.HandleFunc("GET /api/v1/traces", s.auth(th.handleList))
	mux.HandleFunc("GET /api/v1/traces/{trace_id}", s.auth(th.handleGet))
	mux.HandleFunc("GET /api/v1/traces/{trace_id}/payloads", s.auth(th.handlePayloads))
	mux.HandleFunc("GET /api/v1/analytics/summary", s.auth(th.handleAnalytics))

	eh := &eventsHandler{msgBus: s.msgBus, upgrader: s.upgrader}
	mux.HandleFunc("GET /v1/events", s.auth(eh.handle))

	s.mux = mux
	return mux
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully with a bounded drain window.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.cors(mux)}

	slog.Info("http: listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http: serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
