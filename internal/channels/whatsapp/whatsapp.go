// Package whatsapp implements the WhatsApp Channel Adapter (C3) variant: an
// Evolution-gateway webhook receiver plus a REST client for outbound sends.
// Unlike Discord's persistent gateway session, WhatsApp has no long-lived
// connection this process holds open — "connected" means the Evolution
// gateway reports its own bridged session as open.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/channels"
)

// Channel is the Evolution-gateway-backed WhatsApp adapter.
type Channel struct {
	name           string
	evolutionURL   string
	evolutionKey   string
	instanceID     string
	msgBus         *bus.MessageBus
	httpClient     *http.Client

	mu        sync.Mutex
	connected bool
}

// New creates a WhatsApp channel bound to instanceName, talking to the
// given Evolution-gateway deployment and WhatsApp instance.
func New(instanceName, evolutionURL, evolutionKey, whatsappInstanceID string, msgBus *bus.MessageBus) (*Channel, error) {
	if evolutionURL == "" || whatsappInstanceID == "" {
		return nil, fmt.Errorf("whatsapp: evolution_url and whatsapp_instance_id are required")
	}
	return &Channel{
		name:         instanceName,
		evolutionURL: strings.TrimRight(evolutionURL, "/"),
		evolutionKey: evolutionKey,
		instanceID:   whatsappInstanceID,
		msgBus:       msgBus,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Channel) Name() string { return c.name }

// Start confirms the Evolution gateway reports this instance as reachable
// and registers the outbound sender. Inbound messages arrive exclusively
// via the HTTP webhook route (internal/http), not a connection this
// process holds open.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.fetchStatus(ctx)
	if err != nil {
		c.connected = false
		return fmt.Errorf("whatsapp: start: %w", err)
	}
	c.connected = status
	c.msgBus.RegisterSender(c.name, c.send)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgBus.UnregisterSender(c.name)
	c.connected = false
	return nil
}

func (c *Channel) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

func (c *Channel) Status() channels.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	detail := "disconnected"
	if c.connected {
		detail = "connected"
	}
	return channels.Status{Connected: c.connected, Detail: detail}
}

// Pair requests a fresh QR code / pairing code from the Evolution gateway
// for an instance that has not completed the WhatsApp Web handshake yet.
func (c *Channel) Pair(ctx context.Context) (string, error) {
	var out struct {
		QRCode struct {
			Base64 string `json:"base64"`
			Code   string `json:"code"`
		} `json:"qrcode"`
	}
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/instance/connect/%s", c.instanceID), nil, &out); err != nil {
		return "", fmt.Errorf("whatsapp: pair: %w", err)
	}
	if out.QRCode.Base64 != "" {
		return out.QRCode.Base64, nil
	}
	return out.QRCode.Code, nil
}

func (c *Channel) fetchStatus(ctx context.Context) (bool, error) {
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/instance/connectionState/%s", c.instanceID), nil, &out); err != nil {
		return false, err
	}
	return out.Instance.State == "open", nil
}

func (c *Channel) send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
	switch {
	case msg.ReactionTo != "":
		err := c.SendReaction(ctx, msg.Peer, msg.ReactionTo, msg.Emoji)
		return bus.SendResult{Err: err}, err
	case len(msg.Media) > 0:
		id, err := c.SendMedia(ctx, msg.Peer, msg.Media[0])
		return bus.SendResult{MessageID: id, Err: err}, err
	default:
		id, err := c.SendText(ctx, msg.Peer, msg.Text)
		return bus.SendResult{MessageID: id, Err: err}, err
	}
}

func (c *Channel) SendText(ctx context.Context, peer, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	body := map[string]any{
		"number": peer,
		"text":   text,
	}
	var out sendResponse
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/message/sendText/%s", c.instanceID), body, &out); err != nil {
		return "", fmt.Errorf("whatsapp: send text: %w", err)
	}
	return out.Key.ID, nil
}

func (c *Channel) SendMedia(ctx context.Context, peer string, media bus.MediaRef) (string, error) {
	body := map[string]any{
		"number":   peer,
		"mediatype": mediaKind(media.ContentType),
		"media":    media.URL,
		"caption":  media.Caption,
	}
	var out sendResponse
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/message/sendMedia/%s", c.instanceID), body, &out); err != nil {
		return "", fmt.Errorf("whatsapp: send media: %w", err)
	}
	return out.Key.ID, nil
}

func (c *Channel) SendAudio(ctx context.Context, peer string, media bus.MediaRef) (string, error) {
	body := map[string]any{
		"number": peer,
		"audio":  media.URL,
	}
	var out sendResponse
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/message/sendWhatsAppAudio/%s", c.instanceID), body, &out); err != nil {
		return "", fmt.Errorf("whatsapp: send audio: %w", err)
	}
	return out.Key.ID, nil
}

func (c *Channel) SendReaction(ctx context.Context, peer, messageID, emoji string) error {
	body := map[string]any{
		"reactionMessage": map[string]any{
			"key":    map[string]string{"remoteJid": peer, "id": messageID},
			"reaction": emoji,
		},
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/message/sendReaction/%s", c.instanceID), body, nil); err != nil {
		return fmt.Errorf("whatsapp: send reaction: %w", err)
	}
	return nil
}

// ListContacts proxies the Evolution gateway's contact list for this
// instance (spec.md §6: GET /instances/{name}/contacts).
func (c *Channel) ListContacts(ctx context.Context) ([]channels.Contact, error) {
	var out []struct {
		ID         string `json:"id"`
		Name       string `json:"pushName"`
		ProfilePic string `json:"profilePicUrl"`
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/chat/findContacts/%s", c.instanceID), map[string]any{}, &out); err != nil {
		return nil, fmt.Errorf("whatsapp: list contacts: %w", err)
	}
	contacts := make([]channels.Contact, len(out))
	for i, o := range out {
		contacts[i] = channels.Contact{ID: o.ID, PushName: o.Name, ProfilePic: o.ProfilePic}
	}
	return contacts, nil
}

// ListChats proxies the Evolution gateway's chat list for this instance
// (spec.md §6: GET /instances/{name}/chats).
func (c *Channel) ListChats(ctx context.Context) ([]channels.Chat, error) {
	var out []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		UnreadCount int    `json:"unreadCount"`
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/chat/findChats/%s", c.instanceID), map[string]any{}, &out); err != nil {
		return nil, fmt.Errorf("whatsapp: list chats: %w", err)
	}
	chats := make([]channels.Chat, len(out))
	for i, o := range out {
		chats[i] = channels.Chat{ID: o.ID, Name: o.Name, UnreadCount: o.UnreadCount}
	}
	return chats, nil
}

// ListMessages proxies message history for a single chat (spec.md §6:
// GET /instances/{name}/chats/{chat_id}/messages).
func (c *Channel) ListMessages(ctx context.Context, chatID string, limit int) ([]channels.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	body := map[string]any{
		"where": map[string]any{"key": map[string]string{"remoteJid": chatID}},
		"limit": limit,
	}
	var out struct {
		Messages struct {
			Records []struct {
				Key struct {
					ID        string `json:"id"`
					RemoteJID string `json:"remoteJid"`
					FromMe    bool   `json:"fromMe"`
				} `json:"key"`
				Message         json.RawMessage `json:"message"`
				MessageTimestamp int64          `json:"messageTimestamp"`
			} `json:"records"`
		} `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/chat/findMessages/%s", c.instanceID), body, &out); err != nil {
		return nil, fmt.Errorf("whatsapp: list messages: %w", err)
	}
	msgs := make([]channels.ChatMessage, len(out.Messages.Records))
	for i, r := range out.Messages.Records {
		var content struct {
			Conversation string `json:"conversation"`
		}
		_ = json.Unmarshal(r.Message, &content)
		msgs[i] = channels.ChatMessage{
			ID:        r.Key.ID,
			FromPeer:  r.Key.RemoteJID,
			Text:      content.Conversation,
			FromMe:    r.Key.FromMe,
			Timestamp: fmt.Sprintf("%d", r.MessageTimestamp),
		}
	}
	return msgs, nil
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}

func (c *Channel) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.evolutionURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.evolutionKey != "" {
		req.Header.Set("apikey", c.evolutionKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call evolution gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("evolution gateway returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
