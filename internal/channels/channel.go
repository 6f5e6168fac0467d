// Package channels defines the Channel Adapter (C3) capability set every
// channel variant implements, plus shared helpers (rate limiting,
// chunked-send guards) the whatsapp and discord variants embed.
package channels

import (
	"context"

	"github.com/namastexlabs/automagik-omni/internal/bus"
)

// Channel is the common capability set every channel variant implements,
// modeled as a tagged variant rather than deep inheritance (§9): each
// variant owns its connection state and is the sole writer of its socket.
type Channel interface {
	// Name returns the instance name this adapter serves.
	Name() string

	// Start begins listening for inbound messages on this instance's
	// channel account. Non-blocking after setup; ctx is chained from the
	// instance's lifecycle context and cancellation tears the adapter down.
	Start(ctx context.Context) error

	// Stop gracefully disconnects. Idempotent.
	Stop(ctx context.Context) error

	// Restart is disconnect followed by connect, serialized under the same
	// per-instance lock the Instance Registry holds.
	Restart(ctx context.Context) error

	// Status reports the adapter's native connection state, which the
	// registry maps onto its own lifecycle state machine.
	Status() Status

	// SendText sends a plain-text reply to peer.
	SendText(ctx context.Context, peer, text string) (messageID string, err error)

	// SendMedia sends a single media item (image/video/document/sticker).
	SendMedia(ctx context.Context, peer string, media bus.MediaRef) (messageID string, err error)

	// SendAudio sends a voice/audio message.
	SendAudio(ctx context.Context, peer string, media bus.MediaRef) (messageID string, err error)

	// SendReaction attaches an emoji reaction to a previously sent or
	// received message.
	SendReaction(ctx context.Context, peer, messageID, emoji string) error
}

// Status is the adapter-native connection status exposed for admin
// introspection (§4.2's status query).
type Status struct {
	Connected bool
	Detail    string
}

// PairingChannel is implemented by variants that support a connect-time QR
// or pairing-code handshake (WhatsApp's Evolution-gateway pairing flow).
type PairingChannel interface {
	Channel
	// Pair returns a base64 QR image or pairing code, or an error if the
	// adapter is not in a state where pairing can be initiated.
	Pair(ctx context.Context) (qrOrCode string, err error)
}

// Contact is a channel-native address-book entry, returned as-is from the
// underlying gateway without field-level normalization.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	PushName    string `json:"push_name,omitempty"`
	ProfilePic  string `json:"profile_pic,omitempty"`
}

// Chat is a channel-native conversation summary.
type Chat struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	UnreadCount   int    `json:"unread_count,omitempty"`
	LastMessageAt string `json:"last_message_at,omitempty"`
}

// ChatMessage is a single channel-native message within a chat's history.
type ChatMessage struct {
	ID        string `json:"id"`
	FromPeer  string `json:"from_peer"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
}

// ProxyChannel is implemented by variants that can list the underlying
// gateway's contacts/chats/chat-history, proxied through to the admin API
// (spec.md §6) without this process storing its own copy.
type ProxyChannel interface {
	Channel
	ListContacts(ctx context.Context) ([]Contact, error)
	ListChats(ctx context.Context) ([]Chat, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
