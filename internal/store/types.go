// Package store defines the persisted entities and storage interfaces of the
// Config Store (C1): tenant configs, access rules, user identities, and
// message traces. Concrete backends live in internal/store/pg and
// internal/store/sqlite.
package store

import "time"

// InstanceConfig is the identity and connection config of one tenant.
type InstanceConfig struct {
	Name            string            `json:"name"`
	ChannelType     string            `json:"channel_type"` // "whatsapp" | "discord"
	Credentials     map[string]string `json:"credentials"`  // opaque bag, schema per channel_type
	AgentAPIURL     string            `json:"agent_api_url"`
	AgentAPIKey     string            `json:"agent_api_key"`
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

// WhatsApp and Discord credential keys recognized in InstanceConfig.Credentials.
const (
	CredEvolutionURL        = "evolution_url"
	CredEvolutionKey        = "evolution_key"
	CredWhatsAppInstanceID  = "whatsapp_instance_id"
	CredDiscordBotToken     = "discord_bot_token"
	CredDiscordGuildID      = "discord_guild_id"
)

// User is a platform-neutral identity, created on first contact from any
// channel and never deleted implicitly.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserExternalID links a channel-native identity to an internal User.
// Unique on (Provider, ExternalID).
type UserExternalID struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"` // channel_type
	ExternalID string            `json:"external_id"`
	UserID     string            `json:"user_id"`
	Extra      map[string]string `json:"extra,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// RuleType is the effect of an AccessRule.
type RuleType string

const (
	RuleAllow RuleType = "allow"
	RuleBlock RuleType = "block"
)

// AccessRule is an admission rule for a (instance, phone/peer) pair.
// InstanceName == "" means the rule is global.
type AccessRule struct {
	ID           string    `json:"id"`
	InstanceName string    `json:"instance_name,omitempty"`
	PhoneNumber  string    `json:"phone_number"` // E.164 or trailing "*" wildcard
	RuleType     RuleType  `json:"rule_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TraceStatus is the lifecycle status of a MessageTrace. Monotonic toward
// a terminal value; once terminal only timing/success fields may change.
type TraceStatus string

const (
	StatusReceived     TraceStatus = "received"
	StatusProcessing   TraceStatus = "processing"
	StatusCompleted    TraceStatus = "completed"
	StatusFailed       TraceStatus = "failed"
	StatusAccessDenied TraceStatus = "access_denied"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s TraceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAccessDenied:
		return true
	default:
		return false
	}
}

// MessageType is the closed, normalized enumeration every channel-native
// message type maps onto (§4.9).
type MessageType string

const (
	MsgText         MessageType = "text"
	MsgImage        MessageType = "image"
	MsgVideo        MessageType = "video"
	MsgAudio        MessageType = "audio"
	MsgDocument     MessageType = "document"
	MsgSticker      MessageType = "sticker"
	MsgReaction     MessageType = "reaction"
	MsgPoll         MessageType = "poll"
	MsgPollUpdate   MessageType = "poll_update"
	MsgEphemeral    MessageType = "ephemeral"
	MsgViewOnce     MessageType = "view_once"
	MsgProtocol     MessageType = "protocol"
	MsgSystem       MessageType = "system"
	MsgEdited       MessageType = "edited"
	MsgCall         MessageType = "call"
	MsgLocation     MessageType = "location"
	MsgLiveLocation MessageType = "live_location"
	MsgContact      MessageType = "contact"
	MsgContacts     MessageType = "contacts"
	MsgUnknown      MessageType = "unknown"
)

// MessageTrace is one row per inbound message; outbound sends attach to it.
type MessageTrace struct {
	TraceID               string      `json:"trace_id"`
	InstanceName          string      `json:"instance_name"`
	ChannelType            string      `json:"channel_type"`
	Direction              string      `json:"direction"` // "inbound" | "outbound"
	MessageID              string      `json:"message_id"`
	SessionName             string      `json:"session_name"`
	UserID                  string      `json:"user_id,omitempty"`
	SenderPhone             string      `json:"sender_phone,omitempty"`
	SenderName              string      `json:"sender_name,omitempty"`
	MessageType             MessageType `json:"message_type"`
	HasMedia                bool        `json:"has_media"`
	HasQuotedMessage        bool        `json:"has_quoted_message"`
	Status                  TraceStatus `json:"status"`
	ErrorMessage            string      `json:"error_message,omitempty"`
	ErrorStage              string      `json:"error_stage,omitempty"`
	ReceivedAt              time.Time   `json:"received_at"`
	CompletedAt             *time.Time  `json:"completed_at,omitempty"`
	AgentProcessingTimeMs   int64       `json:"agent_processing_time_ms"`
	TotalProcessingTimeMs   int64       `json:"total_processing_time_ms"`
	AgentResponseSuccess    bool        `json:"agent_response_success"`
	ChannelSendSuccess      bool        `json:"channel_send_success"`
}

// PayloadStage identifies which stage of the router pipeline a TracePayload
// was captured at.
type PayloadStage string

const (
	StageWebhookReceived PayloadStage = "webhook_received"
	StageAgentRequest    PayloadStage = "agent_request"
	StageAgentResponse   PayloadStage = "agent_response"
	StageOutboundSent    PayloadStage = "outbound_sent"
)

// TracePayload is a stage-scoped record of the raw data observed at that
// stage of a trace, compressed per §6's payload codec.
type TracePayload struct {
	ID                     string       `json:"id"`
	TraceID                string       `json:"trace_id"`
	Stage                  PayloadStage `json:"stage"`
	PayloadType            string       `json:"payload_type"`
	Timestamp              time.Time    `json:"timestamp"`
	StatusCode             int          `json:"status_code,omitempty"`
	PayloadSizeOriginal    int          `json:"payload_size_original"`
	PayloadSizeCompressed  int          `json:"payload_size_compressed"`
	CompressionRatio       float64      `json:"compression_ratio"`
	ContainsMedia          bool         `json:"contains_media"`
	ContainsBase64         bool         `json:"contains_base64"`
	Payload                []byte       `json:"payload"` // compressed blob
}
