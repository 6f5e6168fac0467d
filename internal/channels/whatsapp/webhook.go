package whatsapp

import (
	"encoding/json"
	"fmt"

	"github.com/namastexlabs/automagik-omni/internal/bus"
)

// webhookEnvelope is the Baileys-style shape Evolution gateway POSTs:
// {event, instance, data: {messages: [{key, message, messageTimestamp, pushName}]}}.
type webhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     webhookData     `json:"data"`
}

type webhookData struct {
	Messages []webhookMessage `json:"messages"`
	Key      *messageKey      `json:"key"`
	Message  json.RawMessage  `json:"message"`
	PushName string           `json:"pushName"`
	Timestamp int64           `json:"messageTimestamp"`
}

type webhookMessage struct {
	Key              messageKey      `json:"key"`
	Message          json.RawMessage `json:"message"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	PushName         string          `json:"pushName"`
}

type messageKey struct {
	RemoteJid string `json:"remoteJid"`
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
}

// ParseWebhook decodes an Evolution-gateway webhook body into a normalized
// bus.InboundEvent. instanceName comes from the URL path; if the body's own
// "instance" field is present and disagrees, the request is rejected — this
// guards against a misconfigured gateway routing traffic to the wrong
// instance.
func ParseWebhook(instanceName string, body []byte) (bus.InboundEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return bus.InboundEvent{}, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}
	if env.Instance != "" && env.Instance != instanceName {
		return bus.InboundEvent{}, fmt.Errorf("whatsapp: webhook instance %q does not match path instance %q", env.Instance, instanceName)
	}

	msg, err := extractMessage(env)
	if err != nil {
		return bus.InboundEvent{}, err
	}

	if msg.Key.FromMe {
		return bus.InboundEvent{}, errIgnoredEcho
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg.Message, &envelope); err != nil {
		return bus.InboundEvent{}, fmt.Errorf("whatsapp: decode message envelope: %w", err)
	}

	typeKey, text, media, quoted := inspectMessageEnvelope(envelope)

	evt := bus.InboundEvent{
		ChannelType:      "whatsapp",
		InstanceName:     instanceName,
		ChannelMessageID: msg.Key.ID,
		FromPeer:         msg.Key.RemoteJid,
		PeerDisplayName:  msg.PushName,
		PeerKind:         peerKindFor(msg.Key.RemoteJid),
		Text:             text,
		MediaList:        media,
		QuotedMessageID:  quoted,
		MessageTypeRaw:   typeKey,
		TimestampSource:  msg.MessageTimestamp,
		RawPayload:       body,
	}
	if evt.PeerKind == "group" {
		evt.GroupID = msg.Key.RemoteJid
	}
	return evt, nil
}

// errIgnoredEcho marks a webhook event that reflects the instance's own
// outbound send (fromMe=true) — not an error, just nothing to route.
var errIgnoredEcho = fmt.Errorf("whatsapp: ignored echo of own outbound message")

// IsIgnoredEcho reports whether err is the benign fromMe=true case.
func IsIgnoredEcho(err error) bool {
	return err == errIgnoredEcho
}

func extractMessage(env webhookEnvelope) (webhookMessage, error) {
	if len(env.Data.Messages) > 0 {
		return env.Data.Messages[0], nil
	}
	if env.Data.Key != nil {
		return webhookMessage{Key: *env.Data.Key, Message: env.Data.Message, MessageTimestamp: env.Data.Timestamp, PushName: env.Data.PushName}, nil
	}
	return webhookMessage{}, fmt.Errorf("whatsapp: webhook contained no messages")
}

func peerKindFor(remoteJid string) string {
	if hasSuffix(remoteJid, "@g.us") {
		return "group"
	}
	return "direct"
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// inspectMessageEnvelope returns the raw Baileys message-type key (e.g.
// "imageMessage"), extracted text, media references, and any quoted
// message id found in contextInfo.
func inspectMessageEnvelope(envelope map[string]json.RawMessage) (typeKey, text string, media []bus.MediaRef, quotedID string) {
	for key, raw := range envelope {
		switch key {
		case "conversation":
			var s string
			_ = json.Unmarshal(raw, &s)
			return "conversation", s, nil, ""
		case "extendedTextMessage":
			var m struct {
				Text        string `json:"text"`
				ContextInfo struct {
					QuotedMessage json.RawMessage `json:"quotedMessage"`
					StanzaID      string          `json:"stanzaId"`
				} `json:"contextInfo"`
			}
			_ = json.Unmarshal(raw, &m)
			return "extendedTextMessage", m.Text, nil, m.ContextInfo.StanzaID
		case "imageMessage", "videoMessage", "documentMessage", "documentWithCaptionMessage", "stickerMessage", "audioMessage":
			var m struct {
				URL      string `json:"url"`
				Mimetype string `json:"mimetype"`
				Caption  string `json:"caption"`
			}
			_ = json.Unmarshal(raw, &m)
			return key, "", []bus.MediaRef{{URL: m.URL, ContentType: m.Mimetype, Caption: m.Caption}}, ""
		case "reactionMessage":
			var m struct {
				Text string `json:"text"`
				Key  messageKey `json:"key"`
			}
			_ = json.Unmarshal(raw, &m)
			return "reactionMessage", m.Text, nil, m.Key.ID
		case "editedMessage":
			var m struct {
				Message struct {
					ProtocolMessage struct {
						Key           messageKey      `json:"key"`
						EditedMessage json.RawMessage `json:"editedMessage"`
					} `json:"protocolMessage"`
				} `json:"message"`
			}
			_ = json.Unmarshal(raw, &m)
			editedText := ""
			if m.Message.ProtocolMessage.EditedMessage != nil {
				var inner map[string]json.RawMessage
				if err := json.Unmarshal(m.Message.ProtocolMessage.EditedMessage, &inner); err == nil {
					if convRaw, ok := inner["conversation"]; ok {
						_ = json.Unmarshal(convRaw, &editedText)
					}
				}
			}
			return "editedMessage", editedText, nil, m.Message.ProtocolMessage.Key.ID
		case "call":
			var m struct {
				CallID     string `json:"callId"`
				Status     string `json:"status"`
				IsVideo    bool   `json:"isVideo"`
			}
			_ = json.Unmarshal(raw, &m)
			return "call", m.Status, nil, m.CallID
		case "pollCreationMessage", "pollCreationMessageV2", "pollCreationMessageV3", "pollUpdateMessage",
			"protocolMessage", "locationMessage", "liveLocationMessage", "contactMessage", "contactsArrayMessage",
			"ephemeralMessage", "viewOnceMessage", "viewOnceMessageV2":
			return key, "", nil, ""
		}
	}
	return "unknown", "", nil, ""
}
