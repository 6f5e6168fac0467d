package tracing

import (
	"strings"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// whatsappTypes maps Baileys/Evolution-gateway message-type keys (the
// field names under a message envelope's "message" object) onto the closed
// normalized enumeration.
var whatsappTypes = map[string]store.MessageType{
	"conversation":                   store.MsgText,
	"extendedtextmessage":            store.MsgText,
	"imagemessage":                   store.MsgImage,
	"videomessage":                   store.MsgVideo,
	"audiomessage":                   store.MsgAudio,
	"documentmessage":                store.MsgDocument,
	"documentwithcaptionmessage":     store.MsgDocument,
	"stickermessage":                 store.MsgSticker,
	"reactionmessage":                store.MsgReaction,
	"pollcreationmessage":            store.MsgPoll,
	"pollcreationmessagev2":          store.MsgPoll,
	"pollcreationmessagev3":          store.MsgPoll,
	"pollupdatemessage":              store.MsgPollUpdate,
	"ephemeralmessage":               store.MsgEphemeral,
	"viewoncemessage":                store.MsgViewOnce,
	"viewoncemessagev2":              store.MsgViewOnce,
	"protocolmessage":                store.MsgProtocol,
	"editedmessage":                  store.MsgEdited,
	"call":                           store.MsgCall,
	"locationmessage":                store.MsgLocation,
	"livelocationmessage":            store.MsgLiveLocation,
	"contactmessage":                 store.MsgContact,
	"contactsarraymessage":           store.MsgContacts,
}

// discordTypes maps the names the Discord adapter gives discordgo
// MessageType values onto the normalized enumeration.
var discordTypes = map[string]store.MessageType{
	"default":        store.MsgText,
	"reply":          store.MsgText,
	"chat_input_command": store.MsgText,
}

// Normalize maps a channel-native raw type string to the closed
// MessageType enumeration. Unrecognized values map to MsgUnknown rather
// than erroring — §4.9 explicitly allows backfilling unknown rows later by
// reprocessing the raw TracePayload.
func Normalize(channelType, raw string) store.MessageType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return store.MsgUnknown
	}

	var table map[string]store.MessageType
	switch channelType {
	case "whatsapp":
		table = whatsappTypes
	case "discord":
		table = discordTypes
	default:
		return store.MsgUnknown
	}

	if mt, ok := table[key]; ok {
		return mt
	}
	return store.MsgUnknown
}
