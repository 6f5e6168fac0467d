// Package sessions derives the stable session key (C6) a conversation is
// routed and persisted under. Derivation is a pure function of
// (channel_type, instance config, peer metadata) — no I/O, no state.
package sessions

// PeerKind distinguishes a direct-message peer from a guild/group peer.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// PeerMetadata is the channel-reported identity of the conversation the
// inbound message belongs to.
type PeerMetadata struct {
	Kind PeerKind
	// UserInternalID is the resolved internal user id (C5 output) for a
	// WhatsApp 1:1 conversation.
	UserInternalID string
	// GuildID and UserID are Discord-native identifiers. GuildID is empty
	// for a DM.
	GuildID string
	UserID  string
}

// Derive returns the deterministic session key for channelType given the
// instance's session_id_prefix and the peer metadata reported by the
// Channel Adapter. The same (channelType, prefix, peer) always yields the
// same key, for the life of the conversation.
func Derive(channelType, sessionIDPrefix string, peer PeerMetadata) string {
	switch channelType {
	case "discord":
		if peer.Kind == PeerDirect || peer.GuildID == "" {
			return "discord_dm_" + peer.UserID
		}
		return "discord_" + peer.GuildID + "_" + peer.UserID
	case "whatsapp":
		if sessionIDPrefix != "" {
			return sessionIDPrefix + peer.UserInternalID
		}
		return peer.UserInternalID
	default:
		if sessionIDPrefix != "" {
			return sessionIDPrefix + peer.UserInternalID
		}
		return peer.UserInternalID
	}
}
