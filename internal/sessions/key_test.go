package sessions

import "testing"

func TestDeriveWhatsApp(t *testing.T) {
	got := Derive("whatsapp", "omni-", PeerMetadata{Kind: PeerDirect, UserInternalID: "u-123"})
	if got != "omni-u-123" {
		t.Fatalf("got %q", got)
	}
}

func TestDeriveWhatsAppNoPrefix(t *testing.T) {
	got := Derive("whatsapp", "", PeerMetadata{Kind: PeerDirect, UserInternalID: "5511990000101@s.whatsapp.net"})
	if got != "5511990000101@s.whatsapp.net" {
		t.Fatalf("got %q", got)
	}
}

func TestDeriveDiscordGuild(t *testing.T) {
	got := Derive("discord", "", PeerMetadata{Kind: PeerGroup, GuildID: "G1", UserID: "U1"})
	if got != "discord_G1_U1" {
		t.Fatalf("got %q", got)
	}
}

func TestDeriveDiscordDM(t *testing.T) {
	got := Derive("discord", "", PeerMetadata{Kind: PeerDirect, UserID: "U1"})
	if got != "discord_dm_U1" {
		t.Fatalf("got %q", got)
	}
}

func TestDeriveStable(t *testing.T) {
	peer := PeerMetadata{Kind: PeerGroup, GuildID: "G1", UserID: "U1"}
	a := Derive("discord", "", peer)
	b := Derive("discord", "", peer)
	if a != b {
		t.Fatalf("expected stable derivation, got %q and %q", a, b)
	}
}
