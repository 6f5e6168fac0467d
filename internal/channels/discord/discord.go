// Package discord implements the Discord Channel Adapter (C3) variant:
// a bwmarrin/discordgo gateway session scoped to direct messages and
// explicit @mentions, grounded on the gateway's own discordgo wiring.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/namastexlabs/automagik-omni/internal/bus"
	"github.com/namastexlabs/automagik-omni/internal/channels"
)

const maxMessageLen = 2000

// Channel is the Discord gateway-event Channel Adapter variant.
type Channel struct {
	name      string
	session   *discordgo.Session
	msgBus    *bus.MessageBus
	botUserID string

	mu        sync.Mutex
	connected bool
}

// New creates a Discord channel bound to instanceName, authenticating with
// botToken. The session is not started until Start is called.
func New(instanceName, botToken string, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	c := &Channel{name: instanceName, session: session, msgBus: msgBus}
	session.AddHandler(c.handleMessage)
	return c, nil
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botUserID = c.session.State.User.ID
	}
	c.connected = true
	c.msgBus.RegisterSender(c.name, c.send)
	slog.Info("discord channel connected", "instance", c.name)

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.msgBus.UnregisterSender(c.name)
	err := c.session.Close()
	c.connected = false
	if err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
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

func (c *Channel) send(ctx context.Context, msg bus.OutboundMessage) (bus.SendResult, error) {
	switch {
	case msg.ReactionTo != "":
		if err := c.sendReaction(msg.Peer, msg.ReactionTo, msg.Emoji); err != nil {
			return bus.SendResult{Err: err}, err
		}
		return bus.SendResult{}, nil
	case len(msg.Media) > 0:
		id, err := c.sendMediaItem(msg.Peer, msg.Media[0])
		return bus.SendResult{MessageID: id, Err: err}, err
	default:
		id, err := c.sendChunked(msg.Peer, msg.Text)
		return bus.SendResult{MessageID: id, Err: err}, err
	}
}

func (c *Channel) SendText(ctx context.Context, peer, text string) (string, error) {
	return c.sendChunked(peer, text)
}

func (c *Channel) SendMedia(ctx context.Context, peer string, media bus.MediaRef) (string, error) {
	return c.sendMediaItem(peer, media)
}

func (c *Channel) SendAudio(ctx context.Context, peer string, media bus.MediaRef) (string, error) {
	return c.sendMediaItem(peer, media)
}

func (c *Channel) SendReaction(ctx context.Context, peer, messageID, emoji string) error {
	return c.sendReaction(peer, messageID, emoji)
}

// sendChunked sends content, splitting at the 2000-char Discord message cap,
// preferring to break on a newline.
func (c *Channel) sendChunked(channelID, content string) (string, error) {
	if content == "" {
		return "", nil
	}

	var lastID string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		m, err := c.session.ChannelMessageSend(channelID, chunk)
		if err != nil {
			return "", fmt.Errorf("discord: send message: %w", err)
		}
		lastID = m.ID
	}
	return lastID, nil
}

// sendMediaItem sends media by reference: the adapter only ever holds a
// URL (trace_payloads never embeds binary media, §9), so Discord delivery
// is a message containing the URL — Discord's own link-preview/embed
// renders it inline for images/video without a re-upload round trip.
func (c *Channel) sendMediaItem(channelID string, media bus.MediaRef) (string, error) {
	m, err := c.session.ChannelMessageSend(channelID, mediaLinkText(media))
	if err != nil {
		return "", fmt.Errorf("discord: send media: %w", err)
	}
	return m.ID, nil
}

func mediaLinkText(media bus.MediaRef) string {
	if media.Caption != "" {
		return media.Caption + "\n" + media.URL
	}
	return media.URL
}

func (c *Channel) sendReaction(channelID, messageID, emoji string) error {
	if err := c.session.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		return fmt.Errorf("discord: send reaction: %w", err)
	}
	return nil
}

// handleMessage forwards DMs and explicit @mentions to the message bus,
// normalized into a bus.InboundEvent. Guild messages the bot was not
// mentioned in, and messages from the bot itself, are ignored.
func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !mentionsBot(m, c.botUserID) {
		return
	}

	msgType := fmt.Sprintf("%d", m.Type)
	switch m.Type {
	case discordgo.MessageTypeDefault:
		msgType = "default"
	case discordgo.MessageTypeReply:
		msgType = "reply"
	case discordgo.MessageTypeChatInputCommand:
		msgType = "chat_input_command"
	}

	evt := bus.InboundEvent{
		ChannelType:      "discord",
		InstanceName:     c.name,
		ChannelMessageID: m.ID,
		FromPeer:         m.ChannelID,
		PeerDisplayName:  m.Author.Username,
		Text:             stripMention(m.Content, c.botUserID),
		MessageTypeRaw:   msgType,
		TimestampSource:  m.Timestamp.UnixMilli(),
		Metadata: map[string]string{
			"discord_user_id": m.Author.ID,
		},
	}
	if isDM {
		evt.PeerKind = "direct"
	} else {
		evt.PeerKind = "group"
		evt.GroupID = m.GuildID
		evt.Metadata["discord_guild_id"] = m.GuildID
	}
	for _, a := range m.Attachments {
		evt.MediaList = append(evt.MediaList, bus.MediaRef{URL: a.URL, ContentType: a.ContentType})
	}
	if m.MessageReference != nil {
		evt.QuotedMessageID = m.MessageReference.MessageID
	}

	c.msgBus.PublishInbound(evt)
}

func mentionsBot(m *discordgo.MessageCreate, botUserID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botUserID {
			return true
		}
	}
	return false
}

func stripMention(content, botUserID string) string {
	content = strings.ReplaceAll(content, fmt.Sprintf("<@%s>", botUserID), "")
	content = strings.ReplaceAll(content, fmt.Sprintf("<@!%s>", botUserID), "")
	return strings.TrimSpace(content)
}

// lastIndexByte returns the last index of byte b in s, or -1.
func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
