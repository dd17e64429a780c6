// Package discord implements a thin channels.Channel over discordgo. It
// stays deliberately shallow per spec.md §1's non-goal of deep wire
// protocol handling: one guild-channel JID maps to one Discord text
// channel, with reactions and typing wired through but no slash
// commands, embeds, or voice.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/crypdick/pynchy/internal/channels"
)

// Channel wraps one discordgo.Session. JIDs take the form
// "discord:<channelID>".
type Channel struct {
	channels.BaseChannel
	log     *slog.Logger
	token   string
	onText  func(jid, senderID, displayName, text string)

	mu      sync.Mutex
	session *discordgo.Session
}

func New(log *slog.Logger, token string, onText func(jid, senderID, displayName, text string)) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", nil),
		log:         log,
		token:       token,
		onText:      onText,
	}
}

func jidFor(channelID string) string { return "discord:" + channelID }

func channelIDFromJID(jid string) (string, bool) {
	const prefix = "discord:"
	if !strings.HasPrefix(jid, prefix) {
		return "", false
	}
	return strings.TrimPrefix(jid, prefix), true
}

func (c *Channel) Connect(ctx context.Context) error {
	sess, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("discord: new session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if c.onText != nil {
			c.onText(jidFor(m.ChannelID), m.Author.ID, m.Author.Username, m.Content)
		}
	})

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.SetConnected(true)
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	c.SetConnected(false)
	if sess == nil {
		return nil
	}
	return sess.Close()
}

func (c *Channel) Reconnect(ctx context.Context) error {
	_ = c.Disconnect(ctx)
	return c.Connect(ctx)
}

func (c *Channel) OwnsJID(jid string) bool {
	_, ok := channelIDFromJID(jid)
	return ok
}

func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	channelID, ok := channelIDFromJID(jid)
	if !ok {
		return fmt.Errorf("discord: jid %q not owned by this channel", jid)
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("discord: not connected")
	}
	_, err := sess.ChannelMessageSend(channelID, channels.Truncate(text, 2000))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (c *Channel) PrefixAssistantName() bool { return false }

func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on {
		return nil
	}
	channelID, ok := channelIDFromJID(jid)
	if !ok {
		return nil
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.ChannelTyping(channelID)
}

func (c *Channel) SendReaction(ctx context.Context, jid, messageID, emoji string) error {
	channelID, ok := channelIDFromJID(jid)
	if !ok {
		return nil
	}
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.MessageReactionAdd(channelID, messageID, emoji)
}

var (
	_ channels.Channel         = (*Channel)(nil)
	_ channels.TypingChannel   = (*Channel)(nil)
	_ channels.ReactionChannel = (*Channel)(nil)
)
