// Package channels defines the capability-set interface every chat
// channel implements, generalized from the teacher's DM/Group policy
// channel abstraction (internal/channels/channel.go in the teacher) to
// Pynchy's owns_jid/trigger/access model.
package channels

import "context"

// Channel is the mandatory capability set every channel implements
// (spec.md §4.8).
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	IsConnected() bool
	// OwnsJID reports whether this channel is the origin/destination for jid.
	OwnsJID(jid string) bool
	SendMessage(ctx context.Context, jid, text string) error
	// PrefixAssistantName declares whether format_outbound should prepend
	// the assistant's emoji-name prefix for this channel.
	PrefixAssistantName() bool
}

// TypingChannel is an optional capability: setting a typing indicator.
type TypingChannel interface {
	Channel
	SetTyping(ctx context.Context, jid string, on bool) error
}

// ReactionChannel is an optional capability: emoji reactions on a
// specific message.
type ReactionChannel interface {
	Channel
	SendReaction(ctx context.Context, jid, messageID, emoji string) error
}

// StreamingChannel is an optional capability: post-once-update-as-it-
// grows delivery, e.g. editing a Slack message in place.
type StreamingChannel interface {
	Channel
	PostMessage(ctx context.Context, jid, text string) (messageID string, err error)
	UpdateMessage(ctx context.Context, jid, messageID, text string) error
}

// ReconcilableChannel is an optional capability: asking the channel for
// messages it has that the store might be missing (history
// reconciliation, §4.2).
type ReconcilableChannel interface {
	Channel
	FetchInboundSince(ctx context.Context, jid string, since string) ([]InboundMessage, error)
}

// GroupCreatorChannel is an optional capability: creating a new chat
// group for a workspace that doesn't have one yet.
type GroupCreatorChannel interface {
	Channel
	CreateGroup(ctx context.Context, name string) (jid string, err error)
}

// AskUserChannel is an optional capability: posting a structured
// clarifying-question prompt to the user.
type AskUserChannel interface {
	Channel
	SendAskUser(ctx context.Context, jid, requestID string, questions []string) (messageID string, err error)
}

// InboundMessage is what a ReconcilableChannel.FetchInboundSince returns;
// kept separate from store.Message so this package has no store
// dependency.
type InboundMessage struct {
	ID          string
	SenderID    string
	DisplayName string
	Content     string
	Timestamp   string
	IsFromMe    bool
}

// BaseChannel provides the IsAllowed/allowlist helper shared by concrete
// channel implementations, mirroring the teacher's BaseChannel.
type BaseChannel struct {
	name      string
	connected bool
	allowList map[string]bool
}

func NewBaseChannel(name string, allowList []string) BaseChannel {
	m := make(map[string]bool, len(allowList))
	for _, a := range allowList {
		m[a] = true
	}
	return BaseChannel{name: name, allowList: m}
}

func (b *BaseChannel) Name() string       { return b.name }
func (b *BaseChannel) IsConnected() bool  { return b.connected }
func (b *BaseChannel) SetConnected(v bool) { b.connected = v }

// IsAllowed reports whether senderID passes this channel's allowlist.
// An empty allowlist allows everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowList) == 0 {
		return true
	}
	return b.allowList[senderID]
}

// Truncate keeps the first maxLen runes of text and appends "…" when text
// is longer, so a truncated result is maxLen+1 runes long. Matches the
// teacher's output truncation helper used before sending to a platform
// with a length cap.
func Truncate(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen]) + "…"
}
