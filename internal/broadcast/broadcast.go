// Package broadcast implements the channel fan-out plane: formatting
// differences per channel, agent-output rendering, reactions/typing
// propagation, and the outbound delivery ledger. Grounded on the
// teacher's channel capability-set pattern, generalized to Pynchy's
// broadcast_to_channels/format_outbound/handle_streamed_output model.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/container"
	"github.com/crypdick/pynchy/internal/store"
)

// Plane owns the live channel list and the outbound ledger.
type Plane struct {
	log          *slog.Logger
	store        store.Store
	assistant    string // e.g. "\U0001F99E " emoji-name prefix
	channelsList []channels.Channel
}

func NewPlane(log *slog.Logger, st store.Store, assistantPrefix string) *Plane {
	return &Plane{log: log, store: st, assistant: assistantPrefix}
}

// SetChannels replaces the live channel list (called once at startup
// after capability discovery; channels are otherwise immutable for the
// process lifetime per spec.md §4.10 step 5).
func (p *Plane) SetChannels(cs []channels.Channel) { p.channelsList = cs }

func (p *Plane) channelsOwning(jid string) []channels.Channel {
	var out []channels.Channel
	for _, c := range p.channelsList {
		if c.OwnsJID(jid) {
			out = append(out, c)
		}
	}
	return out
}

// FormatOutbound applies per-channel formatting rules (§4.8): strip
// <internal>...</internal> wrapping (skip the channel entirely if
// emptied), then prepend the assistant-name prefix if the channel wants it.
func (p *Plane) FormatOutbound(c channels.Channel, text string) (out string, skip bool) {
	stripped, hadInternal := stripInternalTags(text)
	if hadInternal && strings.TrimSpace(stripped) == "" {
		return "", true
	}
	if c.PrefixAssistantName() {
		return p.assistant + stripped, false
	}
	return stripped, false
}

func stripInternalTags(text string) (string, bool) {
	const open, close_ = "<internal>", "</internal>"
	if !strings.Contains(text, open) {
		return text, false
	}
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, open)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(open):]
		end := strings.Index(rest, close_)
		if end < 0 {
			break // unterminated tag: drop the remainder
		}
		rest = rest[end+len(close_):]
	}
	return b.String(), true
}

// extractHostTag reports text wrapped in <host>...</host>, per the
// result-event rendering rule.
func extractHostTag(text string) (hostText string, ok bool) {
	const open, close_ = "<host>", "</host>"
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, close_)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// BroadcastToChannels fans text out to every channel owning chatJID,
// recording an outbound ledger entry. Returns whether at least one
// channel's send succeeded; an empty text is sent like any other.
func (p *Plane) BroadcastToChannels(ctx context.Context, chatJID, text, source string) (sent bool) {
	owners := p.channelsOwning(chatJID)
	var channelNames []string
	delivered := map[string]bool{}

	for _, c := range owners {
		out, skip := p.FormatOutbound(c, text)
		channelNames = append(channelNames, c.Name())
		if skip {
			continue
		}
		if err := c.SendMessage(ctx, chatJID, out); err != nil {
			p.log.Warn("broadcast send failed", "channel", c.Name(), "jid", chatJID, "error", err)
			continue
		}
		delivered[c.Name()] = true
		sent = true
	}

	if p.store != nil {
		id, err := p.store.AppendLedgerEntry(ctx, store.OutboundLedgerEntry{
			ChatJID: chatJID, Content: text, Source: source, Channels: channelNames,
			Delivered: delivered, AttemptCount: 1, CreatedAt: time.Now().UTC(), LastAttemptAt: time.Now().UTC(),
		})
		if err != nil {
			p.log.Warn("append ledger entry failed", "error", err)
		} else {
			_ = id
		}
	}
	return sent
}

// BroadcastHostMessage stores a message_type="host" record and fans it
// out identically (no assistant-name prefix) across all channels.
func (p *Plane) BroadcastHostMessage(ctx context.Context, chatJID, text string) error {
	text = "\U0001F3E0 " + text
	if p.store != nil {
		if err := p.store.AppendMessage(ctx, store.Message{
			ID: fmt.Sprintf("host-%d", time.Now().UnixNano()), ChatJID: chatJID, SenderID: "host",
			DisplayName: "host", Content: text, Timestamp: time.Now().UTC(), IsFromMe: true,
			Type: store.MessageTypeHost,
		}); err != nil {
			return fmt.Errorf("append host message: %w", err)
		}
	}
	for _, c := range p.channelsOwning(chatJID) {
		if err := c.SendMessage(ctx, chatJID, text); err != nil {
			p.log.Warn("host broadcast failed", "channel", c.Name(), "error", err)
		}
	}
	return nil
}

// SendReactionToChannels propagates an emoji reaction to every
// reaction-capable channel owning jid.
func (p *Plane) SendReactionToChannels(ctx context.Context, jid, messageID, emoji string) {
	for _, c := range p.channelsOwning(jid) {
		if rc, ok := c.(channels.ReactionChannel); ok {
			if err := rc.SendReaction(ctx, jid, messageID, emoji); err != nil {
				p.log.Debug("reaction send failed", "channel", c.Name(), "error", err)
			}
		}
	}
}

// SetTypingOnChannels propagates a typing indicator to every
// typing-capable channel owning jid.
func (p *Plane) SetTypingOnChannels(ctx context.Context, jid string, on bool) {
	for _, c := range p.channelsOwning(jid) {
		if tc, ok := c.(channels.TypingChannel); ok {
			if err := tc.SetTyping(ctx, jid, on); err != nil {
				p.log.Debug("typing set failed", "channel", c.Name(), "error", err)
			}
		}
	}
}

// SendAskUserToChannels posts a structured clarifying-question prompt on
// every channel owning jid, preferring the ask-user capability and
// falling back to a plain numbered-list message.
func (p *Plane) SendAskUserToChannels(ctx context.Context, jid, requestID string, questions []string) error {
	var lastErr error
	for _, c := range p.channelsOwning(jid) {
		if ac, ok := c.(channels.AskUserChannel); ok {
			if _, err := ac.SendAskUser(ctx, jid, requestID, questions); err != nil {
				p.log.Warn("ask-user send failed", "channel", c.Name(), "error", err)
				lastErr = err
			}
			continue
		}
		var b strings.Builder
		b.WriteString("❓ The agent needs input:\n")
		for i, q := range questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
		if err := c.SendMessage(ctx, jid, b.String()); err != nil {
			p.log.Warn("ask-user fallback send failed", "channel", c.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// StreamState tracks per-run rendering state across HandleStreamedOutput
// calls (last tool name, for the tool_result/ExitPlanMode special case).
type StreamState struct {
	lastTool string
}

// NewStreamState creates fresh per-run rendering state.
func NewStreamState() *StreamState { return &StreamState{} }

// HandleStreamedOutput renders one streamed container event per the
// §4.8 rendering table, returning whether it sent user-visible content
// (used by the caller to decide cursor-rollback safety on later error).
func (p *Plane) HandleStreamedOutput(ctx context.Context, chatJID string, st *StreamState, ev container.Event) (sentToUser bool) {
	switch ev.Type {
	case container.EventThinking:
		return p.BroadcastToChannels(ctx, chatJID, "\U0001F4AD thinking...", "agent")

	case container.EventToolUse:
		st.lastTool = ev.ToolName
		return p.BroadcastToChannels(ctx, chatJID, fmt.Sprintf("\U0001F527 %s: %s", ev.ToolName, renderToolInput(ev.ToolInput)), "agent")

	case container.EventToolResult:
		if st.lastTool == "ExitPlanMode" {
			return p.BroadcastToChannels(ctx, chatJID, ev.ToolResultContent, "agent")
		}
		return p.BroadcastToChannels(ctx, chatJID, "\U0001F4CB tool result", "agent")

	case container.EventText:
		// A bare text event is neither broadcast nor buffered; the final
		// result event carries the authoritative text.
		return false

	case container.EventSystem:
		if ev.SystemSubtype == "init" {
			return false // session_id is learned, never shown
		}
		return p.BroadcastToChannels(ctx, chatJID, "⚙️ "+ev.SystemSubtype, "agent")

	case container.EventResult:
		return p.handleResult(ctx, chatJID, ev)
	}
	return false
}

func (p *Plane) handleResult(ctx context.Context, chatJID string, ev container.Event) bool {
	if hostText, ok := extractHostTag(ev.Result); ok {
		if err := p.BroadcastHostMessage(ctx, chatJID, hostText); err != nil {
			p.log.Warn("broadcast host message failed", "error", err)
		}
		return true
	}
	stripped, hadInternal := stripInternalTags(ev.Result)
	if hadInternal && strings.TrimSpace(stripped) == "" {
		return false
	}
	sent := p.BroadcastToChannels(ctx, chatJID, stripped, "agent")
	if len(ev.ResultMetadata) > 0 {
		if line := renderResultMetadata(ev.ResultMetadata); line != "" {
			p.BroadcastToChannels(ctx, chatJID, line, "agent")
		}
	}
	return sent
}

func renderToolInput(raw []byte) string {
	s := string(raw)
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}

func renderResultMetadata(raw []byte) string {
	// Best-effort: the exact schema is agent-core defined; we only surface
	// the fields spec.md names explicitly.
	var meta struct {
		CostUSD  float64 `json:"cost_usd"`
		Duration string  `json:"duration"`
		Turns    int     `json:"turns"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return fmt.Sprintf("\U0001F4CA %.4f USD · %s · %d turns", meta.CostUSD, meta.Duration, meta.Turns)
}

// RetryUndelivered is called after a channel connects and on every
// channel reconciliation pass: every undelivered ledger entry this
// channel owns is sent again, with no backoff. The number of attempts is
// not limited; a failed send is not counted, so an entry is retried on
// every call until a send succeeds.
func (p *Plane) RetryUndelivered(ctx context.Context, c channels.Channel) {
	if p.store == nil {
		return
	}
	entries, err := p.store.UndeliveredForChannel(ctx, c.Name())
	if err != nil {
		p.log.Warn("retry undelivered: query failed", "channel", c.Name(), "error", err)
		return
	}
	for _, e := range entries {
		if !c.OwnsJID(e.ChatJID) {
			continue
		}
		out, skip := p.FormatOutbound(c, e.Content)
		if skip {
			continue
		}
		if err := c.SendMessage(ctx, e.ChatJID, out); err != nil {
			p.log.Debug("retry undelivered send failed", "channel", c.Name(), "error", err)
			continue
		}
		if err := p.store.MarkDelivered(ctx, e.ID, c.Name()); err != nil {
			p.log.Warn("retry undelivered: mark delivered failed", "error", err)
		}
	}
}
