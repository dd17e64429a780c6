package discord

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJidFor(t *testing.T) {
	assert.Equal(t, "discord:123456", jidFor("123456"))
}

func TestChannelIDFromJID_ValidPrefix(t *testing.T) {
	id, ok := channelIDFromJID("discord:123456")
	assert.True(t, ok)
	assert.Equal(t, "123456", id)
}

func TestChannelIDFromJID_WrongPrefixRejected(t *testing.T) {
	_, ok := channelIDFromJID("wa:123456")
	assert.False(t, ok)
}

func TestOwnsJID(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.True(t, c.OwnsJID("discord:555"))
	assert.False(t, c.OwnsJID("slack:555"))
}

func TestPrefixAssistantName_AlwaysFalse(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.False(t, c.PrefixAssistantName(), "discord already shows the bot's own username")
}

func TestSendMessage_RejectsUnownedJID(t *testing.T) {
	c := New(testLogger(), "token", nil)
	err := c.SendMessage(context.Background(), "slack:1", "hi")
	assert.Error(t, err)
}

func TestSendMessage_NotConnectedErrors(t *testing.T) {
	c := New(testLogger(), "token", nil)
	err := c.SendMessage(context.Background(), "discord:1", "hi")
	assert.ErrorContains(t, err, "not connected")
}

func TestSetTyping_FalseIsNoopEvenWithoutSession(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.NoError(t, c.SetTyping(context.Background(), "discord:1", false))
}

func TestSetTyping_TrueWithoutSessionIsNoop(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.NoError(t, c.SetTyping(context.Background(), "discord:1", true))
}

func TestSetTyping_UnownedJIDIsNoop(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.NoError(t, c.SetTyping(context.Background(), "slack:1", true))
}

func TestSendReaction_WithoutSessionIsNoop(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.NoError(t, c.SendReaction(context.Background(), "discord:1", "msg1", "👍"))
}

func TestDisconnect_WithoutSessionIsNoop(t *testing.T) {
	c := New(testLogger(), "token", nil)
	assert.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())
}
